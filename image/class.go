// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package image

import "fmt"

// Magic numbers
const (
	MagicSBL        = 0xa3
	MagicICVChain   = 0xac
	MagicPatch      = 0xaf
	MagicKeybank    = 0xae
	MagicSecure     = 0xc0
	MagicContainer  = 0xc1
	MagicNonSecure  = 0xcb
	MagicOEMChain   = 0xcc
	MagicDownload   = 0xcd
	MagicKeyRevoke  = 0xce
	MagicInfo0      = 0xcf
	MagicCustProp   = 0xd0
	MagicCustOTADsc = 0xd1
)

const (
	Unknown Class = iota
	CustomerProprietary
	CustomerOTADescriptor
	NonSecure
	Secure
	OEMChain
	// Reserved covers image types handled by the boot ROM only.
	Reserved
)

// Class represents the image types the bootloader dispatches on.
type Class int

// ClassOf maps a magic number to its image class.
func ClassOf(magic uint8) Class {
	switch magic {
	case MagicCustProp:
		return CustomerProprietary
	case MagicCustOTADsc:
		return CustomerOTADescriptor
	case MagicNonSecure:
		return NonSecure
	case MagicSecure:
		return Secure
	case MagicOEMChain:
		return OEMChain
	case MagicSBL, MagicICVChain, MagicPatch, MagicKeybank, MagicContainer,
		MagicDownload, MagicKeyRevoke, MagicInfo0:
		return Reserved
	}
	return Unknown
}

func (c Class) String() string {
	switch c {
	case CustomerProprietary:
		return "customer proprietary"
	case CustomerOTADescriptor:
		return "customer OTA descriptor"
	case NonSecure:
		return "non-secure"
	case Secure:
		return "secure"
	case OEMChain:
		return "OEM chain"
	case Reserved:
		return "reserved"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// InstallOffset returns the blob offset from which an image of this class is
// copied to its load address.
func (c Class) InstallOffset() uint32 {
	if c == NonSecure {
		return HeaderSize
	}
	return 0
}
