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

// Package ota implements processing of OTA descriptor lists: candidate
// validation, installation to the load address and feedback to the producer
// of the list.
//
// A descriptor list is an array of little endian 32-bit words terminated by
// 0xffffffff. Each word holds an image pointer along with two feedback bits
// which are both set while the entry is pending:
//
//	[1]     success, cleared once the image is installed
//	[0]     failure, cleared when the image is rejected
package ota

import (
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/bits"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
)

const (
	// MaxOTA is the number of entries processed before a list missing its
	// end marker is abandoned.
	MaxOTA = 8
	// MaxDepth is the deepest nested descriptor list processed, the top
	// level list has depth 0.
	MaxDepth = 1

	// feedback bits
	DESC_FAILURE = 0
	DESC_SUCCESS = 1

	// ignored pointer bits
	descFlags    = 0x3
	descReserved = 0x0f000000
)

var (
	// ErrMaxOTA is returned when a list exceeds MaxOTA entries.
	ErrMaxOTA = errors.New("exceeded maximum OTAs")
	// ErrRecursion is returned when nested lists exceed MaxDepth.
	ErrRecursion = errors.New("descriptor nesting too deep")
	// ErrDescriptor is returned when the list itself cannot be accessed.
	ErrDescriptor = errors.New("invalid descriptor list")
	// ErrInconsistent is returned for header flags which contradict the
	// image class.
	ErrInconsistent = errors.New("inconsistent blob")
)

// BlobPointer returns the image address referenced by a descriptor word.
func BlobPointer(word uint32) flash.Address {
	return flash.Address(word &^ (descFlags | descReserved))
}

// Pending reports whether a descriptor word still awaits processing.
func Pending(word uint32) bool {
	return word&descFlags == descFlags
}

// Feedback returns the descriptor word once the outcome of its entry has
// been recorded.
func Feedback(word uint32, ok bool) uint32 {
	if ok {
		bits.Clear(&word, DESC_SUCCESS)
	} else {
		bits.Clear(&word, DESC_FAILURE)
	}
	return word
}

// slotAddr returns the address of the i-th descriptor word of a list.
func slotAddr(list flash.Address, i int) flash.Address {
	return list + flash.Address(4*i)
}

// nestedList returns the address of the list carried by a customer OTA
// descriptor image.
func nestedList(addr flash.Address) flash.Address {
	return addr + image.HeaderSize
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
