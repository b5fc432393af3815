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

import (
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-witness-sbl/flash"
)

// VectorTableSize is the number of vector table bytes inspected before
// handing off execution: initial stack pointer and reset handler.
const VectorTableSize = 8

// VectorTable holds the first two entries of a Cortex-M vector table.
type VectorTable struct {
	StackPointer uint32
	Reset        uint32
}

// ParseVectorTable decodes the initial stack pointer and reset handler.
func ParseVectorTable(buf []byte) (*VectorTable, error) {
	if len(buf) < VectorTableSize {
		return nil, fmt.Errorf("vector table too short (%d)", len(buf))
	}

	return &VectorTable{
		StackPointer: binary.LittleEndian.Uint32(buf[0:]),
		Reset:        binary.LittleEndian.Uint32(buf[4:]),
	}, nil
}

// Bytes encodes the vector table entries.
func (v *VectorTable) Bytes() []byte {
	buf := make([]byte, VectorTableSize)
	binary.LittleEndian.PutUint32(buf[0:], v.StackPointer)
	binary.LittleEndian.PutUint32(buf[4:], v.Reset)
	return buf
}

// Check verifies that the stack pointer lies within [ramBase, ramEnd) and
// that the reset handler lies within the image [start, end).
func (v *VectorTable) Check(ramBase, ramEnd, start, end flash.Address) error {
	if sp := flash.Address(v.StackPointer); sp < ramBase || sp >= ramEnd {
		return fmt.Errorf("stack pointer 0x%08x outside of SRAM [%v-%v)", v.StackPointer, ramBase, ramEnd)
	}

	// the Thumb bit is not part of the handler address
	if pc := flash.Address(v.Reset &^ 1); pc < start || pc >= end {
		return fmt.Errorf("reset handler 0x%08x outside of image [%v-%v)", v.Reset, start, end)
	}

	return nil
}
