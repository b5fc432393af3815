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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-sbl/flash"
)

func TestLayout(t *testing.T) {
	for _, test := range []struct {
		name string
		got  int
		want int
	}{
		{name: "enc info offset", got: EncInfoOffset, want: 0x190},
		{name: "preamble", got: PreambleSize, want: 0x1c0},
		{name: "header", got: HeaderSize, want: 0x1d0},
		{name: "children", got: MaxChildren, want: 12},
	} {
		t.Run(test.name, func(t *testing.T) {
			if test.got != test.want {
				t.Fatalf("Got 0x%x, want 0x%x", test.got, test.want)
			}
		})
	}
}

func TestParseBitfields(t *testing.T) {
	buf := make([]byte, HeaderSize)
	// blob size 0x1234, crc, auth and ambiq set
	binary.LittleEndian.PutUint32(buf[0:], 0x1234|1<<26|1<<28|1<<30)
	binary.LittleEndian.PutUint32(buf[4:], 0xdeadbeef)
	// auth key 3, enc key 7, auth algo 1, enc algo 2
	binary.LittleEndian.PutUint32(buf[8:], 0x03|0x07<<8|0x1<<16|0x2<<20)
	buf[OptOffset] = MagicSecure
	binary.LittleEndian.PutUint32(buf[OptOffset+4:], 0x0041_0003)

	h, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := &Header{
		BlobSize:     0x1234,
		CRCCheck:     true,
		AuthCheck:    true,
		Ambiq:        true,
		CRC:          0xdeadbeef,
		AuthKeyIndex: 3,
		EncKeyIndex:  7,
		AuthAlgo:     1,
		EncAlgo:      2,
		Magic:        MagicSecure,
		LoadAddress:  0x0041_0000,
	}

	if diff := cmp.Diff(h, want); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if got, want := h.Class(), Secure; got != want {
		t.Fatalf("Got class %v, want %v", got, want)
	}
}

func TestHeaderBytes(t *testing.T) {
	m := &MainHeader{
		Header: Header{
			BlobSize:     0x20000,
			CRCCheck:     true,
			Encrypted:    true,
			AuthCheck:    true,
			CRC:          0x01020304,
			AuthKeyIndex: 1,
			EncKeyIndex:  2,
			AuthAlgo:     1,
			EncAlgo:      1,
			Magic:        MagicOEMChain,
			LoadAddress:  0x0050_0000,
			Version:      7,
		},
	}
	m.Signature[0] = 0xaa
	m.WrappedKey[15] = 0xbb
	m.WrappedIV[0] = 0xcc

	if err := m.SetChildren([]flash.Address{0x0060_0000, 0x0061_0000}); err != nil {
		t.Fatalf("SetChildren: %v", err)
	}

	buf, err := m.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if got, want := len(buf), MainHeaderSize; got != want {
		t.Fatalf("Got length %d, want %d", got, want)
	}

	got, err := ParseMain(buf)
	if err != nil {
		t.Fatalf("ParseMain: %v", err)
	}
	if diff := cmp.Diff(got, m); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if diff := cmp.Diff(got.ChildPointers(), []flash.Address{0x0060_0000, 0x0061_0000}); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("Parse short buffer = %v, want %v", err, ErrShortHeader)
	}
	if _, err := ParseMain(make([]byte, HeaderSize)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("ParseMain short buffer = %v, want %v", err, ErrShortHeader)
	}
	if _, err := (&Header{BlobSize: MaxBlobSize + 1}).Bytes(); !errors.Is(err, ErrBlobSize) {
		t.Fatalf("Bytes oversize blob = %v, want %v", err, ErrBlobSize)
	}
	m := &MainHeader{}
	if err := m.SetChildren(make([]flash.Address, MaxChildren+1)); err == nil {
		t.Fatal("SetChildren accepted too many children")
	}
}

func TestVectorTable(t *testing.T) {
	for _, test := range []struct {
		name    string
		vt      VectorTable
		wantErr bool
	}{
		{
			name: "valid",
			vt:   VectorTable{StackPointer: 0x2000_8000, Reset: 0x0041_0201},
		}, {
			name:    "stack pointer outside SRAM",
			vt:      VectorTable{StackPointer: 0x1000_0000, Reset: 0x0041_0201},
			wantErr: true,
		}, {
			name:    "stack pointer at SRAM end",
			vt:      VectorTable{StackPointer: 0x2010_0000, Reset: 0x0041_0201},
			wantErr: true,
		}, {
			name:    "reset outside image",
			vt:      VectorTable{StackPointer: 0x2000_8000, Reset: 0x0080_0001},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			vt, err := ParseVectorTable(test.vt.Bytes())
			if err != nil {
				t.Fatalf("ParseVectorTable: %v", err)
			}
			err = vt.Check(0x2000_0000, 0x2010_0000, 0x0041_0000, 0x0042_0000)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestParseVectorTableShort(t *testing.T) {
	vt := (&VectorTable{StackPointer: 0x2000_8000, Reset: 0x0041_0201}).Bytes()

	if _, err := ParseVectorTable(vt[:VectorTableSize-1]); err == nil {
		t.Fatal("ParseVectorTable accepted a truncated table")
	}
}

func TestClassOf(t *testing.T) {
	for _, test := range []struct {
		magic      uint8
		want       Class
		wantOffset uint32
	}{
		{magic: MagicCustProp, want: CustomerProprietary},
		{magic: MagicCustOTADsc, want: CustomerOTADescriptor},
		{magic: MagicNonSecure, want: NonSecure, wantOffset: HeaderSize},
		{magic: MagicSecure, want: Secure},
		{magic: MagicOEMChain, want: OEMChain},
		{magic: MagicKeybank, want: Reserved},
		{magic: 0x42, want: Unknown},
	} {
		t.Run(test.want.String(), func(t *testing.T) {
			c := ClassOf(test.magic)
			if c != test.want {
				t.Fatalf("ClassOf(0x%x) = %v, want %v", test.magic, c, test.want)
			}
			if got := c.InstallOffset(); got != test.wantOffset {
				t.Fatalf("Got install offset %d, want %d", got, test.wantOffset)
			}
		})
	}
}
