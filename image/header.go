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

// Package image implements parsing and encoding of the secure image header
// format shared by OTA candidates, the main image and its child images.
//
// All multi-byte fields are little endian and located at fixed offsets:
//
//	0x000 w0         blob size, check and ownership flags
//	0x004 crc        CRC32 (IEEE) of [0x008, blob size)
//	0x008 w2         key indexes and algorithm selectors
//	0x00c w3         reserved
//	0x010 signature  384 bytes over [0x1c0, blob size)
//	0x190 enc info   wrapped key, wrapped IV, reserved
//	0x1c0 opt0-opt3  magic, load address, reserved, version
//	0x1d0            payload, or child pointers for main images
//
// Encrypted images carry AES-CBC ciphertext from 0x1d0 to the end of the
// blob, the CRC and signature are computed over the plaintext.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/bits"

	"github.com/transparency-dev/armored-witness-sbl/flash"
)

// Layout
const (
	CommonSize    = 16
	SignatureSize = 384
	KeySize       = 16
	EncInfoSize   = 48

	CRCOffset     = 8
	AuthOffset    = CommonSize
	EncInfoOffset = AuthOffset + SignatureSize
	// PreambleSize is the length of the common, authentication and
	// encryption blocks, the signature covers everything after it.
	PreambleSize = EncInfoOffset + EncInfoSize
	OptOffset    = PreambleSize
	HeaderSize   = OptOffset + 16
	// CipherOffset is the start of the encrypted part of an encrypted
	// image, the common header stays in clear.
	CipherOffset = HeaderSize

	// MainHeaderSize rounds the main image header, including its child
	// pointer array, to a fixed size.
	MainHeaderSize = 512
	MaxChildren    = (MainHeaderSize - HeaderSize) / 4

	// MaxBlobSize is the largest size representable in w0.
	MaxBlobSize = 1<<22 - 1

	// Sentinel terminates pointer arrays.
	Sentinel = 0xffffffff
)

// w0 fields
const (
	W0_BLOB_SIZE   = 0
	W0_CRC_CHECK   = 26
	W0_ENC         = 27
	W0_AUTH_CHECK  = 28
	W0_CC_INCLUDED = 29
	W0_AMBIQ       = 30
)

// w2 fields
const (
	W2_AUTH_KEY_IDX = 0
	W2_ENC_KEY_IDX  = 8
	W2_AUTH_ALGO    = 16
	W2_ENC_ALGO     = 20
)

var (
	// ErrShortHeader is returned when parsing a buffer smaller than the
	// header being decoded.
	ErrShortHeader = errors.New("buffer too short for image header")
	// ErrBlobSize is returned when encoding a blob size which does not fit
	// in the header.
	ErrBlobSize = errors.New("blob size out of range")
)

// Header represents the fields common to every image.
//
// Fields are untrusted until the CRC and signature checks enabled by the
// header itself have passed.
type Header struct {
	BlobSize   uint32
	CRCCheck   bool
	Encrypted  bool
	AuthCheck  bool
	CCIncluded bool
	Ambiq      bool

	CRC uint32

	AuthKeyIndex uint8
	EncKeyIndex  uint8
	AuthAlgo     uint8
	EncAlgo      uint8

	Signature  [SignatureSize]byte
	WrappedKey [KeySize]byte
	WrappedIV  [KeySize]byte

	Magic       uint8
	LoadAddress flash.Address
	Opt2        uint32
	Version     uint32
}

// Class returns the image class encoded by the header magic number.
func (h *Header) Class() Class {
	return ClassOf(h.Magic)
}

func (h *Header) String() string {
	return fmt.Sprintf("%v size:0x%x crc:%t auth:%t enc:%t load:%v", h.Class(), h.BlobSize, h.CRCCheck, h.AuthCheck, h.Encrypted, h.LoadAddress)
}

// Parse decodes the common header at the start of buf.
func Parse(buf []byte) (h *Header, err error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w (%d < %d)", ErrShortHeader, len(buf), HeaderSize)
	}

	w0 := binary.LittleEndian.Uint32(buf[0:])
	w2 := binary.LittleEndian.Uint32(buf[CRCOffset:])
	opt := buf[OptOffset:HeaderSize]

	h = &Header{
		BlobSize:     bits.Get(&w0, W0_BLOB_SIZE, MaxBlobSize),
		CRCCheck:     bits.Get(&w0, W0_CRC_CHECK, 1) == 1,
		Encrypted:    bits.Get(&w0, W0_ENC, 1) == 1,
		AuthCheck:    bits.Get(&w0, W0_AUTH_CHECK, 1) == 1,
		CCIncluded:   bits.Get(&w0, W0_CC_INCLUDED, 1) == 1,
		Ambiq:        bits.Get(&w0, W0_AMBIQ, 1) == 1,
		CRC:          binary.LittleEndian.Uint32(buf[4:]),
		AuthKeyIndex: uint8(bits.Get(&w2, W2_AUTH_KEY_IDX, 0xff)),
		EncKeyIndex:  uint8(bits.Get(&w2, W2_ENC_KEY_IDX, 0xff)),
		AuthAlgo:     uint8(bits.Get(&w2, W2_AUTH_ALGO, 0xf)),
		EncAlgo:      uint8(bits.Get(&w2, W2_ENC_ALGO, 0xf)),
		Magic:        opt[0],
		LoadAddress:  flash.Address(binary.LittleEndian.Uint32(opt[4:]) &^ 0x3),
		Opt2:         binary.LittleEndian.Uint32(opt[8:]),
		Version:      binary.LittleEndian.Uint32(opt[12:]),
	}

	copy(h.Signature[:], buf[AuthOffset:EncInfoOffset])
	copy(h.WrappedKey[:], buf[EncInfoOffset:])
	copy(h.WrappedIV[:], buf[EncInfoOffset+KeySize:])

	return
}

// Bytes encodes the header, the returned buffer is HeaderSize long.
func (h *Header) Bytes() ([]byte, error) {
	if h.BlobSize > MaxBlobSize {
		return nil, fmt.Errorf("%w: 0x%x", ErrBlobSize, h.BlobSize)
	}

	buf := make([]byte, HeaderSize)

	var w0, w2 uint32

	bits.SetN(&w0, W0_BLOB_SIZE, MaxBlobSize, h.BlobSize)
	bits.SetTo(&w0, W0_CRC_CHECK, h.CRCCheck)
	bits.SetTo(&w0, W0_ENC, h.Encrypted)
	bits.SetTo(&w0, W0_AUTH_CHECK, h.AuthCheck)
	bits.SetTo(&w0, W0_CC_INCLUDED, h.CCIncluded)
	bits.SetTo(&w0, W0_AMBIQ, h.Ambiq)

	bits.SetN(&w2, W2_AUTH_KEY_IDX, 0xff, uint32(h.AuthKeyIndex))
	bits.SetN(&w2, W2_ENC_KEY_IDX, 0xff, uint32(h.EncKeyIndex))
	bits.SetN(&w2, W2_AUTH_ALGO, 0xf, uint32(h.AuthAlgo))
	bits.SetN(&w2, W2_ENC_ALGO, 0xf, uint32(h.EncAlgo))

	binary.LittleEndian.PutUint32(buf[0:], w0)
	binary.LittleEndian.PutUint32(buf[4:], h.CRC)
	binary.LittleEndian.PutUint32(buf[CRCOffset:], w2)

	copy(buf[AuthOffset:], h.Signature[:])
	copy(buf[EncInfoOffset:], h.WrappedKey[:])
	copy(buf[EncInfoOffset+KeySize:], h.WrappedIV[:])

	opt := buf[OptOffset:]
	binary.LittleEndian.PutUint32(opt[0:], uint32(h.Magic))
	binary.LittleEndian.PutUint32(opt[4:], uint32(h.LoadAddress)&^0x3)
	binary.LittleEndian.PutUint32(opt[8:], h.Opt2)
	binary.LittleEndian.PutUint32(opt[12:], h.Version)

	return buf, nil
}

// MainHeader represents the header of a main image, which references the
// child images validated and protected along with it.
type MainHeader struct {
	Header

	Children [MaxChildren]uint32
}

// ParseMain decodes a main image header at the start of buf.
func ParseMain(buf []byte) (*MainHeader, error) {
	if len(buf) < MainHeaderSize {
		return nil, fmt.Errorf("%w (%d < %d)", ErrShortHeader, len(buf), MainHeaderSize)
	}

	h, err := Parse(buf)
	if err != nil {
		return nil, err
	}

	m := &MainHeader{Header: *h}

	for i := range m.Children {
		m.Children[i] = binary.LittleEndian.Uint32(buf[HeaderSize+4*i:])
	}

	return m, nil
}

// ChildPointers returns the child image addresses up to the sentinel.
func (m *MainHeader) ChildPointers() (ptrs []flash.Address) {
	for _, c := range m.Children {
		if c == Sentinel {
			break
		}
		ptrs = append(ptrs, flash.Address(c))
	}
	return
}

// Bytes encodes the main header, the returned buffer is MainHeaderSize long.
func (m *MainHeader) Bytes() ([]byte, error) {
	hdr, err := m.Header.Bytes()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, MainHeaderSize)
	copy(buf, hdr)

	for i, c := range m.Children {
		binary.LittleEndian.PutUint32(buf[HeaderSize+4*i:], c)
	}

	return buf, nil
}

// SetChildren fills the child pointer array, unused entries are set to the
// sentinel.
func (m *MainHeader) SetChildren(ptrs []flash.Address) error {
	if len(ptrs) > MaxChildren {
		return fmt.Errorf("too many child images (%d > %d)", len(ptrs), MaxChildren)
	}

	for i := range m.Children {
		m.Children[i] = Sentinel
	}

	for i, p := range ptrs {
		m.Children[i] = uint32(p)
	}

	return nil
}
