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

// Package imgtool assembles signed and encrypted images and OTA descriptor
// lists, it is the host side counterpart of the bootloader validation.
package imgtool

import (
	"crypto/aes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/secure"
)

// Signer describes image authentication.
type Signer struct {
	Key   *rsa.PrivateKey
	Index uint8
	Algo  uint8
}

// Encryption describes image encryption.
type Encryption struct {
	KEK   []byte
	Index uint8
	Algo  uint8
	Key   [image.KeySize]byte
	IV    [image.KeySize]byte
}

// Options describes the image to build.
type Options struct {
	Magic       uint8
	LoadAddress flash.Address
	Version     uint32
	// CRC enables the CRC check.
	CRC bool
	// CCIncluded flags a key certificate chain following the header.
	CCIncluded bool
	// Children are referenced by a main image header, a main header is
	// always emitted for the secure class.
	Children []flash.Address
	// Auth, when set, signs the image.
	Auth *Signer
	// Enc, when set, encrypts the image.
	Enc *Encryption
}

func (o *Options) main() bool {
	return o.Magic == image.MagicSecure || len(o.Children) > 0
}

// Build returns the image blob wrapping payload.
func Build(opts Options, payload []byte) ([]byte, error) {
	hl := image.HeaderSize
	if opts.main() {
		hl = image.MainHeaderSize
	}

	n := hl + len(payload)

	if opts.Enc != nil {
		off := image.CipherOffset
		if r := (n - off) % aes.BlockSize; r != 0 {
			n += aes.BlockSize - r
		}
	}

	if n > image.MaxBlobSize {
		return nil, fmt.Errorf("image too large (%d bytes)", n)
	}

	m := &image.MainHeader{
		Header: image.Header{
			BlobSize:    uint32(n),
			CRCCheck:    opts.CRC,
			CCIncluded:  opts.CCIncluded,
			Magic:       opts.Magic,
			LoadAddress: opts.LoadAddress,
			Version:     opts.Version,
		},
	}

	if err := m.SetChildren(opts.Children); err != nil {
		return nil, err
	}

	if a := opts.Auth; a != nil {
		m.AuthCheck = true
		m.AuthKeyIndex = a.Index
		m.AuthAlgo = a.Algo
	}

	if e := opts.Enc; e != nil {
		wk, wiv, err := secure.WrapKey(e.Algo, e.KEK, e.Key, e.IV)
		if err != nil {
			return nil, err
		}

		m.Encrypted = true
		m.EncKeyIndex = e.Index
		m.EncAlgo = e.Algo
		m.WrappedKey = wk
		m.WrappedIV = wiv
	}

	hdr, err := m.Bytes()
	if err != nil {
		return nil, err
	}

	blob := make([]byte, n)
	copy(blob, hdr[:hl])
	copy(blob[hl:], payload)

	if a := opts.Auth; a != nil {
		digest := sha256.Sum256(blob[image.PreambleSize:])

		sig, err := secure.Sign(a.Key, a.Algo, digest[:])
		if err != nil {
			return nil, fmt.Errorf("could not sign image, %v", err)
		}

		if len(sig) != image.SignatureSize {
			return nil, fmt.Errorf("unexpected signature size %d", len(sig))
		}

		copy(blob[image.AuthOffset:], sig)
	}

	if opts.CRC {
		binary.LittleEndian.PutUint32(blob[4:], crc32.ChecksumIEEE(blob[image.CRCOffset:]))
	}

	if e := opts.Enc; e != nil {
		enc, err := secure.NewEncrypter(e.Algo, e.Key[:], e.IV[:])
		if err != nil {
			return nil, err
		}

		ct := blob[image.CipherOffset:]
		enc.CryptBlocks(ct, ct)
	}

	return blob, nil
}

// Pending returns the descriptor entry for an image waiting to be processed.
func Pending(addr flash.Address) uint32 {
	return uint32(addr) | 0x3
}

// Descriptor encodes a list of descriptor entries followed by the end marker.
func Descriptor(entries ...uint32) []byte {
	buf := make([]byte, 4*(len(entries)+1))

	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[4*i:], e)
	}

	binary.LittleEndian.PutUint32(buf[4*len(entries):], image.Sentinel)

	return buf
}

// NestedDescriptor returns a customer OTA descriptor image wrapping a list
// of entries.
func NestedDescriptor(entries ...uint32) ([]byte, error) {
	return Build(Options{Magic: image.MagicCustOTADsc}, Descriptor(entries...))
}
