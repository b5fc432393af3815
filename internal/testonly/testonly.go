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

// Package testonly provides support for bootloader tests.
package testonly

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/internal/imgtool"
	"github.com/transparency-dev/armored-witness-sbl/keystore"
	"github.com/transparency-dev/armored-witness-sbl/secure"
)

// Memory map of the test board.
const (
	MRAMBase     flash.Address = 0x0040_0000
	MRAMSize                   = 0x0020_0000
	MRAMPageSize               = 0x100

	PSRAMBase     flash.Address = 0x6000_0000
	PSRAMSize                   = 0x0080_0000
	PSRAMPageSize               = 0x1000

	SRAMBase flash.Address = 0x2000_0000
	SRAMSize               = 0x0010_0000
)

// Key slots provisioned by Fuses.
const (
	AuthKeyIndex = 0
	KEKIndex     = 1
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error

	// KEK is the key encryption key provisioned by Fuses.
	KEK = []byte("0123456789abcdef")
	// ImageKey and ImageIV are the default image encryption parameters.
	ImageKey = [16]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f}
	ImageIV  = [16]byte{0xf0, 0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff}
)

// SigningKey returns an RSA-3072 key shared by all tests of a package.
func SigningKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()

	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 3072)
	})

	if keyErr != nil {
		t.Fatalf("Failed to generate signing key: %v", keyErr)
	}

	return key
}

// Signer returns the image signer matching Fuses.
func Signer(t testing.TB) *imgtool.Signer {
	t.Helper()

	return &imgtool.Signer{
		Key:   SigningKey(t),
		Index: AuthKeyIndex,
		Algo:  secure.AuthAlgoRSA3072SHA256,
	}
}

// Encryption returns the image encryption parameters matching Fuses.
func Encryption() *imgtool.Encryption {
	return &imgtool.Encryption{
		KEK:   KEK,
		Index: KEKIndex,
		Algo:  secure.EncAlgoAES128CBC,
		Key:   ImageKey,
		IV:    ImageIV,
	}
}

// Fuses returns a key store provisioned with the test keys.
func Fuses(t testing.TB, sec keystore.Security) *keystore.Fuses {
	t.Helper()

	f := keystore.NewFuses(sec)
	f.SetAuthKey(AuthKeyIndex, &secure.AuthKey{
		Algo:   secure.AuthAlgoRSA3072SHA256,
		Public: &SigningKey(t).PublicKey,
	})

	if err := f.SetKEK(KEKIndex, KEK); err != nil {
		t.Fatalf("SetKEK: %v", err)
	}

	return f
}

// Primitives returns an initialized software crypto provider.
func Primitives(t testing.TB) *secure.Software {
	t.Helper()

	p := &secure.Software{}
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return p
}

// Board holds the simulated devices of the test memory map.
type Board struct {
	Registry *flash.Registry

	MRAM  *flash.Sim
	PSRAM *flash.Sim
	SRAM  *flash.Sim
}

// NewBoard returns internal MRAM, external PSRAM and SRAM devices, all
// registered and fully capable.
func NewBoard(t testing.TB) *Board {
	t.Helper()

	b := &Board{
		MRAM:  NewSim(t, flash.SimConfig{Name: "mram", Base: MRAMBase, Size: MRAMSize, PageSize: MRAMPageSize, XIP: true, Internal: true, Caps: flash.AllCapabilities}),
		PSRAM: NewSim(t, flash.SimConfig{Name: "psram", Base: PSRAMBase, Size: PSRAMSize, PageSize: PSRAMPageSize, XIP: true, Caps: flash.AllCapabilities}),
		SRAM:  NewSim(t, flash.SimConfig{Name: "sram", Base: SRAMBase, Size: SRAMSize, PageSize: 4, Caps: flash.AllCapabilities}),
	}

	r, err := flash.NewRegistry(b.MRAM.Device())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, s := range []*flash.Sim{b.PSRAM, b.SRAM} {
		if err := r.Register(s.Device()); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	b.Registry = r

	return b
}

// NewSim returns a simulated device, failing the test on error.
func NewSim(t testing.TB, cfg flash.SimConfig) *flash.Sim {
	t.Helper()

	s, err := flash.NewSim(cfg)
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}

	return s
}

// Load writes data to the simulated device, failing the test on error.
func Load(t testing.TB, s *flash.Sim, addr flash.Address, data []byte) {
	t.Helper()

	if err := s.Load(addr, data); err != nil {
		t.Fatalf("Load(%v): %v", addr, err)
	}
}

// Build assembles an image, failing the test on error.
func Build(t testing.TB, opts imgtool.Options, payload []byte) []byte {
	t.Helper()

	blob, err := imgtool.Build(opts, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	return blob
}

// Payload returns n bytes of deterministic content.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}

// MainPayload returns n bytes of main image payload, starting with a vector
// table valid for an image installed at load.
func MainPayload(load flash.Address, n int) []byte {
	b := Payload(n)

	vt := &image.VectorTable{
		StackPointer: uint32(SRAMBase) + 0x8000,
		Reset:        uint32(load) + image.MainHeaderSize + 0x101,
	}
	copy(b, vt.Bytes())

	return b
}

// Word returns the little endian word stored at addr, ignoring protections.
func Word(t testing.TB, s *flash.Sim, addr flash.Address) uint32 {
	t.Helper()

	b, err := s.Dump(addr, 4)
	if err != nil {
		t.Fatalf("Dump(%v): %v", addr, err)
	}

	return binary.LittleEndian.Uint32(b)
}
