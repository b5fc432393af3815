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

package ota

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/internal/testonly"
	"github.com/transparency-dev/armored-witness-sbl/secure"
	"github.com/transparency-dev/armored-witness-sbl/validator"
)

func TestNewInstaller(t *testing.T) {
	for _, test := range []struct {
		name    string
		size    uint32
		wantErr bool
	}{
		{name: "default", size: DefaultBufferSize},
		{name: "block", size: 16},
		{name: "zero", size: 0, wantErr: true},
		{name: "unaligned", size: 100, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewInstaller(&secure.Software{}, test.size)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestInstall(t *testing.T) {
	const src = testonly.PSRAMBase + 0x4000

	plain := testonly.Payload(image.HeaderSize + 1024)

	enc, err := secure.NewEncrypter(secure.EncAlgoAES128CBC, testonly.ImageKey[:], testonly.ImageIV[:])
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	cipherText := append([]byte{}, plain...)
	enc.CryptBlocks(cipherText[image.HeaderSize:], cipherText[image.HeaderSize:])

	for _, test := range []struct {
		name string
		data []byte
		buf  uint32
		di   validator.DecryptInfo
	}{
		{
			name: "plaintext",
			data: plain,
			buf:  0x100,
		}, {
			name: "encrypted",
			data: cipherText,
			buf:  0x200,
			di: validator.DecryptInfo{
				Decrypt:   true,
				Algo:      secure.EncAlgoAES128CBC,
				Key:       testonly.ImageKey,
				IV:        testonly.ImageIV,
				ClearSize: image.HeaderSize,
			},
		}, {
			name: "clear prefix spanning blocks",
			data: cipherText,
			buf:  0x100,
			di: validator.DecryptInfo{
				Decrypt:   true,
				Algo:      secure.EncAlgoAES128CBC,
				Key:       testonly.ImageKey,
				IV:        testonly.ImageIV,
				ClearSize: image.HeaderSize,
			},
		}, {
			name: "encrypted single block",
			data: cipherText,
			buf:  DefaultBufferSize,
			di: validator.DecryptInfo{
				Decrypt:   true,
				Algo:      secure.EncAlgoAES128CBC,
				Key:       testonly.ImageKey,
				IV:        testonly.ImageIV,
				ClearSize: image.HeaderSize,
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := testonly.NewBoard(t)
			testonly.Load(t, b.PSRAM, src, test.data)

			in, err := NewInstaller(testonly.Primitives(t), test.buf)
			if err != nil {
				t.Fatalf("NewInstaller: %v", err)
			}

			if err := in.Install(b.PSRAM.Device(), b.MRAM.Device(), src, loadAddr, uint32(len(test.data)), test.di); err != nil {
				t.Fatalf("Install: %v", err)
			}

			got, err := b.MRAM.Dump(loadAddr, uint32(len(plain)))
			if err != nil {
				t.Fatalf("Dump: %v", err)
			}
			if diff := cmp.Diff(got, plain); diff != "" {
				t.Fatalf("Got installed diff: %s", diff)
			}
		})
	}
}

func TestInstallErrors(t *testing.T) {
	const src = testonly.PSRAMBase

	for _, test := range []struct {
		name    string
		buf     uint32
		caps    flash.Capability
		fault   string
		wantErr error
	}{
		{
			name:    "no erase",
			buf:     DefaultBufferSize,
			caps:    flash.AllCapabilities &^ flash.CapErase,
			wantErr: flash.ErrUnsupported,
		}, {
			name:    "no write",
			buf:     DefaultBufferSize,
			caps:    flash.AllCapabilities &^ flash.CapWrite,
			wantErr: flash.ErrUnsupported,
		}, {
			name:    "buffer not page multiple",
			buf:     0x10,
			caps:    flash.AllCapabilities,
			wantErr: flash.ErrAlignment,
		}, {
			name:  "write failure",
			buf:   0x100,
			caps:  flash.AllCapabilities,
			fault: "write",
		}, {
			name:  "erase failure",
			buf:   0x100,
			caps:  flash.AllCapabilities,
			fault: "erase",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := testonly.NewBoard(t)
			testonly.Load(t, b.PSRAM, src, testonly.Payload(0x300))

			dst := testonly.NewSim(t, flash.SimConfig{
				Name:     "dst",
				Base:     testonly.MRAMBase,
				Size:     testonly.MRAMSize,
				PageSize: testonly.MRAMPageSize,
				XIP:      true,
				Caps:     test.caps,
			})

			injected := errors.New("injected")
			writes := 0
			dst.Fault = func(op string, addr flash.Address, n uint32) error {
				if op == "write" {
					writes++
				}
				// let the first block through
				if op == test.fault && (op != "write" || writes > 1) {
					return injected
				}
				return nil
			}

			in, err := NewInstaller(testonly.Primitives(t), test.buf)
			if err != nil {
				t.Fatalf("NewInstaller: %v", err)
			}

			err = in.Install(b.PSRAM.Device(), dst.Device(), src, loadAddr, 0x300, validator.DecryptInfo{})

			want := test.wantErr
			if want == nil {
				want = injected
			}

			if !errors.Is(err, want) {
				t.Fatalf("Got %v, want %v", err, want)
			}

			if test.fault == "write" && writes != 2 {
				t.Fatalf("Got %d writes, want installation aborted at the second block", writes)
			}
		})
	}
}
