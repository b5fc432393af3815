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

package boot

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/internal/imgtool"
	"github.com/transparency-dev/armored-witness-sbl/internal/testonly"
	"github.com/transparency-dev/armored-witness-sbl/keystore"
	"github.com/transparency-dev/armored-witness-sbl/ota"
)

const (
	mainAddr  = testonly.MRAMBase + 0x10000
	childAddr = testonly.MRAMBase + 0x80000
	otaAddr   = testonly.PSRAMBase
	descAddr  = testonly.SRAMBase
)

type otaPointer struct {
	list    flash.Address
	pending bool
	cleared int
}

func (p *otaPointer) Pending() (flash.Address, bool) {
	return p.list, p.pending
}

func (p *otaPointer) Clear() error {
	p.pending = false
	p.cleared++
	return nil
}

type trampoline struct {
	vtor  flash.Address
	jumps int
}

func (t *trampoline) Jump(vtor flash.Address) error {
	t.vtor = vtor
	t.jumps++
	return nil
}

func mainImage(t *testing.T, version uint32, payload []byte) []byte {
	t.Helper()

	return testonly.Build(t, imgtool.Options{
		Magic:       image.MagicSecure,
		LoadAddress: mainAddr,
		Version:     version,
		CRC:         true,
		Children:    []flash.Address{childAddr},
		Auth:        testonly.Signer(t),
	}, payload)
}

func childImage(t *testing.T) []byte {
	t.Helper()

	return testonly.Build(t, imgtool.Options{
		Magic: image.MagicNonSecure,
		CRC:   true,
		Auth:  testonly.Signer(t),
	}, testonly.Payload(1000))
}

func newSequencer(t *testing.T, b *testonly.Board, ks keystore.KeyStore) (*Sequencer, *otaPointer, *trampoline) {
	t.Helper()

	p := &otaPointer{}
	tr := &trampoline{}

	return &Sequencer{
		Internal: b.MRAM.Device(),
		External: []ExternalDevice{
			{Device: b.PSRAM.Device(), Required: true},
			{Device: b.SRAM.Device()},
		},
		Crypto:     testonly.Primitives(t),
		Keys:       ks,
		OTA:        p,
		OTAConfig:  ota.Config{SecureBoot: true},
		MainAddr:   mainAddr,
		RAMBase:    testonly.SRAMBase,
		RAMEnd:     testonly.SRAMBase + testonly.SRAMSize,
		Trampoline: tr,
		Version:    "1.2.3",
		Revision:   "abcdef",
		Build:      "test",
	}, p, tr
}

func TestRun(t *testing.T) {
	b := testonly.NewBoard(t)
	sec := keystore.Security{AuthEnforced: true, EncEnforced: true}

	testonly.Load(t, b.MRAM, childAddr, childImage(t))
	testonly.Load(t, b.MRAM, mainAddr, mainImage(t, 1, testonly.MainPayload(mainAddr, 4000)))

	// encrypted update of the main image
	update := testonly.MainPayload(mainAddr, 6000)
	testonly.Load(t, b.PSRAM, otaAddr, testonly.Build(t, imgtool.Options{
		Magic:       image.MagicSecure,
		LoadAddress: mainAddr,
		Version:     2,
		CRC:         true,
		Children:    []flash.Address{childAddr},
		Auth:        testonly.Signer(t),
		Enc:         testonly.Encryption(),
	}, update))
	testonly.Load(t, b.SRAM, descAddr, imgtool.Descriptor(imgtool.Pending(otaAddr)))

	ks := testonly.Fuses(t, sec)
	s, p, tr := newSequencer(t, b, ks)
	p.list, p.pending = descAddr, true

	var progress []uint32
	s.Progress = func(done, total uint32) {
		progress = append(progress, done)
	}

	status, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if p.cleared != 1 {
		t.Fatalf("OTA pointer cleared %d times, want 1", p.cleared)
	}

	if len(status.OTA) != 1 || !status.OTA[0].OK {
		t.Fatalf("Got OTA results %v, want a single success", status.OTA)
	}

	if len(progress) == 0 {
		t.Fatal("Got no installation progress")
	}

	got, err := b.MRAM.Dump(mainAddr+image.MainHeaderSize, uint32(len(update)))
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !bytes.Equal(got, update) {
		t.Fatal("Main image was not updated")
	}

	if tr.jumps != 1 || tr.vtor != mainAddr+image.MainHeaderSize {
		t.Fatalf("Got %d jumps to %v, want 1 to %v", tr.jumps, tr.vtor, mainAddr+image.MainHeaderSize)
	}

	if status.VectorTable != uint32(tr.vtor) {
		t.Fatalf("Got status vector table 0x%x, want 0x%x", status.VectorTable, tr.vtor)
	}

	for _, r := range []struct {
		addr flash.Address
		size uint32
	}{
		{mainAddr, image.MainHeaderSize + 6000},
		{childAddr, image.HeaderSize + 1000},
	} {
		if !b.MRAM.WriteProtected(r.addr, r.size) || !b.MRAM.CopyProtected(r.addr, r.size) {
			t.Errorf("Image %v+0x%x not protected", r.addr, r.size)
		}
	}

	if !ks.Locked() || !status.KeysLocked {
		t.Fatal("Keys not locked at exit")
	}

	if status.Version == nil || status.Version.String() != "1.2.3" {
		t.Fatalf("Got version %v, want 1.2.3", status.Version)
	}

	if diff := cmp.Diff(status.Devices, []string{
		b.MRAM.Device().String(),
		b.PSRAM.Device().String(),
		b.SRAM.Device().String(),
	}); diff != "" {
		t.Fatalf("Got devices diff: %s", diff)
	}

	if report := status.Print(); !strings.Contains(report, "Secure Boot ............: true") {
		t.Fatalf("Got unexpected report:\n%s", report)
	}
}

func TestRunHalt(t *testing.T) {
	for _, test := range []struct {
		name string
		load func(t *testing.T, b *testonly.Board)
	}{
		{
			name: "no main image",
			load: func(t *testing.T, b *testonly.Board) {},
		}, {
			name: "stack pointer outside SRAM",
			load: func(t *testing.T, b *testonly.Board) {
				payload := testonly.MainPayload(mainAddr, 4000)
				copy(payload, (&image.VectorTable{StackPointer: 0x1000, Reset: uint32(mainAddr) + 0x301}).Bytes())
				testonly.Load(t, b.MRAM, childAddr, childImage(t))
				testonly.Load(t, b.MRAM, mainAddr, mainImage(t, 1, payload))
			},
		}, {
			name: "invalid child",
			load: func(t *testing.T, b *testonly.Board) {
				child := childImage(t)
				child[len(child)-1] ^= 0x01
				testonly.Load(t, b.MRAM, childAddr, child)
				testonly.Load(t, b.MRAM, mainAddr, mainImage(t, 1, testonly.MainPayload(mainAddr, 4000)))
			},
		}, {
			name: "failed OTA over main image",
			load: func(t *testing.T, b *testonly.Board) {
				testonly.Load(t, b.MRAM, childAddr, childImage(t))
				testonly.Load(t, b.MRAM, mainAddr, mainImage(t, 1, testonly.MainPayload(mainAddr, 4000)))

				// power loss after the first block leaves the
				// destination partially written
				b.MRAM.Fault = func(op string, addr flash.Address, n uint32) error {
					if op == "write" && addr > mainAddr {
						return errors.New("power loss")
					}
					return nil
				}

				testonly.Load(t, b.PSRAM, otaAddr, mainImage(t, 2, testonly.MainPayload(mainAddr, 9000)))
				testonly.Load(t, b.SRAM, descAddr, imgtool.Descriptor(imgtool.Pending(otaAddr)))
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := testonly.NewBoard(t)
			test.load(t, b)

			ks := testonly.Fuses(t, keystore.Security{AuthEnforced: true})
			s, p, tr := newSequencer(t, b, ks)
			p.list, p.pending = descAddr, true

			status, err := s.Run()
			if !errors.Is(err, ErrHalt) {
				t.Fatalf("Got %v, want %v", err, ErrHalt)
			}

			if tr.jumps != 0 {
				t.Fatal("Jumped to an invalid image")
			}

			if status.VectorTable != 0 || len(status.Protected) != 0 {
				t.Fatalf("Got vector table 0x%x and protected regions %v on failure", status.VectorTable, status.Protected)
			}

			if p.cleared != 1 {
				t.Fatalf("OTA pointer cleared %d times, want 1", p.cleared)
			}

			if ks.Locked() {
				t.Fatal("Keys locked on failure")
			}
		})
	}
}

func TestRunDevices(t *testing.T) {
	injected := errors.New("no response")

	for _, test := range []struct {
		name        string
		required    bool
		wantErr     error
		wantDevices int
	}{
		{
			name:     "required",
			required: true,
			wantErr:  ErrDevice,
		}, {
			name:        "optional",
			wantDevices: 3,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := testonly.NewBoard(t)
			testonly.Load(t, b.MRAM, childAddr, childImage(t))
			testonly.Load(t, b.MRAM, mainAddr, mainImage(t, 1, testonly.MainPayload(mainAddr, 4000)))

			extra := testonly.NewSim(t, flash.SimConfig{Name: "nor", Base: 0x7000_0000, Size: 0x10000, PageSize: 0x100, Caps: flash.AllCapabilities})

			s, _, tr := newSequencer(t, b, testonly.Fuses(t, keystore.Security{}))
			s.External = append(s.External,
				ExternalDevice{
					Device:   extra.Device(),
					Init:     func() error { return injected },
					Required: test.required,
				},
			)

			status, err := s.Run()
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}

			if test.wantErr != nil {
				if tr.jumps != 0 {
					t.Fatal("Jumped despite failure")
				}
				return
			}

			if got := len(status.Devices); got != test.wantDevices {
				t.Fatalf("Got devices %v, want %d", status.Devices, test.wantDevices)
			}
		})
	}
}

func TestRunProtection(t *testing.T) {
	injected := errors.New("locked register")

	for _, test := range []struct {
		name      string
		caps      flash.Capability
		fail      bool
		wantErr   error
		wantJumps int
	}{
		{
			name:      "no protection capabilities",
			caps:      flash.AllCapabilities &^ (flash.CapWriteProtect | flash.CapCopyProtect),
			wantJumps: 1,
		}, {
			name:    "protection failure",
			caps:    flash.AllCapabilities,
			fail:    true,
			wantErr: ErrHalt,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := testonly.NewBoard(t)

			mram := testonly.NewSim(t, flash.SimConfig{
				Name:     "mram",
				Base:     testonly.MRAMBase,
				Size:     testonly.MRAMSize,
				PageSize: testonly.MRAMPageSize,
				XIP:      true,
				Internal: true,
				Caps:     test.caps,
			})
			testonly.Load(t, mram, childAddr, childImage(t))
			testonly.Load(t, mram, mainAddr, mainImage(t, 1, testonly.MainPayload(mainAddr, 4000)))

			dev := mram.Device()
			if test.fail {
				dev.WriteProtectFn = func(flash.Address, uint32) error { return injected }
			}

			s, _, tr := newSequencer(t, b, testonly.Fuses(t, keystore.Security{}))
			s.Internal = dev

			_, err := s.Run()
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}

			if tr.jumps != test.wantJumps {
				t.Fatalf("Got %d jumps, want %d", tr.jumps, test.wantJumps)
			}
		})
	}
}

func TestRunDumpKeys(t *testing.T) {
	for _, test := range []struct {
		name       string
		openOnExit bool
		wantDump   bool
	}{
		{name: "open on exit", openOnExit: true, wantDump: true},
		{name: "closed", openOnExit: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := testonly.NewBoard(t)
			testonly.Load(t, b.MRAM, childAddr, childImage(t))
			testonly.Load(t, b.MRAM, mainAddr, mainImage(t, 1, testonly.MainPayload(mainAddr, 4000)))

			ks := testonly.Fuses(t, keystore.Security{OpenOnExit: test.openOnExit})

			var out bytes.Buffer

			s, _, _ := newSequencer(t, b, ks)
			s.DumpKeys = true
			s.KeyOutput = &out

			if _, err := s.Run(); err != nil {
				t.Fatalf("Run: %v", err)
			}

			kek := fmt.Sprintf("%x", testonly.KEK)
			if got := strings.Contains(out.String(), kek); got != test.wantDump {
				t.Fatalf("Got key dump %t, want %t:\n%s", got, test.wantDump, out.String())
			}

			// keys stay readable after hand-off only when open on exit
			if ks.Locked() == test.openOnExit {
				t.Fatalf("Got locked %t with open on exit %t", ks.Locked(), test.openOnExit)
			}
		})
	}
}
