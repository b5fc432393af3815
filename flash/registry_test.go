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

package flash

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := NewRegistry(&Device{Name: "mram", Base: 0x0040_0000, Size: 0x0020_0000, Internal: true, XIP: true})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.Register(&Device{Name: "psram", Base: 0x1400_0000, Size: 0x0100_0000, XIP: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	return r
}

func TestRegister(t *testing.T) {
	r := testRegistry(t)

	if err := r.Register(nil); !errors.Is(err, ErrNilDevice) {
		t.Fatalf("Register(nil) = %v, want %v", err, ErrNilDevice)
	}

	for i := len(r.Devices()); i < MaxDevices; i++ {
		if err := r.Register(&Device{Name: "extra"}); err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}

	if err := r.Register(&Device{Name: "one too many"}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Register over capacity = %v, want %v", err, ErrCapacity)
	}

	if got, want := r.Devices()[0].Name, "mram"; got != want {
		t.Fatalf("Got first device %q, want %q", got, want)
	}
}

func TestRegisterOverlap(t *testing.T) {
	for _, test := range []struct {
		name    string
		dev     *Device
		wantErr error
	}{
		{
			name: "adjacent below",
			dev:  &Device{Name: "a", Base: 0x0030_0000, Size: 0x0010_0000},
		}, {
			name: "adjacent above",
			dev:  &Device{Name: "a", Base: 0x0060_0000, Size: 0x1000},
		}, {
			name:    "straddling the start",
			dev:     &Device{Name: "a", Base: 0x003f_f000, Size: 0x2000},
			wantErr: ErrOverlap,
		}, {
			name:    "straddling the end",
			dev:     &Device{Name: "a", Base: 0x1400_1800, Size: 0x0100_0000},
			wantErr: ErrOverlap,
		}, {
			name:    "inside",
			dev:     &Device{Name: "a", Base: 0x0041_0000, Size: 0x100},
			wantErr: ErrOverlap,
		}, {
			name:    "covering",
			dev:     &Device{Name: "a", Base: 0x1000_0000, Size: 0x1000_0000},
			wantErr: ErrOverlap,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := testRegistry(t)

			err := r.Register(test.dev)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Register(%v) = %v, want %v", test.dev, err, test.wantErr)
			}

			want := 3
			if err != nil {
				want = 2
			}
			if got := len(r.Devices()); got != want {
				t.Fatalf("Got %d devices, want %d", got, want)
			}
		})
	}
}

func TestFind(t *testing.T) {
	r := testRegistry(t)

	for _, test := range []struct {
		name     string
		addr     Address
		size     uint32
		wantName string
		wantOK   bool
	}{
		{
			name:     "start of internal",
			addr:     0x0040_0000,
			size:     0x100,
			wantName: "mram",
			wantOK:   true,
		}, {
			name:     "external",
			addr:     0x1400_1000,
			size:     0x1000,
			wantName: "psram",
			wantOK:   true,
		}, {
			name:     "one byte short of the end",
			addr:     0x0040_0000,
			size:     0x0020_0000 - 1,
			wantName: "mram",
			wantOK:   true,
		}, {
			name: "touching the end",
			addr: 0x0040_0000,
			size: 0x0020_0000,
		}, {
			name: "spanning a gap",
			addr: 0x005f_ff00,
			size: 0x200,
		}, {
			name: "below every device",
			addr: 0x0000_1000,
			size: 0x10,
		}, {
			name: "wrapping",
			addr: 0xffff_fff0,
			size: 0x20,
		}, {
			name:     "zero size",
			addr:     0x1400_0000,
			wantName: "psram",
			wantOK:   true,
		}, {
			name: "zero size at the end",
			addr: 0x1500_0000,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, ok := r.Find(test.addr, test.size)
			if ok != test.wantOK {
				t.Fatalf("Find(%v, 0x%x) = %v, want %t", test.addr, test.size, ok, test.wantOK)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(d.Name, test.wantName); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestFindContainment(t *testing.T) {
	r := testRegistry(t)

	rapid.Check(t, func(t *rapid.T) {
		addr := rapid.Uint32().Draw(t, "addr")
		size := rapid.Uint32Range(0, 0x0200_0000).Draw(t, "size")

		d, ok := r.Find(Address(addr), size)

		end := uint64(addr) + uint64(size)
		var want *Device
		for _, dev := range r.Devices() {
			if uint64(addr) >= uint64(dev.Base) && end < uint64(dev.Base)+uint64(dev.Size) {
				want = dev
			}
		}

		if ok != (want != nil) {
			t.Fatalf("Find(0x%x, 0x%x) = %t, want %t", addr, size, ok, want != nil)
		}
		if ok && d != want {
			t.Fatalf("Find(0x%x, 0x%x) = %v, want %v", addr, size, d, want)
		}
	})
}
