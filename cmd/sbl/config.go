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

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/keystore"
)

// Image represents a file programmed on a device before boot.
type Image struct {
	File string `yaml:"file"`
	Addr uint32 `yaml:"addr"`
}

// Device represents a simulated flash device.
type Device struct {
	Name     string            `yaml:"name"`
	Base     uint32            `yaml:"base"`
	Size     datasize.ByteSize `yaml:"size"`
	PageSize datasize.ByteSize `yaml:"page_size"`
	XIP      bool              `yaml:"xip"`
	Internal bool              `yaml:"internal"`
	Required bool              `yaml:"required"`
	// Caps lists the supported operations, all when empty.
	Caps []string `yaml:"caps"`
	// Fail simulates an initialization failure.
	Fail   bool    `yaml:"fail"`
	Images []Image `yaml:"images"`
}

// RAM represents the range valid for the main image stack.
type RAM struct {
	Base uint32            `yaml:"base"`
	Size datasize.ByteSize `yaml:"size"`
}

// Board represents the simulated board and bootloader build options.
type Board struct {
	Devices    []Device          `yaml:"devices"`
	SRAM       RAM               `yaml:"sram"`
	Main       uint32            `yaml:"main"`
	SecureBoot bool              `yaml:"secure_boot"`
	BufferSize datasize.ByteSize `yaml:"buffer_size"`

	// Monotonic rejects updates older than the installed image when the
	// no-rollback fuse is set.
	Monotonic bool `yaml:"monotonic"`

	// OTAPointer is the descriptor list address, no update is pending
	// when zero.
	OTAPointer uint32 `yaml:"ota_pointer"`
	Fuses      string `yaml:"fuses"`
	DumpKeys   bool   `yaml:"dump_keys"`

	// dir is the base directory for relative paths
	dir string
}

var capabilities = map[string]flash.Capability{
	"erase":         flash.CapErase,
	"read":          flash.CapRead,
	"write":         flash.CapWrite,
	"xip":           flash.CapXIP,
	"write_protect": flash.CapWriteProtect,
	"copy_protect":  flash.CapCopyProtect,
}

// LoadBoard parses a board description, relative paths are resolved against
// the directory of path.
func LoadBoard(path string) (*Board, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	b, err := ParseBoard(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	b.dir = filepath.Dir(path)

	return b, nil
}

// ParseBoard parses a board description.
func ParseBoard(buf []byte) (*Board, error) {
	b := &Board{}

	if err := yaml.Unmarshal(buf, b); err != nil {
		return nil, err
	}

	if len(b.Devices) == 0 || !b.Devices[0].Internal {
		return nil, errors.New("first device must be internal flash")
	}

	for i, d := range b.Devices[1:] {
		if d.Internal {
			return nil, fmt.Errorf("device %d: only one internal flash allowed", i+1)
		}
	}

	if b.SRAM.Size == 0 {
		return nil, errors.New("missing SRAM size")
	}

	return b, nil
}

func (b *Board) path(p string) string {
	if filepath.IsAbs(p) || len(b.dir) == 0 {
		return p
	}
	return filepath.Join(b.dir, p)
}

func (d *Device) capabilities() (caps flash.Capability, err error) {
	if len(d.Caps) == 0 {
		return flash.AllCapabilities, nil
	}

	for _, c := range d.Caps {
		bit, ok := capabilities[c]
		if !ok {
			return 0, fmt.Errorf("%s: unknown capability %q", d.Name, c)
		}
		caps |= bit
	}

	return
}

// Sims instantiates the simulated devices and programs their images.
func (b *Board) Sims() (sims []*flash.Sim, err error) {
	for _, d := range b.Devices {
		caps, err := d.capabilities()
		if err != nil {
			return nil, err
		}

		s, err := flash.NewSim(flash.SimConfig{
			Name:     d.Name,
			Base:     flash.Address(d.Base),
			Size:     uint32(d.Size.Bytes()),
			PageSize: uint32(d.PageSize.Bytes()),
			XIP:      d.XIP,
			Internal: d.Internal,
			Caps:     caps,
		})
		if err != nil {
			return nil, err
		}

		for _, img := range d.Images {
			buf, err := os.ReadFile(b.path(img.File))
			if err != nil {
				return nil, err
			}

			if err = s.Load(flash.Address(img.Addr), buf); err != nil {
				return nil, fmt.Errorf("%s: could not load %s, %v", d.Name, img.File, err)
			}
		}

		sims = append(sims, s)
	}

	return
}

// Keys returns the fuse map, an unprovisioned one when none is configured.
func (b *Board) Keys() (*keystore.Fuses, error) {
	if len(b.Fuses) == 0 {
		return keystore.NewFuses(keystore.Security{}), nil
	}

	buf, err := os.ReadFile(b.path(b.Fuses))
	if err != nil {
		return nil, err
	}

	return keystore.LoadFuses(buf)
}
