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

// Package flash implements the storage abstraction used by the secondary
// bootloader: a set of memory mapped devices (internal MRAM, external PSRAM
// and similar) each exposing an optional set of capabilities, and the
// registry resolving address ranges to the device that owns them.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when a device lacks the requested capability.
	ErrUnsupported = errors.New("operation not supported by device")
	// ErrNilDevice is returned when registering a nil device.
	ErrNilDevice = errors.New("nil device")
	// ErrCapacity is returned when the registry is full.
	ErrCapacity = errors.New("flash registry capacity exceeded")
	// ErrOverlap is returned when registering a device whose range
	// intersects an already registered one.
	ErrOverlap = errors.New("overlapping flash device")
	// ErrAlignment is returned for erase or program requests which are not
	// page aligned.
	ErrAlignment = errors.New("unaligned flash operation")
	// ErrProtected is returned when modifying a write protected range.
	ErrProtected = errors.New("range is write protected")
	// ErrRange is returned for requests falling outside of a device.
	ErrRange = errors.New("address out of device range")
)

// Address represents a location in the bootloader memory map. It is only
// ever resolved to storage through a Registry and its Device.
type Address uint32

func (a Address) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

// Device represents a storage region attached to the memory map.
//
// Every capability is optional, a nil function means the device does not
// support it and the matching method returns ErrUnsupported.
type Device struct {
	// Name identifies the device in logs.
	Name string
	// Base is the first address mapped to the device.
	Base Address
	// Size is the number of bytes mapped to the device.
	Size uint32
	// PageSize is the erase and program granularity.
	PageSize uint32
	// XIP indicates whether code can be executed in place.
	XIP bool
	// Internal indicates on-chip storage.
	Internal bool

	EraseFn        func(addr Address, n uint32) error
	ReadFn         func(buf []byte, addr Address) error
	WriteFn        func(buf []byte, addr Address) error
	EnableXIPFn    func() error
	DisableXIPFn   func() error
	WriteProtectFn func(addr Address, n uint32) error
	CopyProtectFn  func(addr Address, n uint32) error
}

func (d *Device) String() string {
	return fmt.Sprintf("%s [%v-0x%08x)", d.Name, d.Base, uint64(d.Base)+uint64(d.Size))
}

// Erase erases n bytes starting at addr.
func (d *Device) Erase(addr Address, n uint32) error {
	if d.EraseFn == nil {
		return fmt.Errorf("%s erase: %w", d.Name, ErrUnsupported)
	}
	return d.EraseFn(addr, n)
}

// Read fills buf with the content starting at addr.
func (d *Device) Read(buf []byte, addr Address) error {
	if d.ReadFn == nil {
		return fmt.Errorf("%s read: %w", d.Name, ErrUnsupported)
	}
	return d.ReadFn(buf, addr)
}

// Write programs buf at addr, both must be page aligned.
func (d *Device) Write(buf []byte, addr Address) error {
	if d.WriteFn == nil {
		return fmt.Errorf("%s write: %w", d.Name, ErrUnsupported)
	}
	return d.WriteFn(buf, addr)
}

// EnableXIP switches the device to execute in place mode.
func (d *Device) EnableXIP() error {
	if d.EnableXIPFn == nil {
		return fmt.Errorf("%s enable XIP: %w", d.Name, ErrUnsupported)
	}
	return d.EnableXIPFn()
}

// DisableXIP leaves execute in place mode.
func (d *Device) DisableXIP() error {
	if d.DisableXIPFn == nil {
		return fmt.Errorf("%s disable XIP: %w", d.Name, ErrUnsupported)
	}
	return d.DisableXIPFn()
}

// WriteProtect prevents further modification of the range until reset.
func (d *Device) WriteProtect(addr Address, n uint32) error {
	if d.WriteProtectFn == nil {
		return fmt.Errorf("%s write protect: %w", d.Name, ErrUnsupported)
	}
	return d.WriteProtectFn(addr, n)
}

// CopyProtect prevents the range from being read back as data until reset.
func (d *Device) CopyProtect(addr Address, n uint32) error {
	if d.CopyProtectFn == nil {
		return fmt.Errorf("%s copy protect: %w", d.Name, ErrUnsupported)
	}
	return d.CopyProtectFn(addr, n)
}

// ReadWord returns the little endian 32-bit word at addr.
func (d *Device) ReadWord(addr Address) (uint32, error) {
	var b [4]byte
	if err := d.Read(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
