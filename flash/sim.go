// Copyright 2023 The Armored Witness OS authors. All Rights Reserved.
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
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Capability selects an optional device operation.
type Capability uint32

const (
	CapErase Capability = 1 << iota
	CapRead
	CapWrite
	CapXIP
	CapWriteProtect
	CapCopyProtect

	// AllCapabilities enables every operation.
	AllCapabilities = CapErase | CapRead | CapWrite | CapXIP | CapWriteProtect | CapCopyProtect
)

// erasedByte is the content of unwritten storage.
const erasedByte = 0xff

// SimConfig describes a simulated device.
type SimConfig struct {
	Name     string
	Base     Address
	Size     uint32
	PageSize uint32
	XIP      bool
	Internal bool
	Caps     Capability
}

type span struct {
	start, end uint64
}

func (s span) overlaps(start, end uint64) bool {
	return start < s.end && s.start < end
}

// Sim is an in-memory implementation of a memory mapped storage device.
//
// Rather than allocating the whole device it uses a map to associate pages
// with their index, pages which have never been written read as erased.
type Sim struct {
	sync.Mutex

	cfg SimConfig
	dev *Device
	mem map[uint32][]byte
	xip bool
	wp  []span
	cp  []span

	// Fault, when set, is invoked before every erase, read and write and
	// can be used to inject device failures.
	Fault func(op string, addr Address, n uint32) error
}

// NewSim creates a new simulated device.
func NewSim(cfg SimConfig) (*Sim, error) {
	if cfg.PageSize == 0 || cfg.Size%cfg.PageSize != 0 {
		return nil, fmt.Errorf("%s: size 0x%x is not a multiple of page size 0x%x", cfg.Name, cfg.Size, cfg.PageSize)
	}

	if uint64(cfg.Base)+uint64(cfg.Size) > 1<<32 {
		return nil, fmt.Errorf("%s: device exceeds 32-bit address space", cfg.Name)
	}

	s := &Sim{
		cfg: cfg,
		mem: make(map[uint32][]byte),
	}

	d := &Device{
		Name:     cfg.Name,
		Base:     cfg.Base,
		Size:     cfg.Size,
		PageSize: cfg.PageSize,
		XIP:      cfg.XIP,
		Internal: cfg.Internal,
	}

	if cfg.Caps&CapErase != 0 {
		d.EraseFn = s.erase
	}
	if cfg.Caps&CapRead != 0 {
		d.ReadFn = s.read
	}
	if cfg.Caps&CapWrite != 0 {
		d.WriteFn = s.write
	}
	if cfg.Caps&CapXIP != 0 {
		d.EnableXIPFn = func() error { return s.setXIP(true) }
		d.DisableXIPFn = func() error { return s.setXIP(false) }
	}
	if cfg.Caps&CapWriteProtect != 0 {
		d.WriteProtectFn = func(addr Address, n uint32) error { return s.protect(&s.wp, addr, n) }
	}
	if cfg.Caps&CapCopyProtect != 0 {
		d.CopyProtectFn = func(addr Address, n uint32) error { return s.protect(&s.cp, addr, n) }
	}

	s.dev = d

	return s, nil
}

// Device returns the device view of the simulated storage.
func (s *Sim) Device() *Device {
	return s.dev
}

// XIPEnabled reports whether execute in place mode is active.
func (s *Sim) XIPEnabled() bool {
	s.Lock()
	defer s.Unlock()
	return s.xip
}

// WriteProtected reports whether the whole range is write protected.
func (s *Sim) WriteProtected(addr Address, n uint32) bool {
	s.Lock()
	defer s.Unlock()
	return covered(s.wp, uint64(addr), uint64(addr)+uint64(n))
}

// CopyProtected reports whether the whole range is copy protected.
func (s *Sim) CopyProtected(addr Address, n uint32) bool {
	s.Lock()
	defer s.Unlock()
	return covered(s.cp, uint64(addr), uint64(addr)+uint64(n))
}

// Load stores data at addr ignoring alignment and protections, it models
// factory programming or an update producer writing to the device.
func (s *Sim) Load(addr Address, data []byte) error {
	s.Lock()
	defer s.Unlock()

	off, err := s.offset(addr, uint32(len(data)))
	if err != nil {
		return err
	}

	s.store(off, data)

	return nil
}

// Dump returns n bytes at addr ignoring protections.
func (s *Sim) Dump(addr Address, n uint32) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	off, err := s.offset(addr, n)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	s.load(buf, off)

	return buf, nil
}

func covered(spans []span, start, end uint64) bool {
	for _, s := range spans {
		if start >= s.start && end <= s.end {
			return true
		}
	}
	return false
}

func overlapping(spans []span, start, end uint64) bool {
	for _, s := range spans {
		if s.overlaps(start, end) {
			return true
		}
	}
	return false
}

// offset returns the device offset of a request, validating its range.
func (s *Sim) offset(addr Address, n uint32) (uint32, error) {
	base := uint64(s.cfg.Base)
	end := uint64(addr) + uint64(n)

	if uint64(addr) < base || end > base+uint64(s.cfg.Size) {
		return 0, fmt.Errorf("%s: %v+0x%x: %w", s.cfg.Name, addr, n, ErrRange)
	}

	return uint32(uint64(addr) - base), nil
}

func (s *Sim) fault(op string, addr Address, n uint32) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(op, addr, n)
}

func (s *Sim) page(i uint32) []byte {
	p, ok := s.mem[i]

	if !ok {
		p = make([]byte, s.cfg.PageSize)
		for j := range p {
			p[j] = erasedByte
		}
		s.mem[i] = p
	}

	return p
}

func (s *Sim) store(off uint32, data []byte) {
	ps := s.cfg.PageSize

	for len(data) > 0 {
		p := s.page(off / ps)
		n := copy(p[off%ps:], data)
		data = data[n:]
		off += uint32(n)
	}
}

func (s *Sim) load(buf []byte, off uint32) {
	ps := s.cfg.PageSize

	for len(buf) > 0 {
		start := off % ps
		n := ps - start
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}

		if p, ok := s.mem[off/ps]; ok {
			copy(buf[:n], p[start:])
		} else {
			for i := range buf[:n] {
				buf[i] = erasedByte
			}
		}

		buf = buf[n:]
		off += n
	}
}

// erase resets [addr, addr+n) to the erased state, addr must be page aligned
// while n can end within a page.
func (s *Sim) erase(addr Address, n uint32) error {
	s.Lock()
	defer s.Unlock()

	if err := s.fault("erase", addr, n); err != nil {
		return err
	}

	off, err := s.offset(addr, n)
	if err != nil {
		return err
	}

	if off%s.cfg.PageSize != 0 {
		return fmt.Errorf("%s: erase at %v: %w", s.cfg.Name, addr, ErrAlignment)
	}

	if overlapping(s.wp, uint64(addr), uint64(addr)+uint64(n)) {
		return fmt.Errorf("%s: erase at %v: %w", s.cfg.Name, addr, ErrProtected)
	}

	ps := s.cfg.PageSize
	end := off + n

	for i := off / ps; i*ps < end; i++ {
		if (i+1)*ps <= end {
			delete(s.mem, i)
			continue
		}

		// trailing partial page
		p := s.page(i)
		for j := range p[:end-i*ps] {
			p[j] = erasedByte
		}
	}

	klog.V(3).Infof("%s: erased %v+0x%x", s.cfg.Name, addr, n)

	return nil
}

func (s *Sim) read(buf []byte, addr Address) error {
	s.Lock()
	defer s.Unlock()

	n := uint32(len(buf))

	if err := s.fault("read", addr, n); err != nil {
		return err
	}

	off, err := s.offset(addr, n)
	if err != nil {
		return err
	}

	if overlapping(s.cp, uint64(addr), uint64(addr)+uint64(n)) {
		return fmt.Errorf("%s: read at %v: %w", s.cfg.Name, addr, ErrProtected)
	}

	s.load(buf, off)

	return nil
}

// write programs buf at a page aligned address, a trailing partial page
// leaves the rest of that page untouched.
func (s *Sim) write(buf []byte, addr Address) error {
	s.Lock()
	defer s.Unlock()

	n := uint32(len(buf))

	if err := s.fault("write", addr, n); err != nil {
		return err
	}

	off, err := s.offset(addr, n)
	if err != nil {
		return err
	}

	if off%s.cfg.PageSize != 0 {
		return fmt.Errorf("%s: write at %v: %w", s.cfg.Name, addr, ErrAlignment)
	}

	if overlapping(s.wp, uint64(addr), uint64(addr)+uint64(n)) {
		return fmt.Errorf("%s: write at %v: %w", s.cfg.Name, addr, ErrProtected)
	}

	s.store(off, buf)

	return nil
}

func (s *Sim) setXIP(on bool) error {
	s.Lock()
	defer s.Unlock()

	s.xip = on

	return nil
}

func (s *Sim) protect(spans *[]span, addr Address, n uint32) error {
	s.Lock()
	defer s.Unlock()

	if _, err := s.offset(addr, n); err != nil {
		return err
	}

	*spans = append(*spans, span{uint64(addr), uint64(addr) + uint64(n)})

	return nil
}
