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
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/api"
	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/keystore"
	"github.com/transparency-dev/armored-witness-sbl/validator"
)

// Config represents the build time choices of the OTA processing.
type Config struct {
	// SecureBoot selects which image classes are installable, secure and
	// OEM chain images with secure boot, non-secure images otherwise.
	SecureBoot bool

	// CustomHandler processes customer proprietary images, entries of this
	// class fail when nil.
	CustomHandler func(addr flash.Address, dev *flash.Device) error

	// Rollback, when set, is invoked with the headers of the installed and
	// candidate images when no-rollback is enforced and both share the same
	// magic number, a non-nil error rejects the candidate.
	Rollback func(cur *image.Header, cand *image.Header) error
}

// Orchestrator processes OTA descriptor lists.
type Orchestrator struct {
	Registry  *flash.Registry
	Validator *validator.Validator
	Installer *Installer

	Config Config
}

// candidate represents a validated OTA entry ready for installation.
type candidate struct {
	hdr *image.Header
	src *flash.Device
	// addr and size of the installed data
	addr flash.Address
	size uint32
	di   validator.DecryptInfo
}

// Process walks the descriptor list at addr, installing every valid pending
// image and recording the outcome of each entry in its descriptor word.
//
// Per-entry failures are recorded and never abort the list, an error is
// only returned when the list itself is malformed. The returned results
// cover every entry processed, including nested lists.
func (o *Orchestrator) Process(list flash.Address) ([]api.OTAResult, error) {
	var results []api.OTAResult
	err := o.process(list, 0, &results)
	return results, err
}

func (o *Orchestrator) process(list flash.Address, depth int, results *[]api.OTAResult) error {
	if depth > MaxDepth {
		return ErrRecursion
	}

	for i := 0; ; i++ {
		word, err := o.readSlot(list, i)
		if err != nil {
			return err
		}

		if word == image.Sentinel {
			return nil
		}

		if Pending(word) {
			addr := BlobPointer(word)
			r := api.OTAResult{Depth: depth, Slot: i, Addr: uint32(addr)}

			err := o.processEntry(addr, depth, &r, results)

			if r.OK = err == nil; !r.OK {
				r.Err = errString(err)
				klog.Warningf("OTA @ %v rejected, %v", addr, err)
			}

			if err := o.feedback(slotAddr(list, i), Feedback(word, r.OK)); err != nil {
				klog.Errorf("Could not record OTA @ %v feedback, %v", addr, err)
			}

			*results = append(*results, r)
		}

		if i == MaxOTA {
			klog.Errorf("Exceeded maximum OTAs")
			return ErrMaxOTA
		}
	}
}

func (o *Orchestrator) readSlot(list flash.Address, i int) (uint32, error) {
	addr := slotAddr(list, i)

	dev, ok := o.Registry.Find(addr, 4)
	if !ok {
		return 0, fmt.Errorf("descriptor slot %v: %w", addr, ErrDescriptor)
	}

	word, err := dev.ReadWord(addr)
	if err != nil {
		return 0, fmt.Errorf("descriptor slot %v: %v: %w", addr, err, ErrDescriptor)
	}

	return word, nil
}

// feedback stores the descriptor word at addr, rewriting the page holding it.
func (o *Orchestrator) feedback(addr flash.Address, word uint32) (err error) {
	dev, ok := o.Registry.Find(addr, 4)
	if !ok {
		return fmt.Errorf("descriptor slot %v: %w", addr, ErrDescriptor)
	}

	ps := dev.PageSize
	if ps == 0 {
		ps = 4
	}

	start := addr - flash.Address((uint32(addr-dev.Base))%ps)
	page := make([]byte, ps)

	if err = dev.Read(page, start); err != nil {
		return
	}

	binary.LittleEndian.PutUint32(page[addr-start:], word)

	if err = dev.Write(page, start); errors.Is(err, flash.ErrUnsupported) {
		klog.Warningf("Cannot record OTA feedback on %s, %v", dev.Name, err)
		return nil
	}

	return
}

// processEntry validates and installs the image at addr, recording what it
// can in r.
func (o *Orchestrator) processEntry(addr flash.Address, depth int, r *api.OTAResult, results *[]api.OTAResult) error {
	// only the header is known to exist at this stage
	src, ok := o.Registry.Find(addr, image.HeaderSize)
	if !ok {
		return fmt.Errorf("header outside of registered flash: %w", validator.ErrBounds)
	}

	buf := make([]byte, image.HeaderSize)
	if err := src.Read(buf, addr); err != nil {
		return fmt.Errorf("%v: %w", err, validator.ErrDevice)
	}

	hdr, err := image.Parse(buf)
	if err != nil {
		return err
	}

	r.Class = hdr.Class().String()

	if hdr.BlobSize < image.HeaderSize {
		return fmt.Errorf("blob size 0x%x: %w", hdr.BlobSize, validator.ErrBounds)
	}

	if src, ok = o.Registry.Find(addr, hdr.BlobSize); !ok {
		klog.Warningf("Found bad OTA pointing to: image address=%v, size 0x%x", addr, hdr.BlobSize)
		return fmt.Errorf("image outside of registered flash: %w", validator.ErrBounds)
	}

	c, err := o.dispatch(hdr, addr, src, depth, results)
	if err != nil {
		return err
	}

	if c == nil || c.size == 0 {
		// nothing to install
		return nil
	}

	dst := c.hdr.LoadAddress
	klog.Infof("To be installed at %v", dst)

	r.Dest = uint32(dst)

	dstDev, ok := o.Registry.Find(dst, c.size)
	if !ok || !dstDev.XIP {
		return fmt.Errorf("destination %v+0x%x not executable flash: %w", dst, c.size, validator.ErrBounds)
	}

	if err = o.checkRollback(c.hdr, dst, dstDev); err != nil {
		return err
	}

	if err = o.Installer.Install(c.src, dstDev, c.addr, dst, c.size, c.di); err != nil {
		klog.Errorf("Failed to install OTA @ %v, %v", dst, err)
		return err
	}

	klog.Infof("Successfully installed OTA @ %v", dst)
	r.Size = c.size

	return nil
}

// dispatch validates an OTA entry according to its class, it returns the
// data to install if any.
func (o *Orchestrator) dispatch(hdr *image.Header, addr flash.Address, src *flash.Device, depth int, results *[]api.OTAResult) (*candidate, error) {
	class := hdr.Class()

	switch {
	case class == image.CustomerProprietary:
		if o.Config.CustomHandler == nil {
			return nil, fmt.Errorf("no handler for %v image", class)
		}
		return nil, o.Config.CustomHandler(addr, src)
	case class == image.CustomerOTADescriptor:
		klog.Infof("Cust Specific OTA Available - OTA Desc @%v", addr)
		return nil, o.process(nestedList(addr), depth+1, results)
	case class == image.NonSecure && !o.Config.SecureBoot,
		class == image.OEMChain && o.Config.SecureBoot,
		class == image.Secure && o.Config.SecureBoot:
	default:
		return nil, fmt.Errorf("unexpected magic 0x%02x (%v)", hdr.Magic, class)
	}

	if class == image.NonSecure && hdr.CCIncluded {
		return nil, fmt.Errorf("%v image @ %v includes a key certificate: %w", class, addr, ErrInconsistent)
	}

	off := class.InstallOffset()
	size := hdr.BlobSize - off

	klog.Infof("Found OTA @ %v magic 0x%x - size 0x%x", addr, hdr.Magic, size)

	di, m, err := o.Validator.ValidateOta(addr, src)
	if err != nil {
		return nil, err
	}

	if class == image.Secure {
		if _, err = o.Validator.ValidateChildren(m.Children[:]); err != nil {
			return nil, err
		}
	}

	return &candidate{
		hdr:  &m.Header,
		src:  src,
		addr: addr + flash.Address(off),
		size: size,
		di:   di,
	}, nil
}

// checkRollback enforces the no-rollback policy against the image currently
// installed at dst.
func (o *Orchestrator) checkRollback(cand *image.Header, dst flash.Address, dev *flash.Device) error {
	if !o.Config.SecureBoot || !keystore.PolicyOf(o.Validator.Keys).NoRollback {
		return nil
	}

	buf := make([]byte, image.HeaderSize)
	if err := dev.Read(buf, dst); err != nil {
		return fmt.Errorf("could not read installed image, %v: %w", err, validator.ErrDevice)
	}

	cur, err := image.Parse(buf)
	if err != nil || cur.Magic != cand.Magic {
		// nothing comparable installed
		return nil
	}

	if o.Config.Rollback == nil {
		klog.Warningf("No rollback check available for %v image @ %v (installed version %d, candidate %d)", cand.Class(), dst, cur.Version, cand.Version)
		return nil
	}

	if err = o.Config.Rollback(cur, cand); err != nil {
		klog.Warningf("Version rollback check failed, %v", err)
		return err
	}

	return nil
}
