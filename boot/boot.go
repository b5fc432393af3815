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

// Package boot implements the secondary bootloader sequence: flash
// registration, OTA processing, main image validation, protection of the
// validated images and hand-off.
package boot

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/api"
	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/keystore"
	"github.com/transparency-dev/armored-witness-sbl/ota"
	"github.com/transparency-dev/armored-witness-sbl/secure"
	"github.com/transparency-dev/armored-witness-sbl/validator"
)

var (
	// ErrHalt is returned when the main image cannot be trusted, the caller
	// must stop rather than execute it.
	ErrHalt = errors.New("boot halted")
	// ErrDevice is returned when a required flash device fails to
	// initialize.
	ErrDevice = errors.New("flash device initialization failure")
)

// ExternalDevice represents a flash device attached after the internal one.
type ExternalDevice struct {
	Device *flash.Device
	// Init, when set, is invoked before registration.
	Init func() error
	// Required devices abort the boot when they fail to initialize.
	Required bool
}

// OTAPointer represents the register through which an update producer
// signals a pending descriptor list.
type OTAPointer interface {
	// Pending returns the descriptor list address, if any.
	Pending() (flash.Address, bool)
	// Clear marks the pending list as processed.
	Clear() error
}

// Trampoline transfers execution to the validated main image.
type Trampoline interface {
	Jump(vtor flash.Address) error
}

// Sequencer represents the bootloader configuration.
type Sequencer struct {
	Internal *flash.Device
	External []ExternalDevice

	Crypto secure.Primitives
	Keys   keystore.KeyStore

	OTA       OTAPointer
	OTAConfig ota.Config
	// BufferSize is the installer bounce buffer size, it defaults to
	// ota.DefaultBufferSize.
	BufferSize uint32
	// Progress, when set, reports installation progress.
	Progress func(done, total uint32)

	// MainAddr is the main image location.
	MainAddr flash.Address
	// RAMBase and RAMEnd bound the main image initial stack pointer.
	RAMBase flash.Address
	RAMEnd  flash.Address

	// DumpKeys enables printing of key material to KeyOutput (default
	// standard output), only honored when the keystore allows it.
	DumpKeys  bool
	KeyOutput io.Writer

	Trampoline Trampoline

	Version  string
	Revision string
	Build    string
}

// Run executes the boot sequence, it only returns on failure or once the
// trampoline returns.
//
// The returned status reflects every step executed, including when an
// error is returned.
func (s *Sequencer) Run() (status *api.Status, err error) {
	status = &api.Status{
		Revision:   s.Revision,
		Build:      s.Build,
		SecureBoot: s.OTAConfig.SecureBoot,
	}

	if v, err := semver.NewVersion(s.Version); err != nil {
		klog.Warningf("Invalid bootloader version %q, %v", s.Version, err)
	} else {
		status.Version = v
	}

	klog.Infof("Secondary bootloader %s (%s %s)", s.Version, s.Revision, s.Build)

	r, err := s.registry()
	if err != nil {
		return
	}

	for _, d := range r.Devices() {
		status.Devices = append(status.Devices, d.String())
	}

	if err = s.Crypto.Init(); err != nil {
		return status, fmt.Errorf("could not initialize crypto, %w", err)
	}

	policy := keystore.PolicyOf(s.Keys)
	status.AuthEnforced = policy.AuthEnforced
	status.EncEnforced = policy.EncEnforced
	status.NoRollback = policy.NoRollback

	if s.DumpKeys {
		s.dumpKeys()
	}

	v := &validator.Validator{
		Registry: r,
		Keys:     s.Keys,
		Crypto:   s.Crypto,
		RAMBase:  s.RAMBase,
		RAMEnd:   s.RAMEnd,
	}

	if err = s.processOTA(r, v, status); err != nil {
		return
	}

	vtor, regions, err := v.ValidateMain(s.MainAddr)
	if err != nil {
		klog.Errorf("Main image validation failed, %v", err)
		return status, fmt.Errorf("%w: %v", ErrHalt, err)
	}

	status.Main = regions[0].String()
	for _, c := range regions[1:] {
		status.Children = append(status.Children, c.String())
	}
	status.VectorTable = uint32(vtor)

	for _, reg := range regions {
		if err = protect(reg); err != nil {
			return status, fmt.Errorf("%w: %v", ErrHalt, err)
		}
		status.Protected = append(status.Protected, reg.String())
	}

	if l, ok := s.Keys.(keystore.Locker); ok {
		if err = l.Lock(); err != nil {
			return status, fmt.Errorf("%w: could not lock keys, %v", ErrHalt, err)
		}
		status.KeysLocked = isLocked(s.Keys)
	}

	klog.Infof("Jumping to main image @ %v (vector table %v)", s.MainAddr, vtor)

	if err = s.Trampoline.Jump(vtor); err != nil {
		return status, fmt.Errorf("%w: %v", ErrHalt, err)
	}

	return
}

// registry registers the internal device first, followed by every external
// device which initializes successfully.
func (s *Sequencer) registry() (*flash.Registry, error) {
	r, err := flash.NewRegistry(s.Internal)
	if err != nil {
		return nil, fmt.Errorf("could not register internal flash, %w", err)
	}

	for _, ext := range s.External {
		if ext.Device == nil {
			return nil, fmt.Errorf("external flash: %w", flash.ErrNilDevice)
		}

		if ext.Init != nil {
			if err = ext.Init(); err != nil {
				if ext.Required {
					return nil, fmt.Errorf("%s: %v: %w", ext.Device.Name, err, ErrDevice)
				}

				klog.Warningf("Skipping %s, %v", ext.Device.Name, err)
				continue
			}
		}

		if err = r.Register(ext.Device); err != nil {
			if ext.Required {
				return nil, fmt.Errorf("%s: %w", ext.Device.Name, err)
			}

			klog.Warningf("Skipping %s, %v", ext.Device.Name, err)
		}
	}

	return r, nil
}

func (s *Sequencer) dumpKeys() {
	d, ok := s.Keys.(keystore.Dumper)
	if !ok {
		klog.Warningf("Key dump not supported")
		return
	}

	w := s.KeyOutput
	if w == nil {
		w = os.Stdout
	}

	if err := d.Dump(w); err != nil {
		klog.Warningf("Key dump not available, %v", err)
	}
}

// processOTA handles a pending descriptor list, the pending indication is
// always cleared to prevent processing the same list on every boot.
func (s *Sequencer) processOTA(r *flash.Registry, v *validator.Validator, status *api.Status) (err error) {
	if s.OTA == nil {
		return
	}

	list, pending := s.OTA.Pending()
	if !pending {
		return
	}

	status.OTAPending = true
	klog.Infof("OTA descriptor list @ %v", list)

	size := s.BufferSize
	if size == 0 {
		size = ota.DefaultBufferSize
	}

	in, err := ota.NewInstaller(s.Crypto, size)

	if err == nil {
		in.Progress = s.Progress

		o := &ota.Orchestrator{
			Registry:  r,
			Validator: v,
			Installer: in,
			Config:    s.OTAConfig,
		}

		status.OTA, err = o.Process(list)
	}

	if err != nil {
		klog.Errorf("OTA processing failed, %v", err)
		status.OTAError = err.Error()
	}

	if err = s.OTA.Clear(); err != nil {
		return fmt.Errorf("could not clear OTA pointer, %w", err)
	}

	return nil
}

// protect applies write and copy protection to a validated image.
//
// A device lacking a protection capability only logs a warning and the boot
// continues, while an error reported by the capability halts the boot.
func protect(r validator.Region) error {
	for _, p := range []struct {
		name string
		fn   func(flash.Address, uint32) error
	}{
		{"write", r.Device.WriteProtect},
		{"copy", r.Device.CopyProtect},
	} {
		err := p.fn(r.Addr, r.Size)

		switch {
		case errors.Is(err, flash.ErrUnsupported):
			klog.Warningf("%s protection unavailable for %v", p.name, r)
		case err != nil:
			return fmt.Errorf("could not %s protect %v, %w", p.name, r, err)
		default:
			klog.V(1).Infof("%s protected %v", p.name, r)
		}
	}

	return nil
}

func isLocked(ks keystore.KeyStore) bool {
	l, ok := ks.(interface{ Locked() bool })
	return ok && l.Locked()
}
