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
	"fmt"
	"math"

	"k8s.io/klog/v2"
)

// MaxDevices is the number of devices a Registry can hold.
const MaxDevices = 4

// Registry holds the ordered list of devices attached to the memory map.
//
// The registry is populated once at boot and is read-only afterwards.
type Registry struct {
	devices []*Device
}

// NewRegistry returns a registry holding the internal flash device as its
// first entry.
func NewRegistry(internal *Device) (*Registry, error) {
	r := &Registry{}

	if err := r.Register(internal); err != nil {
		return nil, err
	}

	return r, nil
}

// Register appends a device to the registry, devices must not share any
// address.
func (r *Registry) Register(d *Device) error {
	if d == nil {
		return ErrNilDevice
	}

	if len(r.devices) >= MaxDevices {
		return ErrCapacity
	}

	start := uint64(d.Base)
	end := start + uint64(d.Size)

	for _, o := range r.devices {
		if start < uint64(o.Base)+uint64(o.Size) && uint64(o.Base) < end {
			return fmt.Errorf("%v intersects %v: %w", d, o, ErrOverlap)
		}
	}

	klog.V(1).Infof("Registered flash device %v", d)
	r.devices = append(r.devices, d)

	return nil
}

// Devices returns the registered devices in registration order.
func (r *Registry) Devices() []*Device {
	return r.devices
}

// Find returns the device containing the n bytes starting at addr.
//
// The upper bound is exclusive of the last device byte: a range ending
// exactly at the end of a device is not considered contained.
func (r *Registry) Find(addr Address, n uint32) (*Device, bool) {
	end := uint64(addr) + uint64(n)

	if end > math.MaxUint32 {
		return nil, false
	}

	for _, d := range r.devices {
		base := uint64(d.Base)

		if uint64(addr) >= base && end < base+uint64(d.Size) {
			return d, true
		}
	}

	return nil, false
}
