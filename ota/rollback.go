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

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/image"
)

// ErrRollback is returned when a candidate image is older than the installed
// one.
var ErrRollback = errors.New("version rollback")

// Version returns the semantic version of an image header, the version word
// carries major (bits 16-31), minor (bits 8-15) and patch (bits 0-7).
func Version(h *image.Header) *semver.Version {
	return &semver.Version{
		Major: int64(h.Version >> 16),
		Minor: int64((h.Version >> 8) & 0xff),
		Patch: int64(h.Version & 0xff),
	}
}

// Monotonic is a rollback hook which rejects candidates older than the
// installed image, reinstalling the same version is allowed.
//
// It is one possible policy rather than the reference one, Config.Rollback
// is nil unless a caller opts in.
func Monotonic(cur, cand *image.Header) error {
	installed := Version(cur)
	candidate := Version(cand)

	switch {
	case candidate.LessThan(*installed):
		return ErrRollback
	case candidate.Equal(*installed):
		klog.V(1).Infof("Reinstalling version %v", candidate)
	default:
		klog.V(1).Infof("Upgrading version %v to %v", installed, candidate)
	}

	return nil
}
