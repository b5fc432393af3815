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

// Package keystore provides access to the key material and security policy
// fuses held in one-time-programmable memory.
package keystore

import (
	"errors"
	"io"

	"github.com/transparency-dev/armored-witness-sbl/secure"
)

var (
	// ErrNoKey is returned when no key is provisioned at an index.
	ErrNoKey = errors.New("key not provisioned")
	// ErrLocked is returned when reading keys after the key region has
	// been locked.
	ErrLocked = errors.New("key region locked")
)

// KeyStore represents the OTP key and policy accessor.
type KeyStore interface {
	// AuthKey returns the image authentication key at index.
	AuthKey(index uint8) (*secure.AuthKey, error)
	// KeyEncryptionKey returns the key wrapping image keys at index.
	KeyEncryptionKey(index uint8) ([]byte, error)
	// NoRollback reports whether image downgrades must be refused.
	NoRollback() bool
	// AuthEnforced reports whether unsigned images must be refused.
	AuthEnforced() bool
	// EncEnforced reports whether plaintext OTA images must be refused.
	EncEnforced() bool
}

// Locker is implemented by key stores which can lock their key region for
// the remainder of the power cycle.
type Locker interface {
	Lock() error
}

// Dumper is implemented by key stores able to print their key material for
// debugging, it must refuse when keys are not meant to be readable.
type Dumper interface {
	Dump(w io.Writer) error
}

// Policy is a snapshot of the security policy fuses.
type Policy struct {
	AuthEnforced bool
	EncEnforced  bool
	NoRollback   bool
}

// PolicyOf reads the current policy from the key store.
func PolicyOf(ks KeyStore) Policy {
	return Policy{
		AuthEnforced: ks.AuthEnforced(),
		EncEnforced:  ks.EncEnforced(),
		NoRollback:   ks.NoRollback(),
	}
}
