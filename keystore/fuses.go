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

package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/secure"
)

const iter = 4096

// Security holds the policy fuses.
type Security struct {
	AuthEnforced bool `yaml:"auth_enforced"`
	EncEnforced  bool `yaml:"enc_enforced"`
	NoRollback   bool `yaml:"no_rollback"`
	// OpenOnExit keeps the key region readable by the main image, it also
	// allows debug key dumps.
	OpenOnExit bool `yaml:"open_on_exit"`
}

// Identity holds the device unique material used to derive keys.
type Identity struct {
	UID    string `yaml:"uid"`
	Secret string `yaml:"secret"`
}

// AuthKeyFuse describes an authentication key slot.
type AuthKeyFuse struct {
	Index uint8  `yaml:"index"`
	Algo  uint8  `yaml:"algo"`
	PEM   string `yaml:"pem"`
}

// KEKFuse describes a key encryption key slot, the key is either given in
// hex or derived from the device identity and a diversifier.
type KEKFuse struct {
	Index       uint8  `yaml:"index"`
	Hex         string `yaml:"hex,omitempty"`
	Diversifier string `yaml:"diversifier,omitempty"`
}

// Fuses implements KeyStore over a fuse map, it models OTP content on hosts
// and in tests.
type Fuses struct {
	mu sync.Mutex

	Security Security      `yaml:"security"`
	Identity Identity      `yaml:"identity"`
	AuthKeys []AuthKeyFuse `yaml:"auth_keys"`
	KEKs     []KEKFuse     `yaml:"keks"`

	auth   map[uint8]*secure.AuthKey
	kek    map[uint8][]byte
	locked bool
}

// NewFuses returns an empty fuse map with the given policy.
func NewFuses(sec Security) *Fuses {
	return &Fuses{
		Security: sec,
		auth:     make(map[uint8]*secure.AuthKey),
		kek:      make(map[uint8][]byte),
	}
}

// LoadFuses parses a YAML fuse map and provisions its keys.
func LoadFuses(buf []byte) (f *Fuses, err error) {
	f = NewFuses(Security{})

	if err = yaml.Unmarshal(buf, f); err != nil {
		return nil, fmt.Errorf("could not parse fuse map, %v", err)
	}

	for _, k := range f.AuthKeys {
		pub, err := secure.ParsePublicKey([]byte(k.PEM))
		if err != nil {
			return nil, fmt.Errorf("auth key %d: %w", k.Index, err)
		}

		f.SetAuthKey(k.Index, &secure.AuthKey{Algo: k.Algo, Public: pub})
	}

	for _, k := range f.KEKs {
		var kek []byte

		switch {
		case len(k.Hex) > 0:
			if kek, err = hex.DecodeString(k.Hex); err != nil {
				return nil, fmt.Errorf("kek %d: %v", k.Index, err)
			}
		case len(k.Diversifier) > 0:
			if kek, err = f.Identity.DeriveKey(k.Diversifier); err != nil {
				return nil, fmt.Errorf("kek %d: %v", k.Index, err)
			}
		default:
			return nil, fmt.Errorf("kek %d: neither hex nor diversifier set", k.Index)
		}

		if err = f.SetKEK(k.Index, kek); err != nil {
			return nil, err
		}
	}

	return
}

// DeriveKey derives a key encryption key from the device secret, its unique
// ID and a diversifier.
func (id Identity) DeriveKey(diversifier string) ([]byte, error) {
	secret, err := hex.DecodeString(id.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid device secret, %v", err)
	}

	uid, err := hex.DecodeString(id.UID)
	if err != nil {
		return nil, fmt.Errorf("invalid device UID, %v", err)
	}

	if len(secret) == 0 || len(uid) == 0 {
		return nil, errors.New("device identity not provisioned")
	}

	return pbkdf2.Key(append(secret, diversifier...), uid, iter, image.KeySize, sha256.New), nil
}

// SetAuthKey provisions an authentication key.
func (f *Fuses) SetAuthKey(index uint8, key *secure.AuthKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.auth[index] = key
}

// SetKEK provisions a key encryption key.
func (f *Fuses) SetKEK(index uint8, kek []byte) error {
	if len(kek) != image.KeySize {
		return fmt.Errorf("kek %d: invalid length %d", index, len(kek))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.kek[index] = append([]byte{}, kek...)

	return nil
}

func (f *Fuses) AuthKey(index uint8) (*secure.AuthKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.locked {
		return nil, ErrLocked
	}

	k, ok := f.auth[index]
	if !ok {
		return nil, fmt.Errorf("auth key %d: %w", index, ErrNoKey)
	}

	return k, nil
}

func (f *Fuses) KeyEncryptionKey(index uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.locked {
		return nil, ErrLocked
	}

	k, ok := f.kek[index]
	if !ok {
		return nil, fmt.Errorf("kek %d: %w", index, ErrNoKey)
	}

	return k, nil
}

func (f *Fuses) NoRollback() bool {
	return f.Security.NoRollback
}

func (f *Fuses) AuthEnforced() bool {
	return f.Security.AuthEnforced
}

func (f *Fuses) EncEnforced() bool {
	return f.Security.EncEnforced
}

// Lock makes the key region unreadable, unless it is configured to stay
// open for the main image.
func (f *Fuses) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Security.OpenOnExit {
		klog.Warning("OTP key region left open on exit")
		return nil
	}

	f.locked = true

	return nil
}

// Locked reports whether the key region has been locked.
func (f *Fuses) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.locked
}

// Dump prints the provisioned keys, it is only allowed when the key
// region is configured to stay open on exit.
func (f *Fuses) Dump(w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Security.OpenOnExit || f.locked {
		return ErrLocked
	}

	for _, i := range indexes(f.auth) {
		k := f.auth[i]
		fmt.Fprintf(w, "Auth key %-3d ...........: algo %d, RSA-%d\n", i, k.Algo, k.Public.Size()*8)
	}

	for _, i := range indexes(f.kek) {
		fmt.Fprintf(w, "KEK %-3d ................: %x\n", i, f.kek[i])
	}

	return nil
}

func indexes[V any](m map[uint8]V) []uint8 {
	idx := make([]uint8, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	return idx
}
