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

// Package secure defines the cryptographic primitives consumed by the
// bootloader to authenticate and decrypt images, along with a software
// implementation based on the Go standard library.
package secure

import (
	"crypto/cipher"
	"crypto/rsa"
	"errors"
	"fmt"
	"hash"

	"github.com/transparency-dev/armored-witness-sbl/image"
)

// Authentication algorithms
const (
	AuthAlgoRSA3072SHA256 = 1
	AuthAlgoRSA3072PSS    = 2
)

// Encryption algorithms
const (
	EncAlgoAES128CBC = 1
)

var (
	// ErrAlgorithm is returned for unsupported algorithm selectors.
	ErrAlgorithm = errors.New("unsupported algorithm")
	// ErrKey is returned for malformed key material.
	ErrKey = errors.New("invalid key material")
)

// AuthKey represents public key material used to authenticate images.
type AuthKey struct {
	// Algo is the authentication algorithm the key is provisioned for.
	Algo uint8
	// Public is the verification key.
	Public *rsa.PublicKey
}

// Primitives represents a cryptographic provider.
type Primitives interface {
	// Init initializes the provider, it must be called before any other
	// method.
	Init() error
	// NewHash returns the digest used for signatures made with the key.
	NewHash(key *AuthKey) (hash.Hash, error)
	// VerifySignature reports whether sig is a valid signature of digest.
	VerifySignature(key *AuthKey, digest []byte, sig []byte) bool
	// NewDecrypter returns a block mode decrypting with the selected
	// algorithm, the IV is updated across CryptBlocks calls.
	NewDecrypter(algo uint8, key []byte, iv []byte) (cipher.BlockMode, error)
}

// UnwrapKey recovers the image key and IV from the header encryption block
// using the key encryption key and a zero IV.
func UnwrapKey(p Primitives, algo uint8, kek []byte, wrappedKey, wrappedIV [image.KeySize]byte) (key, iv [image.KeySize]byte, err error) {
	var zero [image.KeySize]byte

	d, err := p.NewDecrypter(algo, kek, zero[:])
	if err != nil {
		return key, iv, fmt.Errorf("could not unwrap image key, %w", err)
	}

	buf := make([]byte, 2*image.KeySize)
	copy(buf, wrappedKey[:])
	copy(buf[image.KeySize:], wrappedIV[:])

	d.CryptBlocks(buf, buf)

	copy(key[:], buf)
	copy(iv[:], buf[image.KeySize:])

	return
}
