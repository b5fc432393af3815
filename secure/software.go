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

package secure

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/image"
)

// Software implements Primitives on the Go standard library, it serves
// hosts and targets without a hardware crypto engine.
type Software struct {
	init bool
}

// Init initializes the provider.
func (s *Software) Init() error {
	klog.Infof("crypto: software provider (RSA-3072, AES-128-CBC)")
	s.init = true
	return nil
}

func (s *Software) NewHash(key *AuthKey) (hash.Hash, error) {
	if key == nil {
		return nil, ErrKey
	}

	switch key.Algo {
	case AuthAlgoRSA3072SHA256, AuthAlgoRSA3072PSS:
		return sha256.New(), nil
	}

	return nil, fmt.Errorf("%w: auth algorithm %d", ErrAlgorithm, key.Algo)
}

func (s *Software) VerifySignature(key *AuthKey, digest []byte, sig []byte) bool {
	if !s.init || key == nil || key.Public == nil {
		return false
	}

	if key.Public.Size() != image.SignatureSize || len(sig) != image.SignatureSize {
		return false
	}

	var err error

	switch key.Algo {
	case AuthAlgoRSA3072SHA256:
		err = rsa.VerifyPKCS1v15(key.Public, crypto.SHA256, digest, sig)
	case AuthAlgoRSA3072PSS:
		err = rsa.VerifyPSS(key.Public, crypto.SHA256, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	default:
		return false
	}

	if err != nil {
		klog.V(2).Infof("crypto: signature verification failed, %v", err)
		return false
	}

	return true
}

func (s *Software) NewDecrypter(algo uint8, key []byte, iv []byte) (cipher.BlockMode, error) {
	b, err := newBlock(algo, key, iv)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCDecrypter(b, iv), nil
}

func newBlock(algo uint8, key []byte, iv []byte) (cipher.Block, error) {
	if algo != EncAlgoAES128CBC {
		return nil, fmt.Errorf("%w: enc algorithm %d", ErrAlgorithm, algo)
	}

	if len(key) != image.KeySize || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: key %d bytes, iv %d bytes", ErrKey, len(key), len(iv))
	}

	return aes.NewCipher(key)
}

// NewEncrypter returns the block mode matching NewDecrypter, it is used by
// image tooling.
func NewEncrypter(algo uint8, key []byte, iv []byte) (cipher.BlockMode, error) {
	b, err := newBlock(algo, key, iv)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(b, iv), nil
}

// WrapKey encrypts an image key and IV under a key encryption key, it is the
// inverse of UnwrapKey.
func WrapKey(algo uint8, kek []byte, key, iv [image.KeySize]byte) (wrappedKey, wrappedIV [image.KeySize]byte, err error) {
	var zero [image.KeySize]byte

	e, err := NewEncrypter(algo, kek, zero[:])
	if err != nil {
		return
	}

	buf := make([]byte, 2*image.KeySize)
	copy(buf, key[:])
	copy(buf[image.KeySize:], iv[:])

	e.CryptBlocks(buf, buf)

	copy(wrappedKey[:], buf)
	copy(wrappedIV[:], buf[image.KeySize:])

	return
}

// Sign signs digest with the private key for the given algorithm.
func Sign(priv *rsa.PrivateKey, algo uint8, digest []byte) ([]byte, error) {
	switch algo {
	case AuthAlgoRSA3072SHA256:
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	case AuthAlgoRSA3072PSS:
		return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	}
	return nil, fmt.Errorf("%w: auth algorithm %d", ErrAlgorithm, algo)
}

// ParsePublicKey decodes a PEM encoded PKIX RSA public key.
func ParsePublicKey(buf []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKey)
	}

	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}

	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrKey)
	}

	return pub, nil
}

// ParsePrivateKey decodes a PEM encoded PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKey(buf []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKey)
	}

	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}

	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}

	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrKey)
	}

	return priv, nil
}
