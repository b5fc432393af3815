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

// Package validator implements the trust decisions of the bootloader: image
// authentication and integrity checks, OTA candidate validation and key
// recovery, and main image chain validation before hand-off.
package validator

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/keystore"
	"github.com/transparency-dev/armored-witness-sbl/secure"
)

var (
	// ErrPolicyViolation is returned when an image lacks a check required
	// by the security policy.
	ErrPolicyViolation = errors.New("security policy violation")
	// ErrCrypto is returned on signature or CRC mismatch and on
	// unavailable or mismatching keys.
	ErrCrypto = errors.New("cryptographic check failure")
	// ErrBounds is returned when an image does not fit a registered device.
	ErrBounds = errors.New("image outside of registered flash")
	// ErrDevice is returned when the underlying device reports an error.
	ErrDevice = errors.New("flash device failure")
)

// minChunk is the smallest read size used when streaming an image.
const minChunk = 256

// Region represents a validated image in the memory map.
type Region struct {
	Device *flash.Device
	Addr   flash.Address
	Size   uint32
}

func (r Region) String() string {
	return fmt.Sprintf("%v+0x%x (%s)", r.Addr, r.Size, r.Device.Name)
}

// DecryptInfo carries the key material recovered while validating an
// encrypted OTA image, for use by the installer.
type DecryptInfo struct {
	Decrypt bool
	Algo    uint8
	Key     [image.KeySize]byte
	IV      [image.KeySize]byte
	// ClearSize is the number of leading bytes of the installed data which
	// are not encrypted.
	ClearSize uint32
}

// Validator holds the collaborators needed to take trust decisions.
type Validator struct {
	Registry *flash.Registry
	Keys     keystore.KeyStore
	Crypto   secure.Primitives

	// RAMBase and RAMEnd bound the initial stack pointer of the main image.
	RAMBase flash.Address
	RAMEnd  flash.Address
}

// ValidateBoot checks the signature and CRC of an image resident at addr on
// dev, as enabled by its header and required by the security policy.
func (v *Validator) ValidateBoot(hdr *image.Header, addr flash.Address, dev *flash.Device) error {
	if keystore.PolicyOf(v.Keys).AuthEnforced && !hdr.AuthCheck {
		return fmt.Errorf("%v: unsigned image: %w", addr, ErrPolicyViolation)
	}

	return v.check(hdr, addr, dev, nil)
}

// ValidateOta validates the OTA candidate at addr on dev.
//
// It returns the candidate main header, decrypted when required, along with
// the information needed to decrypt the image during installation.
func (v *Validator) ValidateOta(addr flash.Address, dev *flash.Device) (di DecryptInfo, m *image.MainHeader, err error) {
	buf, hl, err := readHeader(addr, dev)
	if err != nil {
		return
	}

	if m, err = image.ParseMain(buf); err != nil {
		return DecryptInfo{}, nil, fmt.Errorf("%v: %v: %w", addr, err, ErrBounds)
	}

	policy := keystore.PolicyOf(v.Keys)

	if policy.AuthEnforced && !m.AuthCheck {
		return DecryptInfo{}, nil, fmt.Errorf("%v: unsigned OTA: %w", addr, ErrPolicyViolation)
	}

	if policy.EncEnforced && !m.Encrypted {
		return DecryptInfo{}, nil, fmt.Errorf("%v: plaintext OTA: %w", addr, ErrPolicyViolation)
	}

	if !m.CRCCheck && !m.AuthCheck {
		klog.Warningf("OTA @ %v has no integrity checks", addr)
		return di, m, nil
	}

	if m.Encrypted {
		if di, err = v.recoverKey(&m.Header); err != nil {
			return DecryptInfo{}, nil, fmt.Errorf("%v: %w", addr, err)
		}

		off := uint32(image.CipherOffset)

		if err = alignedStream(m.BlobSize, off); err != nil {
			return DecryptInfo{}, nil, fmt.Errorf("%v: %w", addr, err)
		}

		if off < hl {
			dec, err := v.Crypto.NewDecrypter(di.Algo, di.Key[:], di.IV[:])
			if err != nil {
				return DecryptInfo{}, nil, fmt.Errorf("%v: %v: %w", addr, err, ErrCrypto)
			}

			dec.CryptBlocks(buf[off:hl], buf[off:hl])

			if m, err = image.ParseMain(buf); err != nil {
				return DecryptInfo{}, nil, fmt.Errorf("%v: %v: %w", addr, err, ErrBounds)
			}
		}

		di.ClearSize = off - m.Class().InstallOffset()
	}

	if err = v.check(&m.Header, addr, dev, &di); err != nil {
		return DecryptInfo{}, nil, err
	}

	return
}

// ValidateChildren validates the child images referenced by a main image
// header, up to the array capacity or the first sentinel.
func (v *Validator) ValidateChildren(ptrs []uint32) (regions []Region, err error) {
	if len(ptrs) > image.MaxChildren {
		ptrs = ptrs[:image.MaxChildren]
	}

	for i, p := range ptrs {
		if p == image.Sentinel {
			break
		}

		addr := flash.Address(p)

		r, err := v.resident(addr, image.HeaderSize)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}

		klog.V(1).Infof("Validated child image %d @ %v", i, r)
		regions = append(regions, r)
	}

	return
}

// ValidateMain validates the main image at addr, its child images and its
// vector table. On success it returns the vector table address and the
// regions to protect before hand-off.
func (v *Validator) ValidateMain(addr flash.Address) (vtor flash.Address, regions []Region, err error) {
	dev, ok := v.Registry.Find(addr, image.MainHeaderSize)
	if !ok || !dev.XIP {
		return 0, nil, fmt.Errorf("main image %v: %w", addr, ErrBounds)
	}

	buf := make([]byte, image.MainHeaderSize)
	if err = dev.Read(buf, addr); err != nil {
		return 0, nil, fmt.Errorf("main image %v: %v: %w", addr, err, ErrDevice)
	}

	m, err := image.ParseMain(buf)
	if err != nil {
		return 0, nil, fmt.Errorf("main image %v: %v: %w", addr, err, ErrBounds)
	}

	r, err := v.resident(addr, image.MainHeaderSize)
	if err != nil {
		return 0, nil, fmt.Errorf("main image: %w", err)
	}

	children, err := v.ValidateChildren(m.Children[:])
	if err != nil {
		return 0, nil, fmt.Errorf("main image: %w", err)
	}

	vtor = addr + image.MainHeaderSize

	vt := make([]byte, image.VectorTableSize)
	if uint64(image.MainHeaderSize)+image.VectorTableSize > uint64(m.BlobSize) {
		return 0, nil, fmt.Errorf("main image %v: no vector table: %w", addr, ErrBounds)
	}

	if err = dev.Read(vt, vtor); err != nil {
		return 0, nil, fmt.Errorf("main image %v: %v: %w", addr, err, ErrDevice)
	}

	t, err := image.ParseVectorTable(vt)
	if err != nil {
		return 0, nil, fmt.Errorf("main image %v: %v: %w", addr, err, ErrBounds)
	}

	if err = t.Check(v.RAMBase, v.RAMEnd, addr, addr+flash.Address(m.BlobSize)); err != nil {
		klog.Errorf("Found invalid main image @ %v, %v", addr, err)
		return 0, nil, fmt.Errorf("main image %v: %v: %w", addr, err, ErrBounds)
	}

	return vtor, append([]Region{r}, children...), nil
}

// resident locates, reads and validates a resident image whose header is hl
// bytes long.
func (v *Validator) resident(addr flash.Address, hl uint32) (r Region, err error) {
	dev, ok := v.Registry.Find(addr, hl)
	if !ok || !dev.XIP {
		return r, fmt.Errorf("%v: %w", addr, ErrBounds)
	}

	buf := make([]byte, image.HeaderSize)
	if err = dev.Read(buf, addr); err != nil {
		return r, fmt.Errorf("%v: %v: %w", addr, err, ErrDevice)
	}

	hdr, err := image.Parse(buf)
	if err != nil {
		return r, fmt.Errorf("%v: %v: %w", addr, err, ErrBounds)
	}

	if hdr.BlobSize < hl {
		return r, fmt.Errorf("%v: blob size 0x%x: %w", addr, hdr.BlobSize, ErrBounds)
	}

	if dev, ok = v.Registry.Find(addr, hdr.BlobSize); !ok {
		return r, fmt.Errorf("%v+0x%x: %w", addr, hdr.BlobSize, ErrBounds)
	}

	if err = v.ValidateBoot(hdr, addr, dev); err != nil {
		return r, err
	}

	return Region{Device: dev, Addr: addr, Size: hdr.BlobSize}, nil
}

// readHeader reads the main header sized prefix of an image, bytes past
// the end of a shorter image read as erased. It returns the buffer and the
// number of bytes belonging to the image.
func readHeader(addr flash.Address, dev *flash.Device) ([]byte, uint32, error) {
	buf := make([]byte, image.MainHeaderSize)
	for i := range buf {
		buf[i] = 0xff
	}

	if err := dev.Read(buf[:image.HeaderSize], addr); err != nil {
		return nil, 0, fmt.Errorf("%v: %v: %w", addr, err, ErrDevice)
	}

	hdr, err := image.Parse(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%v: %v: %w", addr, err, ErrBounds)
	}

	if hdr.BlobSize < image.HeaderSize {
		return nil, 0, fmt.Errorf("%v: blob size 0x%x: %w", addr, hdr.BlobSize, ErrBounds)
	}

	n := hdr.BlobSize
	if n > image.MainHeaderSize {
		n = image.MainHeaderSize
	}

	if n > image.HeaderSize {
		if err := dev.Read(buf[image.HeaderSize:n], addr+image.HeaderSize); err != nil {
			return nil, 0, fmt.Errorf("%v: %v: %w", addr, err, ErrDevice)
		}
	}

	return buf, n, nil
}

func (v *Validator) recoverKey(hdr *image.Header) (di DecryptInfo, err error) {
	kek, err := v.Keys.KeyEncryptionKey(hdr.EncKeyIndex)
	if err != nil {
		return di, fmt.Errorf("%v: %w", err, ErrCrypto)
	}

	key, iv, err := secure.UnwrapKey(v.Crypto, hdr.EncAlgo, kek, hdr.WrappedKey, hdr.WrappedIV)
	if err != nil {
		return di, fmt.Errorf("%v: %w", err, ErrCrypto)
	}

	return DecryptInfo{
		Decrypt: true,
		Algo:    hdr.EncAlgo,
		Key:     key,
		IV:      iv,
	}, nil
}

func (v *Validator) authKey(hdr *image.Header) (*secure.AuthKey, error) {
	key, err := v.Keys.AuthKey(hdr.AuthKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCrypto)
	}

	if key.Algo != hdr.AuthAlgo {
		return nil, fmt.Errorf("auth key %d algorithm %d, image algorithm %d: %w", hdr.AuthKeyIndex, key.Algo, hdr.AuthAlgo, ErrCrypto)
	}

	return key, nil
}

func alignedStream(blobSize uint32, off uint32) error {
	if blobSize < off || (blobSize-off)%aes.BlockSize != 0 {
		return fmt.Errorf("encrypted size 0x%x not block aligned: %w", blobSize, ErrCrypto)
	}
	return nil
}

// check streams the image through the enabled signature and CRC checks,
// decrypting it on the fly when di requires it.
func (v *Validator) check(hdr *image.Header, addr flash.Address, dev *flash.Device, di *DecryptInfo) (err error) {
	if !hdr.AuthCheck && !hdr.CRCCheck {
		return nil
	}

	if hdr.BlobSize < image.HeaderSize {
		return fmt.Errorf("%v: blob size 0x%x: %w", addr, hdr.BlobSize, ErrBounds)
	}

	var key *secure.AuthKey
	var digest hash.Hash
	var crc hash.Hash32
	var dec cipher.BlockMode

	if hdr.AuthCheck {
		if key, err = v.authKey(hdr); err != nil {
			return fmt.Errorf("%v: %w", addr, err)
		}

		if digest, err = v.Crypto.NewHash(key); err != nil {
			return fmt.Errorf("%v: %v: %w", addr, err, ErrCrypto)
		}
	}

	if hdr.CRCCheck {
		crc = crc32.NewIEEE()
	}

	off := uint32(image.CipherOffset)

	if di != nil && di.Decrypt {
		if err = alignedStream(hdr.BlobSize, off); err != nil {
			return fmt.Errorf("%v: %w", addr, err)
		}

		if dec, err = v.Crypto.NewDecrypter(di.Algo, di.Key[:], di.IV[:]); err != nil {
			return fmt.Errorf("%v: %v: %w", addr, err, ErrCrypto)
		}
	}

	chunk := dev.PageSize
	if chunk < minChunk {
		chunk = minChunk
	}
	if r := chunk % aes.BlockSize; r != 0 {
		chunk += aes.BlockSize - r
	}

	buf := make([]byte, chunk)

	for pos := uint32(0); pos < hdr.BlobSize; pos += chunk {
		n := hdr.BlobSize - pos
		if n > chunk {
			n = chunk
		}

		b := buf[:n]

		if err = dev.Read(b, addr+flash.Address(pos)); err != nil {
			return fmt.Errorf("%v: %v: %w", addr, err, ErrDevice)
		}

		if dec != nil && pos+n > off {
			s := uint32(0)
			if off > pos {
				s = off - pos
			}
			dec.CryptBlocks(b[s:], b[s:])
		}

		if crc != nil && pos+n > image.CRCOffset {
			crc.Write(tail(b, pos, image.CRCOffset))
		}

		if digest != nil && pos+n > image.PreambleSize {
			digest.Write(tail(b, pos, image.PreambleSize))
		}
	}

	if digest != nil && !v.Crypto.VerifySignature(key, digest.Sum(nil), hdr.Signature[:]) {
		return fmt.Errorf("%v: signature mismatch: %w", addr, ErrCrypto)
	}

	if crc != nil && crc.Sum32() != hdr.CRC {
		return fmt.Errorf("%v: CRC mismatch (0x%08x != 0x%08x): %w", addr, crc.Sum32(), hdr.CRC, ErrCrypto)
	}

	return nil
}

// tail returns the part of chunk b, located at pos within the image, which
// lies at or after offset.
func tail(b []byte, pos uint32, offset uint32) []byte {
	if offset > pos {
		return b[offset-pos:]
	}
	return b
}
