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
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/secure"
	"github.com/transparency-dev/armored-witness-sbl/validator"
)

// DefaultBufferSize is the default bounce buffer size.
const DefaultBufferSize = 4096

// Installer copies validated images to their load address.
//
// It owns a single bounce buffer reused across installations, an Installer
// must therefore not be used concurrently.
type Installer struct {
	crypto secure.Primitives
	buf    []byte

	// Progress, when set, is called after every block written.
	Progress func(done, total uint32)
}

// NewInstaller returns an installer with a bounce buffer of the given size,
// which must be a multiple of the page size of every destination device.
func NewInstaller(p secure.Primitives, size uint32) (*Installer, error) {
	if size == 0 || size%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid bounce buffer size %d", size)
	}

	return &Installer{
		crypto: p,
		buf:    make([]byte, size),
	}, nil
}

// Install erases n bytes at dstAddr on dst, then copies n bytes from srcAddr
// on src through the bounce buffer, decrypting them if required by di. The
// first di.ClearSize bytes are copied as is, even when they span more than one
// buffer.
//
// Any failure aborts the installation leaving the destination partially
// written, it is then rejected by boot validation.
func (in *Installer) Install(src, dst *flash.Device, srcAddr, dstAddr flash.Address, n uint32, di validator.DecryptInfo) (err error) {
	bs := uint32(len(in.buf))

	if dst.PageSize != 0 && bs%dst.PageSize != 0 {
		return fmt.Errorf("bounce buffer (%d) is not a multiple of %s page size (%d): %w", bs, dst.Name, dst.PageSize, flash.ErrAlignment)
	}

	if err = dst.Erase(dstAddr, n); err != nil {
		return fmt.Errorf("could not erase %v+0x%x, %w", dstAddr, n, err)
	}

	var dec cipher.BlockMode

	if di.Decrypt {
		if dec, err = in.crypto.NewDecrypter(di.Algo, di.Key[:], di.IV[:]); err != nil {
			return fmt.Errorf("could not initialize decryption, %w", err)
		}
	}

	plain := di.ClearSize

	for done := uint32(0); done < n; done += bs {
		l := n - done
		if l > bs {
			l = bs
		}

		b := in.buf[:l]

		if err = src.Read(b, srcAddr+flash.Address(done)); err != nil {
			return fmt.Errorf("could not read %v, %w", srcAddr+flash.Address(done), err)
		}

		if dec != nil {
			s := plain
			if s > l {
				s = l
			}

			if (l-s)%aes.BlockSize != 0 {
				return fmt.Errorf("encrypted block of %d bytes is not aligned", l-s)
			}

			dec.CryptBlocks(b[s:], b[s:])
			plain -= s
		}

		if err = dst.Write(b, dstAddr+flash.Address(done)); err != nil {
			return fmt.Errorf("could not write %v, %w", dstAddr+flash.Address(done), err)
		}

		klog.V(2).Infof("installed %d/%d bytes", done+l, n)

		if in.Progress != nil {
			in.Progress(done+l, n)
		}
	}

	return
}
