// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The sblimage tool builds images and OTA descriptor lists for the secondary
// bootloader, only useful for development work.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/image"
	"github.com/transparency-dev/armored-witness-sbl/internal/imgtool"
	"github.com/transparency-dev/armored-witness-sbl/secure"
)

var (
	outputFile  = flag.String("output_file", "", "File to write the image to.")
	payloadFile = flag.String("payload_file", "", "Payload to wrap.")
	magic       = flag.String("magic", "secure", "Image class (secure, nonsecure, oem, custprop, custdesc) or magic number.")
	loadAddr    = flag.String("load_addr", "0", "Installation address.")
	version     = flag.Uint("version", 0, "Image version.")
	crc         = flag.Bool("crc", true, "Enable the CRC check.")
	children    = flag.String("children", "", "Comma separated child image addresses.")

	authKeyFile  = flag.String("auth_key_file", "", "PEM encoded RSA-3072 signing key, the image is unsigned when empty.")
	authKeyIndex = flag.Uint("auth_key_index", 0, "Authentication key slot.")
	authAlgo     = flag.Uint("auth_algo", secure.AuthAlgoRSA3072SHA256, "Authentication algorithm.")

	kek      = flag.String("kek", "", "Hex encoded key encryption key, the image is in clear when empty.")
	kekIndex = flag.Uint("kek_index", 0, "Key encryption key slot.")
	encKey   = flag.String("enc_key", "", "Hex encoded image key, random when empty.")
	encIV    = flag.String("enc_iv", "", "Hex encoded image IV, random when empty.")

	descriptor = flag.String("descriptor", "", "Comma separated image addresses, builds a pending descriptor list instead of an image.")
)

var magics = map[string]uint8{
	"secure":    image.MagicSecure,
	"nonsecure": image.MagicNonSecure,
	"oem":       image.MagicOEMChain,
	"custprop":  image.MagicCustProp,
	"custdesc":  image.MagicCustOTADsc,
}

func parseMagic(s string) (uint8, error) {
	if m, ok := magics[s]; ok {
		return m, nil
	}

	m, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid magic %q", s)
	}

	return uint8(m), nil
}

func parseAddr(s string) (flash.Address, error) {
	a, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}

	return flash.Address(a), nil
}

func parseAddrs(s string) (addrs []flash.Address, err error) {
	if len(s) == 0 {
		return
	}

	for _, f := range strings.Split(s, ",") {
		a, err := parseAddr(f)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}

	return
}

// key16 decodes a hex encoded 128-bit value, or generates a random one.
func key16(s string) (k [image.KeySize]byte, err error) {
	if len(s) == 0 {
		_, err = rand.Read(k[:])
		return
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return
	}

	if len(b) != image.KeySize {
		return k, fmt.Errorf("invalid key length %d", len(b))
	}

	copy(k[:], b)

	return
}

// descriptorList returns a pending entry for every address, wrapped in a
// customer descriptor image when requested.
func descriptorList(addrs []flash.Address, nested bool) ([]byte, error) {
	var entries []uint32

	for _, a := range addrs {
		entries = append(entries, imgtool.Pending(a))
	}

	if nested {
		return imgtool.NestedDescriptor(entries...)
	}

	return imgtool.Descriptor(entries...), nil
}

func options() (opts imgtool.Options, err error) {
	if opts.Magic, err = parseMagic(*magic); err != nil {
		return
	}

	if opts.LoadAddress, err = parseAddr(*loadAddr); err != nil {
		return
	}

	if opts.Children, err = parseAddrs(*children); err != nil {
		return
	}

	opts.Version = uint32(*version)
	opts.CRC = *crc

	if len(*authKeyFile) > 0 {
		pem, err := os.ReadFile(*authKeyFile)
		if err != nil {
			return opts, err
		}

		key, err := secure.ParsePrivateKey(pem)
		if err != nil {
			return opts, err
		}

		opts.Auth = &imgtool.Signer{
			Key:   key,
			Index: uint8(*authKeyIndex),
			Algo:  uint8(*authAlgo),
		}
	}

	if len(*kek) > 0 {
		e := &imgtool.Encryption{
			Index: uint8(*kekIndex),
			Algo:  secure.EncAlgoAES128CBC,
		}

		if e.KEK, err = hex.DecodeString(*kek); err != nil {
			return opts, fmt.Errorf("invalid kek, %v", err)
		}

		if e.Key, err = key16(*encKey); err != nil {
			return opts, fmt.Errorf("invalid image key, %v", err)
		}

		if e.IV, err = key16(*encIV); err != nil {
			return opts, fmt.Errorf("invalid image IV, %v", err)
		}

		opts.Enc = e
	}

	return
}

func main() {
	flag.Parse()

	if len(*outputFile) == 0 {
		klog.Exitf("Missing output file")
	}

	var out []byte

	switch {
	case len(*descriptor) > 0:
		addrs, err := parseAddrs(*descriptor)
		if err != nil {
			klog.Exitf("Failed to parse descriptor: %v", err)
		}

		if out, err = descriptorList(addrs, *magic == "custdesc"); err != nil {
			klog.Exitf("Failed to build descriptor: %v", err)
		}
	default:
		payload, err := os.ReadFile(*payloadFile)
		if err != nil {
			klog.Exitf("Failed to read payload %q: %v", *payloadFile, err)
		}

		opts, err := options()
		if err != nil {
			klog.Exitf("Invalid options: %v", err)
		}

		if out, err = imgtool.Build(opts, payload); err != nil {
			klog.Exitf("Build: %v", err)
		}

		klog.Infof("Built %v image, load address %v", image.ClassOf(opts.Magic), opts.LoadAddress)
	}

	if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote %d bytes to %q", len(out), *outputFile)
}
