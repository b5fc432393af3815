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

// sbl runs the secondary bootloader sequence against a simulated board.
//
// The board, its flash devices and their initial content are described in a
// YAML file:
//
//	devices:
//	  - name: mram
//	    base: 0x00400000
//	    size: 2MB
//	    page_size: 256B
//	    xip: true
//	    internal: true
//	    images:
//	      - file: main.bin
//	        addr: 0x00410000
//	sram:
//	  base: 0x20000000
//	  size: 1MB
//	main: 0x00410000
//	fuses: fuses.yaml
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-sbl/api"
	"github.com/transparency-dev/armored-witness-sbl/boot"
	"github.com/transparency-dev/armored-witness-sbl/flash"
	"github.com/transparency-dev/armored-witness-sbl/ota"
	"github.com/transparency-dev/armored-witness-sbl/secure"
)

// Set at build time with -ldflags "-X main.Version=..."
var (
	Version  = "0.0.0"
	Revision string
	Build    string
)

type Config struct {
	board    string
	status   bool
	progress bool
	dumpKeys bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	klog.InitFlags(nil)

	conf = &Config{}

	flag.StringVar(&conf.board, "c", "", "board description (YAML)")
	flag.BoolVar(&conf.status, "s", true, "print boot status")
	flag.BoolVar(&conf.progress, "p", false, "show OTA installation progress")
	flag.BoolVar(&conf.dumpKeys, "k", false, "dump keys (when allowed by fuses)")
}

// pointer models the OTA pointer register.
type pointer struct {
	addr flash.Address
}

func (p *pointer) Pending() (flash.Address, bool) {
	return p.addr, p.addr != 0
}

func (p *pointer) Clear() error {
	klog.V(1).Infof("OTA pointer cleared")
	p.addr = 0
	return nil
}

// trampoline records the hand-off rather than transferring execution.
type trampoline struct {
	vtor flash.Address
}

func (t *trampoline) Jump(vtor flash.Address) error {
	t.vtor = vtor
	klog.Infof("Hand-off to vector table @ %v", vtor)
	return nil
}

// progressBar adapts installation progress reports to a terminal bar, a new
// bar is started for every image.
func progressBar() func(done, total uint32) {
	var bar *pb.ProgressBar

	return func(done, total uint32) {
		if bar == nil {
			bar = pb.Full.Start64(int64(total))
			bar.Set(pb.Bytes, true)
		}

		bar.SetCurrent(int64(done))

		if done >= total {
			bar.Finish()
			bar = nil
		}
	}
}

// sequencer assembles the bootloader configuration for a board.
func sequencer(b *Board) (*boot.Sequencer, error) {
	sims, err := b.Sims()
	if err != nil {
		return nil, err
	}

	keys, err := b.Keys()
	if err != nil {
		return nil, err
	}

	s := &boot.Sequencer{
		Internal: sims[0].Device(),
		Crypto:   &secure.Software{},
		Keys:     keys,
		OTA:      &pointer{addr: flash.Address(b.OTAPointer)},
		OTAConfig: ota.Config{
			SecureBoot: b.SecureBoot,
		},
		BufferSize: uint32(b.BufferSize.Bytes()),
		MainAddr:   flash.Address(b.Main),
		RAMBase:    flash.Address(b.SRAM.Base),
		RAMEnd:     flash.Address(uint64(b.SRAM.Base) + b.SRAM.Size.Bytes()),
		DumpKeys:   b.DumpKeys || conf.dumpKeys,
		Trampoline: &trampoline{},
		Version:    Version,
		Revision:   Revision,
		Build:      Build,
	}

	for i, sim := range sims[1:] {
		d := b.Devices[i+1]
		ext := boot.ExternalDevice{
			Device:   sim.Device(),
			Required: d.Required,
		}

		if d.Fail {
			ext.Init = func() error {
				return fmt.Errorf("%s not responding", d.Name)
			}
		}

		s.External = append(s.External, ext)
	}

	if b.Monotonic {
		s.OTAConfig.Rollback = ota.Monotonic
	}

	if conf.progress {
		s.Progress = progressBar()
	}

	return s, nil
}

func run() (status *api.Status, err error) {
	b, err := LoadBoard(conf.board)
	if err != nil {
		return
	}

	s, err := sequencer(b)
	if err != nil {
		return
	}

	return s.Run()
}

func main() {
	flag.Parse()

	if len(conf.board) == 0 {
		flag.PrintDefaults()
		os.Exit(1)
	}

	status, err := run()

	if status != nil && conf.status {
		log.Print(status.Print())
	}

	switch {
	case errors.Is(err, boot.ErrHalt):
		klog.Exitf("Halted, %v", err)
	case err != nil:
		klog.Exitf("fatal error, %v", err)
	}
}
