// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package api defines the boot report produced by the bootloader.
package api

import (
	"bytes"
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// OTAResult represents the outcome of a single OTA descriptor entry.
type OTAResult struct {
	// Depth is the descriptor nesting level, 0 for the top level list.
	Depth int
	// Slot is the entry index within its list.
	Slot int
	// Addr is the candidate image address.
	Addr uint32
	// Class is the candidate image class.
	Class string
	// Dest is the installation address, if any.
	Dest uint32
	// Size is the number of installed bytes, if any.
	Size uint32
	// OK reports the feedback recorded for the entry.
	OK bool
	// Err describes the failure, if any.
	Err string
}

func (r OTAResult) String() string {
	status := "success"
	if !r.OK {
		status = "failure (" + r.Err + ")"
	}

	return fmt.Sprintf("%*s#%d 0x%08x %-24s -> 0x%08x+0x%x %s", 2*r.Depth, "", r.Slot, r.Addr, r.Class, r.Dest, r.Size, status)
}

// Status represents the bootloader state at hand-off.
type Status struct {
	Version  *semver.Version
	Revision string
	Build    string

	SecureBoot   bool
	AuthEnforced bool
	EncEnforced  bool
	NoRollback   bool

	Devices []string

	OTAPending bool
	OTA        []OTAResult
	OTAError   string

	Main        string
	Children    []string
	VectorTable uint32
	Protected   []string
	KeysLocked  bool
}

// Print returns the bootloader status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------- Secondary bootloader ----\n")
	status.WriteString(fmt.Sprintf("Version ................: %v\n", p.Version))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Secure Boot ............: %v\n", p.SecureBoot))
	status.WriteString(fmt.Sprintf("Policy .................: auth:%v enc:%v no-rollback:%v\n", p.AuthEnforced, p.EncEnforced, p.NoRollback))

	for _, d := range p.Devices {
		status.WriteString(fmt.Sprintf("Flash ..................: %s\n", d))
	}

	status.WriteString(fmt.Sprintf("OTA pending ............: %v\n", p.OTAPending))

	for _, r := range p.OTA {
		status.WriteString(fmt.Sprintf("OTA ....................: %v\n", r))
	}

	if len(p.OTAError) > 0 {
		status.WriteString(fmt.Sprintf("OTA error ..............: %s\n", p.OTAError))
	}

	status.WriteString(fmt.Sprintf("Main image .............: %s\n", p.Main))

	for _, c := range p.Children {
		status.WriteString(fmt.Sprintf("Child image ............: %s\n", c))
	}

	for _, r := range p.Protected {
		status.WriteString(fmt.Sprintf("Protected ..............: %s\n", r))
	}

	status.WriteString(fmt.Sprintf("Vector table ...........: %#08x\n", p.VectorTable))
	status.WriteString(fmt.Sprintf("Keys locked ............: %v", p.KeysLocked))

	return status.String()
}
