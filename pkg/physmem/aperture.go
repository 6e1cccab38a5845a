// Copyright 2024 The KushOS Authors.
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

package physmem

import (
	"fmt"
	"sync/atomic"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

// Aperture is the permanent kernel window into physical memory. Before the
// kernel map is active, table accesses ride the bootloader's direct map (the
// early-boot path); afterwards every physical address below the aperture span
// is reachable at ApertureStart+phys. Page-table code resolves the physical
// address of a table page through here rather than through recursive mapping
// tricks.
type Aperture struct {
	mem *Memory

	// earlyBoot is true until the kernel map with the installed aperture is
	// live. While set, accesses skip the aperture bound check, standing in
	// for the bootloader-provided direct map.
	earlyBoot atomic.Bool
}

// NewAperture returns an aperture over mem, in early-boot mode.
func NewAperture(mem *Memory) *Aperture {
	a := &Aperture{mem: mem}
	a.earlyBoot.Store(true)
	return a
}

// Size returns the aperture span in bytes.
func (a *Aperture) Size() uint64 {
	return memarch.PhysApertureEnd + 1 - memarch.PhysApertureStart
}

// IsEarlyBoot returns true while the bootloader direct map is still in use.
func (a *Aperture) IsEarlyBoot() bool {
	return a.earlyBoot.Load()
}

// LeaveEarlyBoot switches table accesses to the permanent aperture. Called
// exactly once, after the kernel map with the installed aperture is active.
func (a *Aperture) LeaveEarlyBoot() {
	if !a.earlyBoot.CompareAndSwap(true, false) {
		panic("physmem: aperture already left early boot")
	}
}

// VirtFor translates a physical address to its kernel-virtual address inside
// the aperture.
func (a *Aperture) VirtFor(phys uint64) memarch.Addr {
	a.check(phys)
	return memarch.Addr(memarch.PhysApertureStart + phys)
}

// check asserts phys lies inside the aperture span once early boot is over.
func (a *Aperture) check(phys uint64) {
	if a.earlyBoot.Load() {
		return
	}
	if phys >= a.Size()-memarch.PageSize {
		panic(fmt.Sprintf("physmem: phys addr out of range of aperture: %#016x", phys))
	}
}

// ReadTable reads the nth 64-bit entry of the paging table whose first entry
// sits at the page-aligned physical address table.
func (a *Aperture) ReadTable(table uint64, index int) uint64 {
	if index < 0 || index > 511 {
		panic(fmt.Sprintf("physmem: table offset out of range: %d", index))
	}
	a.check(table)
	return a.mem.ReadWord(table + uint64(index)*8)
}

// WriteTable writes the nth 64-bit entry of the paging table at table.
func (a *Aperture) WriteTable(table uint64, index int, val uint64) {
	if index < 0 || index > 511 {
		panic(fmt.Sprintf("physmem: table offset out of range: %d", index))
	}
	a.check(table)
	a.mem.WriteWord(table+uint64(index)*8, val)
}

// ZeroFrame clears a frame through the aperture.
func (a *Aperture) ZeroFrame(frame uint64) {
	a.check(frame)
	a.mem.ZeroFrame(frame)
}

// Memory returns the underlying physical memory, for payload access by the
// anonymous-region zero fill and tests.
func (a *Aperture) Memory() *Memory {
	return a.mem
}
