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

package vm

import (
	"fmt"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/pagetables"
)

// ContiguousPhysRegion maps a fixed range of physical memory: MMIO windows,
// the framebuffer, and the kernel image sections. It owns no frames; the
// physical range belongs to the platform.
type ContiguousPhysRegion struct {
	entryCommon

	mgr *Manager

	// physBase is where the physical range begins.
	physBase uint64

	// zoned is set when the object came from the region zone.
	zoned bool
}

// NewContiguousPhysRegion creates an entry mapping length bytes starting at
// the page-aligned physical address physBase.
func (m *Manager) NewContiguousPhysRegion(physBase, length uint64, mode memarch.AccessMode) (*ContiguousPhysRegion, error) {
	if err := checkEntryArgs(length, mode); err != nil {
		return nil, err
	}
	if !memarch.Addr(physBase).IsPageAligned() {
		return nil, ErrInvalidArgument
	}

	e, zoned := m.allocPhysRegion()
	e.mgr = m
	e.physBase = physBase
	e.zoned = zoned
	e.length = length
	e.mode = mode
	e.refCount.init()
	return e, nil
}

// PhysBase returns the physical base address.
func (e *ContiguousPhysRegion) PhysBase() uint64 {
	return e.physBase
}

// DecRef implements Entry.DecRef.
func (e *ContiguousPhysRegion) DecRef() {
	if e.decRef() {
		if e.zoned {
			e.mgr.physRegionZone.Free(e)
		}
	}
}

// addedTo implements Entry.addedTo: one PTE per page, virt+i -> phys+i.
// Failure here means the placement checks lied; that is a kernel bug.
func (e *ContiguousPhysRegion) addedTo(base memarch.Addr, m *Map, pt *pagetables.PageTables) {
	for i := uint64(0); i < e.length/memarch.PageSize; i++ {
		off := memarch.Addr(i * memarch.PageSize)
		if err := pt.MapPage(e.physBase+uint64(off), base+off, e.mode); err != nil {
			panic(fmt.Sprintf("vm: failed to map phys region page at %#x: %v", uint64(base+off), err))
		}
	}
}

// willRemoveFrom implements Entry.willRemoveFrom.
func (e *ContiguousPhysRegion) willRemoveFrom(base memarch.Addr, length uint64, m *Map, pt *pagetables.PageTables) {
	for i := uint64(0); i < length/memarch.PageSize; i++ {
		off := memarch.Addr(i * memarch.PageSize)
		if err := pt.UnmapPage(base + off); err != nil {
			panic(fmt.Sprintf("vm: failed to unmap phys region page at %#x: %v", uint64(base+off), err))
		}
	}
}

// fault implements Entry.fault. A fault against resident-backed memory
// indicates a bug somewhere below.
func (e *ContiguousPhysRegion) fault(m *Map, offset uint64, access memarch.FaultAccess) (FaultResult, error) {
	return FaultNotHandled, fmt.Errorf("vm: fault at offset %#x of resident phys region (%s)", offset, access)
}
