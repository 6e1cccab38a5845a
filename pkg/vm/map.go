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
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/pagetables"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

// placement associates an entry with a virtual range inside one map. The
// length is captured here and maintained under the map lock, so lookups
// never race a resize.
type placement struct {
	base   memarch.Addr
	length uint64
	entry  Entry
}

// placementLess orders placements by virtual base.
func placementLess(a, b placement) bool {
	return a.base < b.base
}

// Map is one complete virtual address space: a page-table hierarchy plus the
// set of placed entries. The first map ever constructed registers itself as
// the kernel map; later maps default to it as their parent and share its
// upper-half tables.
type Map struct {
	mgr *Manager

	// mu guards entries; add/remove take it for writing, fault and lookup
	// for reading. It also serializes all page-table mutation for this
	// address space.
	mu sync.RWMutex

	// parent supplies the shared kernel half, nil only for the kernel map.
	parent *Map

	// pt is this space's hardware page tables.
	pt *pagetables.PageTables

	// entries is ordered by virtual base; ranges are disjoint.
	entries *btree.BTreeG[placement]

	// mappedCPUs has one bit per processor that has this map installed.
	mappedCPUs atomic.Uint64

	refCount

	zoned bool
}

// NewMap constructs an address space. With a nil parent, the kernel map (if
// registered) becomes the parent; the first map constructed becomes the
// kernel map itself.
func (mgr *Manager) NewMap(parent *Map) (*Map, error) {
	if parent == nil {
		parent = mgr.KernelMap()
	}

	var parentPt *pagetables.PageTables
	if parent != nil {
		parentPt = parent.pt
	}
	pt, err := pagetables.New(mgr.ap, mgr.phys, mgr.machine, parentPt)
	if err != nil {
		return nil, err
	}

	m, zoned := mgr.allocMap()
	m.mgr = mgr
	m.parent = parent
	m.pt = pt
	m.zoned = zoned
	m.entries = btree.NewG[placement](8, placementLess)
	m.refCount.init()

	if parent != nil {
		parent.IncRef()
	} else {
		// The kernel tables carry the permanent aperture and preallocate
		// every upper-half slot so derived maps can share them safely.
		if err := pt.InstallAperture(); err != nil {
			return nil, err
		}
		if err := pt.PreallocateUpper(); err != nil {
			return nil, err
		}
		mgr.registerKernelMap(m)
	}
	return m, nil
}

// PageTables exposes the backing tables; VM-internal callers and bring-up
// only.
func (m *Map) PageTables() *pagetables.PageTables {
	return m.pt
}

// Parent returns the map supplying the shared kernel half, if any.
func (m *Map) Parent() *Map {
	return m.parent
}

// DecRef drops a reference. The last one releases every placement, the
// parent reference, and the page tables.
func (m *Map) DecRef() {
	if !m.decRef() {
		return
	}
	if m.mappedCPUs.Load() != 0 {
		panic("vm: destroying a map still installed on a processor")
	}
	m.mu.Lock()
	var placed []placement
	m.entries.Ascend(func(p placement) bool {
		placed = append(placed, p)
		return true
	})
	m.entries.Clear(false)
	for _, p := range placed {
		p.entry.willRemoveFrom(p.base, p.length, m, m.pt)
	}
	m.mu.Unlock()
	for _, p := range placed {
		p.entry.DecRef()
	}

	m.pt.Release()
	if m.parent != nil {
		m.parent.DecRef()
	}
	if m.zoned {
		m.mgr.mapZone.Free(m)
	}
}

// Activate installs this map on the calling processor: the previously active
// map is told to stand down, the root table is loaded, per-CPU locals are
// updated, and this processor's bit is set. Activating an already-active map
// is a no-op.
func (m *Map) Activate() {
	cpu := m.mgr.machine.Current()
	kd := cpu.KernelData()

	if kd.Map == m {
		return
	}
	if prev, ok := kd.Map.(*Map); ok && prev != nil {
		prev.Deactivated(cpu)
	}

	m.pt.Activate(cpu)
	kd.Map = m
	m.setCPU(cpu.ID())
	log.Debugf("vm: map %p active on cpu %d", m, cpu.ID())
}

// Deactivated implements platform.AddressSpace: clear this processor's bit.
func (m *Map) Deactivated(cpu *platform.Processor) {
	m.clearCPU(cpu.ID())
}

func (m *Map) setCPU(id int) {
	for {
		old := m.mappedCPUs.Load()
		if m.mappedCPUs.CompareAndSwap(old, old|1<<uint(id)) {
			return
		}
	}
}

func (m *Map) clearCPU(id int) {
	for {
		old := m.mappedCPUs.Load()
		if m.mappedCPUs.CompareAndSwap(old, old&^(1<<uint(id))) {
			return
		}
	}
}

// MappedCPUs returns the processor set this map is installed on.
func (m *Map) MappedCPUs() uint64 {
	return m.mappedCPUs.Load()
}

// checkPlacementRange validates geometry for a placement of length bytes at
// base in this map.
func (m *Map) checkPlacementRange(base memarch.Addr, length uint64) error {
	if base == 0 || length == 0 {
		return ErrInvalidArgument
	}
	if !base.IsPageAligned() {
		return ErrInvalidArgument
	}
	end := base + memarch.Addr(length)
	if end < base || !base.IsCanonical() {
		return ErrInvalidArgument
	}
	// The range must not straddle the canonical hole, and a derived map may
	// not place entries in or across the shared kernel half; those tables
	// belong to the kernel map.
	if !base.IsKernel() && end > 0x0000_8000_0000_0000 {
		return ErrInvalidArgument
	}
	if m.parent != nil && (base.IsKernel() || end > memarch.Addr(memarch.KernelBoundary)) {
		return ErrInvalidArgument
	}
	return nil
}

// Add places entry at base. The range [base, base+entry.Length()) must be
// disjoint from every existing placement. A fresh range needs no TLB
// invalidation; the unmap path guarantees no processor caches it.
func (m *Map) Add(base memarch.Addr, entry Entry) error {
	if entry == nil {
		return ErrInvalidArgument
	}
	length := entry.Length()
	if err := m.checkPlacementRange(base, length); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Disjointness against the immediate neighbors only; the set is
	// ordered and existing ranges are disjoint by induction.
	end := base + memarch.Addr(length)
	var conflict bool
	m.entries.DescendLessOrEqual(placement{base: base}, func(p placement) bool {
		conflict = p.base+memarch.Addr(p.length) > base
		return false
	})
	if !conflict {
		m.entries.AscendGreaterOrEqual(placement{base: base}, func(p placement) bool {
			conflict = p.base < end
			return false
		})
	}
	if conflict {
		return ErrOverlap
	}

	entry.IncRef()
	m.entries.ReplaceOrInsert(placement{base: base, length: length, entry: entry})
	entry.addedTo(base, m, m.pt)
	return nil
}

// Remove takes entry out of this map. The placement is deleted from the set
// first; the TLB invalidation (all processors, unmapped) follows, so by
// return no processor holds a stale translation for the range.
func (m *Map) Remove(entry Entry) error {
	if entry == nil {
		return ErrInvalidArgument
	}

	m.mu.Lock()
	found, ok := m.findEntryLocked(entry)
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	entry.willRemoveFrom(found.base, found.length, m, m.pt)
	m.entries.Delete(found)
	m.mu.Unlock()

	if err := m.InvalidateTLB(found.base, found.length,
		memarch.TLBInvalidateAll|memarch.TLBUnmapped); err != nil {
		return err
	}
	entry.DecRef()
	return nil
}

// findEntryLocked locates the placement holding entry.
func (m *Map) findEntryLocked(entry Entry) (placement, bool) {
	var found placement
	var ok bool
	m.entries.Ascend(func(p placement) bool {
		if p.entry == entry {
			found, ok = p, true
			return false
		}
		return true
	})
	return found, ok
}

// EntryAt returns the placement containing vaddr, if any.
func (m *Map) EntryAt(vaddr memarch.Addr) (entry Entry, base memarch.Addr, length uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryAtLocked(vaddr)
}

func (m *Map) entryAtLocked(vaddr memarch.Addr) (Entry, memarch.Addr, uint64, bool) {
	var found placement
	var ok bool
	m.entries.DescendLessOrEqual(placement{base: vaddr}, func(p placement) bool {
		if vaddr < p.base+memarch.Addr(p.length) {
			found, ok = p, true
		}
		return false
	})
	if !ok {
		return nil, 0, 0, false
	}
	return found.entry, found.base, found.length, true
}

// HandleFault services a page fault at addr: locate the covering entry and
// delegate. Returns FaultNotHandled when no placement covers addr or the
// entry declines.
func (m *Map) HandleFault(state *platform.ProcessorState, addr memarch.Addr, access memarch.FaultAccess) (FaultResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, base, length, ok := m.entryAtLocked(addr)
	if !ok {
		return FaultNotHandled, nil
	}

	offset := uint64(addr - base)
	if offset > length {
		panic(fmt.Sprintf("vm: invalid fault offset: base %#x fault %#x", uint64(base), uint64(addr)))
	}
	return entry.fault(m, offset, access)
}

// canResize reports whether growing the placement at base from oldLength to
// newLength keeps it disjoint and in bounds. Caller holds no map lock.
func (m *Map) canResize(base memarch.Addr, oldLength, newLength uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkPlacementRange(base, newLength); err != nil {
		return false
	}
	end := base + memarch.Addr(newLength)
	fits := true
	m.entries.AscendGreaterOrEqual(placement{base: base + 1}, func(p placement) bool {
		fits = p.base >= end
		return false
	})
	return fits
}

// resizePlacement updates the recorded length of the placement at base.
func (m *Map) resizePlacement(entry Entry, base memarch.Addr, newLength uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.entries.Get(placement{base: base}); ok && p.entry == entry {
		p.length = newLength
		m.entries.ReplaceOrInsert(p)
	}
}

// Covers implements physmem.RangeResolver: true if every page of the range
// resolves through this map's tables.
func (m *Map) Covers(virt memarch.Addr, length uint64) bool {
	for i := uint64(0); i < memarch.PagesSpanned(length); i++ {
		_, ok, err := m.pt.Resolve(virt + memarch.Addr(i*memarch.PageSize))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// InvalidateTLB flushes translations for [virt, virt+length) according to
// hints: locally if this processor has the map installed, and by shootdown
// to every other processor in the mapped set.
func (m *Map) InvalidateTLB(virt memarch.Addr, length uint64, hints memarch.TLBHint) error {
	if hints.Scope() == 0 {
		// Nothing to invalidate; tolerated as API misuse.
		return nil
	}

	if hints.Any(memarch.TLBInvalidateLocal) {
		cpu := m.mgr.machine.Current()
		if m.mappedCPUs.Load()&(1<<uint(cpu.ID())) != 0 {
			m.pt.InvalidateTLB(virt, length, hints)
		}
	}
	if hints.Any(memarch.TLBInvalidateRemote) {
		if err := m.doShootdown(virt, length, hints); err != nil {
			return err
		}
	}
	return nil
}
