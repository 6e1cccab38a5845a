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

// Package pagetables implements the architecture page tables: a 4-level,
// 48-bit walker with 4 KiB and 1 GiB leaves. Table pages live in physical
// memory and are touched only through the aperture; one PageTables instance
// backs each address-space Map.
package pagetables

import (
	"errors"
	"fmt"

	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/physmem"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

// Walker errors.
var (
	// ErrNonCanonical: bits 47..63 of the virtual address disagree with
	// bit 47.
	ErrNonCanonical = errors.New("pagetables: non-canonical virtual address")

	// ErrNoMemory: no frame could be allocated for an intermediate table.
	ErrNoMemory = errors.New("pagetables: out of memory")

	// ErrBlockedByLargePage: a 1 GiB or 2 MiB leaf sits where a child table
	// was expected; large pages are never split.
	ErrBlockedByLargePage = errors.New("pagetables: blocked by large page")

	// ErrNotMapped: no translation exists for the virtual address.
	ErrNotMapped = errors.New("pagetables: not mapped")
)

// Mapping is a successful resolve: the physical address with the in-page
// offset applied, the leaf's access mode, and the leaf size.
type Mapping struct {
	Phys uint64
	Mode memarch.AccessMode
	Size uint64
}

// PageTables owns one top-level table and every intermediate table reached
// from it that it allocated. The enclosing Map's lock serializes mutations.
type PageTables struct {
	ap      *physmem.Aperture
	alloc   *physmem.Allocator
	machine *platform.Machine

	// rootPhysical is the top-level table's frame.
	rootPhysical uint64

	// hasParent limits teardown to the lower half; the upper half belongs
	// to the kernel tables.
	hasParent bool
}

// New allocates a top-level table. With a parent, every upper-half top-level
// slot is copied verbatim so kernel mappings are shared; the slots must never
// diverge afterwards, which holds because the kernel tables preallocate all
// of them before the first child copies (see PreallocateUpper).
func New(ap *physmem.Aperture, alloc *physmem.Allocator, machine *platform.Machine, parent *PageTables) (*PageTables, error) {
	p := &PageTables{ap: ap, alloc: alloc, machine: machine, hasParent: parent != nil}

	root, err := p.allocTable()
	if err != nil {
		return nil, err
	}
	p.rootPhysical = root

	if parent != nil {
		for i := upperBottomSlot; i < entriesPerPage; i++ {
			p.ap.WriteTable(root, i, p.ap.ReadTable(parent.rootPhysical, i))
		}
	}
	return p, nil
}

// Root returns the physical address of the top-level table.
func (p *PageTables) Root() uint64 {
	return p.rootPhysical
}

// allocTable grabs a frame for a paging structure and zeroes it through the
// aperture.
func (p *PageTables) allocTable() (uint64, error) {
	frame, err := p.alloc.AllocatePage()
	if err != nil {
		return 0, fmt.Errorf("%w: no frame for paging structure", ErrNoMemory)
	}
	p.ap.ZeroFrame(frame)
	return frame, nil
}

// InstallAperture builds the permanent physical aperture: enough top-level
// slots of 1 GiB leaves to span the aperture range, supervisor-only,
// writable, global, execute-disabled. This is the one place leaves are
// written without a backing map entry. Explicit init only; call once on the
// kernel tables.
func (p *PageTables) InstallAperture() error {
	span := uint64(memarch.PhysApertureEnd + 1 - memarch.PhysApertureStart)
	for i := uint64(0); i < span/pgdSize; i++ {
		pdpt, err := p.allocTable()
		if err != nil {
			return err
		}
		physBase := i * pgdSize
		for j := uint64(0); j < entriesPerPage; j++ {
			val := (physBase + j*pudSize) | present | writable | super | global
			if noExecuteEnabled {
				val |= noExec
			}
			p.ap.WriteTable(pdpt, int(j), val)
		}

		pml4e := (pdpt & physMask) | present | writable
		if noExecuteEnabled {
			pml4e |= noExec
		}
		slot := int((memarch.PhysApertureStart>>pgdShift)&indexMask + i)
		p.ap.WriteTable(p.rootPhysical, slot, pml4e)
	}
	log.Infof("pagetables: physical aperture installed, %d GiB", span>>30)
	return nil
}

// PreallocateUpper fills every still-empty upper-half top-level slot with an
// empty child table. Derived maps copy these slots at construction, so later
// kernel mappings appear in every map without top-level divergence.
func (p *PageTables) PreallocateUpper() error {
	for i := upperBottomSlot; i < entriesPerPage; i++ {
		if PTE(p.ap.ReadTable(p.rootPhysical, i)).Valid() {
			continue
		}
		pdpt, err := p.allocTable()
		if err != nil {
			return err
		}
		p.ap.WriteTable(p.rootPhysical, i, uint64(makeTable(pdpt, false)))
	}
	return nil
}

// indices splits a 48-bit virtual address into the four table indices.
func indices(virt memarch.Addr) (pgd, pud, pmd, pte int) {
	v := uint64(virt) & 0xFFFF_FFFF_FFFF
	return int(v >> pgdShift & indexMask),
		int(v >> pudShift & indexMask),
		int(v >> pmdShift & indexMask),
		int(v >> pteShift & indexMask)
}

// walkChild reads the descriptor at index of table, allocating a child table
// if absent. Returns the child's physical address.
func (p *PageTables) walkChild(table uint64, index int, userHalf bool, levelName string) (uint64, error) {
	entry := PTE(p.ap.ReadTable(table, index))
	if !entry.Valid() {
		child, err := p.allocTable()
		if err != nil {
			return 0, err
		}
		e := makeTable(child, userHalf)
		p.ap.WriteTable(table, index, uint64(e))
		// A present bit going 0 -> 1 needs no TLB action.
		if log.IsLogging(log.Debug) {
			log.Debugf("pagetables: allocated %s: %#016x", levelName, uint64(e))
		}
		return child, nil
	}
	if entry.Super() {
		return 0, fmt.Errorf("%w: %s level", ErrBlockedByLargePage, levelName)
	}
	return entry.Address(), nil
}

// MapPage installs a translation for one base page. Turning a clear entry
// present requires no TLB action; every other transition is the caller's to
// flush.
func (p *PageTables) MapPage(phys uint64, virt memarch.Addr, mode memarch.AccessMode) error {
	if !virt.IsCanonical() {
		return ErrNonCanonical
	}
	userHalf := !virt.IsKernel()

	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: map virt %#016x -> phys %#016x %s", uint64(virt), phys, mode)
	}

	pgdIdx, pudIdx, pmdIdx, pteIdx := indices(virt)

	pud, err := p.walkChild(p.rootPhysical, pgdIdx, userHalf, "PDPT")
	if err != nil {
		return err
	}
	pmd, err := p.walkChild(pud, pudIdx, userHalf, "PDT")
	if err != nil {
		return err
	}
	pt, err := p.walkChild(pmd, pmdIdx, userHalf, "PT")
	if err != nil {
		return err
	}

	p.ap.WriteTable(pt, pteIdx, uint64(makeLeaf(phys, mode)))
	return nil
}

// UnmapPage clears the leaf for one base page. Intermediate tables are not
// freed. The caller is responsible for TLB invalidation.
func (p *PageTables) UnmapPage(virt memarch.Addr) error {
	if !virt.IsCanonical() {
		return ErrNonCanonical
	}
	pgdIdx, pudIdx, pmdIdx, pteIdx := indices(virt)

	table := p.rootPhysical
	for _, idx := range []int{pgdIdx, pudIdx, pmdIdx} {
		entry := PTE(p.ap.ReadTable(table, idx))
		if !entry.Valid() {
			return ErrNotMapped
		}
		if entry.Super() {
			return ErrBlockedByLargePage
		}
		table = entry.Address()
	}

	leaf := PTE(p.ap.ReadTable(table, pteIdx))
	if !leaf.Valid() {
		return ErrNotMapped
	}
	p.ap.WriteTable(table, pteIdx, 0)
	return nil
}

// Resolve walks the tables the way the MMU would, decoding 1 GiB, 2 MiB and
// 4 KiB leaves. The returned physical address includes the in-page offset.
// ok is false for an unmapped address. A hit through the processor's active
// tables also fills its TLB, as a hardware walk would.
func (p *PageTables) Resolve(virt memarch.Addr) (Mapping, bool, error) {
	if !virt.IsCanonical() {
		return Mapping{}, false, ErrNonCanonical
	}
	pgdIdx, pudIdx, pmdIdx, pteIdx := indices(virt)

	pgde := PTE(p.ap.ReadTable(p.rootPhysical, pgdIdx))
	if !pgde.Valid() {
		return Mapping{}, false, nil
	}

	pude := PTE(p.ap.ReadTable(pgde.Address(), pudIdx))
	if !pude.Valid() {
		return Mapping{}, false, nil
	}
	if pude.Super() {
		return p.hit(virt, Mapping{
			Phys: pude.Address()&^(pudSize-1) + uint64(virt)&(pudSize-1),
			Mode: pude.Opts(),
			Size: pudSize,
		}), true, nil
	}

	pmde := PTE(p.ap.ReadTable(pude.Address(), pmdIdx))
	if !pmde.Valid() {
		return Mapping{}, false, nil
	}
	if pmde.Super() {
		return p.hit(virt, Mapping{
			Phys: pmde.Address()&^(pmdSize-1) + uint64(virt)&(pmdSize-1),
			Mode: pmde.Opts(),
			Size: pmdSize,
		}), true, nil
	}

	leaf := PTE(p.ap.ReadTable(pmde.Address(), pteIdx))
	if !leaf.Valid() {
		return Mapping{}, false, nil
	}
	return p.hit(virt, Mapping{
		Phys: leaf.Address() + uint64(virt.PageOffset()),
		Mode: leaf.Opts(),
		Size: pteSize,
	}), true, nil
}

// hit records the translation in the calling processor's TLB if these tables
// are the ones it has loaded.
func (p *PageTables) hit(virt memarch.Addr, m Mapping) Mapping {
	if p.machine != nil {
		if cpu := p.machine.Current(); cpu != nil && cpu.RootTable() == p.rootPhysical {
			cpu.TLBFill(virt, m.Phys&^(memarch.PageSize-1))
		}
	}
	return m
}

// Activate loads these tables into the given processor's translation-control
// register. No flush beyond what the load itself implies.
func (p *PageTables) Activate(cpu *platform.Processor) {
	cpu.LoadRootTable(p.rootPhysical)
}

// InvalidateTLB issues per-page invalidations on the calling processor for
// ceil(length/PageSize) base pages, starting at the page containing virt.
// Remote propagation is the map layer's
// concern. A purely protection-loosening change may be elided; the processor
// refetches lazily.
func (p *PageTables) InvalidateTLB(virt memarch.Addr, length uint64, hints memarch.TLBHint) {
	if hints.MayElideInvalidate() {
		return
	}
	cpu := p.machine.Current()
	pages := memarch.PagesSpanned(length)
	for i := uint64(0); i < pages; i++ {
		cpu.TLBInvalidatePage(virt.RoundDown() + memarch.Addr(i*memarch.PageSize))
	}
}

// Release walks the hierarchy and frees every table this instance allocated.
// With a parent, the upper half is shared kernel state and is skipped. Leaf
// frames are never freed here; they belong to map entries.
func (p *PageTables) Release() {
	limit := entriesPerPage
	if p.hasParent {
		limit = upperBottomSlot
	}
	for i := 0; i < limit; i++ {
		pgde := PTE(p.ap.ReadTable(p.rootPhysical, i))
		if !pgde.Valid() || pgde.Super() {
			continue
		}
		pud := pgde.Address()
		for j := 0; j < entriesPerPage; j++ {
			pude := PTE(p.ap.ReadTable(pud, j))
			if !pude.Valid() || pude.Super() {
				continue
			}
			pmd := pude.Address()
			for k := 0; k < entriesPerPage; k++ {
				pmde := PTE(p.ap.ReadTable(pmd, k))
				if pmde.Valid() && !pmde.Super() {
					p.alloc.FreePages([]uint64{pmde.Address()})
				}
			}
			p.alloc.FreePages([]uint64{pmd})
		}
		p.alloc.FreePages([]uint64{pud})
	}
	p.alloc.FreePages([]uint64{p.rootPhysical})
	p.rootPhysical = 0
}
