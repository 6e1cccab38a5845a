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
	"errors"
	"fmt"
	"sync"

	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/pagetables"
)

// anonPage records one faulted-in page: its page offset into the region and
// the frame backing it.
type anonPage struct {
	pageOff uint64
	frame   uint64
}

// anonPlacement records one map the region is placed in, so faults can find
// their virtual base and resize can coordinate.
type anonPlacement struct {
	m    *Map
	base memarch.Addr
}

// AnonymousRegion is demand-paged anonymous memory: frames appear on first
// touch, zero-filled. The region owns its frames no matter how many maps
// place it, and returns every one to the physical allocator when the last
// reference drops.
type AnonymousRegion struct {
	entryCommon

	mgr *Manager

	// mu guards pages, placements and length against concurrent faults and
	// resizes.
	mu sync.Mutex

	// pages is every (page offset, frame) pair faulted in so far.
	pages []anonPage

	// placements is every (map, base) this region is currently placed at.
	placements []anonPlacement

	zoned bool
}

// NewAnonymousRegion creates a demand-paged region of the given length. No
// frames are allocated until the first fault.
func (m *Manager) NewAnonymousRegion(length uint64, mode memarch.AccessMode) (*AnonymousRegion, error) {
	if err := checkEntryArgs(length, mode); err != nil {
		return nil, err
	}
	e, zoned := m.allocAnonRegion()
	e.mgr = m
	e.zoned = zoned
	e.length = length
	e.mode = mode
	e.refCount.init()
	return e, nil
}

// ResidentPages returns how many pages have been faulted in.
func (e *AnonymousRegion) ResidentPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pages)
}

// DecRef implements Entry.DecRef. The last reference returns every owned
// frame to the physical allocator.
func (e *AnonymousRegion) DecRef() {
	if !e.decRef() {
		return
	}
	e.mu.Lock()
	frames := make([]uint64, 0, len(e.pages))
	for _, pg := range e.pages {
		frames = append(frames, pg.frame)
	}
	e.pages = nil
	e.mu.Unlock()

	if len(frames) > 0 {
		e.mgr.phys.FreePages(frames)
	}
	if e.zoned {
		e.mgr.anonZone.Free(e)
	}
}

// addedTo implements Entry.addedTo: install PTEs for the frames already
// faulted in. A fresh region installs nothing.
func (e *AnonymousRegion) addedTo(base memarch.Addr, m *Map, pt *pagetables.PageTables) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pg := range e.pages {
		virt := base + memarch.Addr(pg.pageOff*memarch.PageSize)
		if err := pt.MapPage(pg.frame, virt, e.mode); err != nil {
			panic(fmt.Sprintf("vm: failed to map anon page at %#x: %v", uint64(virt), err))
		}
	}
	e.placements = append(e.placements, anonPlacement{m: m, base: base})
}

// willRemoveFrom implements Entry.willRemoveFrom: tear out the PTEs of
// resident pages and forget the placement.
func (e *AnonymousRegion) willRemoveFrom(base memarch.Addr, length uint64, m *Map, pt *pagetables.PageTables) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pg := range e.pages {
		virt := base + memarch.Addr(pg.pageOff*memarch.PageSize)
		// A page resident in the region may still be absent from this map:
		// faults populate each map lazily.
		if err := pt.UnmapPage(virt); err != nil && !errors.Is(err, pagetables.ErrNotMapped) {
			panic(fmt.Sprintf("vm: failed to unmap anon page at %#x: %v", uint64(virt), err))
		}
	}
	for i, pl := range e.placements {
		if pl.m == m && pl.base == base {
			e.placements = append(e.placements[:i], e.placements[i+1:]...)
			break
		}
	}
}

// fault implements Entry.fault: on a not-present access the mode permits,
// allocate a frame, zero it through the aperture, record it, and install the
// PTE in the faulting map. Anything else is declined.
func (e *AnonymousRegion) fault(m *Map, offset uint64, access memarch.FaultAccess) (FaultResult, error) {
	if !access.Any(memarch.FaultPageNotPresent) {
		return FaultNotHandled, nil
	}
	if !e.mode.Permits(access) {
		return FaultNotHandled, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base, ok := e.baseInLocked(m)
	if !ok {
		return FaultNotHandled, fmt.Errorf("vm: anon region faulted through a map it is not placed in")
	}

	pageOff := offset / memarch.PageSize
	for _, pg := range e.pages {
		if pg.pageOff == pageOff {
			// The frame already exists: another processor, or another map
			// holding this region, faulted it in first. Install the PTE
			// for the faulting map; if it was the same map, this rewrites
			// an identical leaf.
			virt := base + memarch.Addr(pageOff*memarch.PageSize)
			if err := m.pt.MapPage(pg.frame, virt, e.mode); err != nil {
				panic(fmt.Sprintf("vm: failed to install shared anon page at %#x: %v", uint64(virt), err))
			}
			return FaultHandled, nil
		}
	}

	frame, err := e.mgr.phys.AllocatePage()
	if err != nil {
		return FaultNotHandled, fmt.Errorf("%w: anon fault-in", ErrNoMemory)
	}
	e.mgr.ap.ZeroFrame(frame)
	e.pages = append(e.pages, anonPage{pageOff: pageOff, frame: frame})

	virt := base + memarch.Addr(pageOff*memarch.PageSize)
	if err := m.pt.MapPage(frame, virt, e.mode); err != nil {
		panic(fmt.Sprintf("vm: failed to install faulted anon page at %#x: %v", uint64(virt), err))
	}
	log.Debugf("vm: anon fault-in page %d -> frame %#x", pageOff, frame)
	return FaultHandled, nil
}

func (e *AnonymousRegion) baseInLocked(m *Map) (memarch.Addr, bool) {
	for _, pl := range e.placements {
		if pl.m == m {
			return pl.base, true
		}
	}
	return 0, false
}

// Resize changes the region's length. Shrinking frees the frames past the
// cutoff and unmaps them from every holding map; growing is permitted only
// if no holding map would overlap a neighboring placement at the new size.
func (e *AnonymousRegion) Resize(newLength uint64) error {
	if newLength == 0 || !memarch.Addr(newLength).IsPageAligned() {
		return ErrInvalidArgument
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case newLength == e.length:
		return nil

	case newLength < e.length:
		oldLength := e.length
		endPage := newLength / memarch.PageSize
		var keep []anonPage
		var drop []uint64
		for _, pg := range e.pages {
			if pg.pageOff >= endPage {
				drop = append(drop, pg.frame)
				for _, pl := range e.placements {
					virt := pl.base + memarch.Addr(pg.pageOff*memarch.PageSize)
					if err := pl.m.pt.UnmapPage(virt); err != nil && !errors.Is(err, pagetables.ErrNotMapped) {
						panic(fmt.Sprintf("vm: failed to unmap shrunk anon page at %#x: %v", uint64(virt), err))
					}
				}
			} else {
				keep = append(keep, pg)
			}
		}
		e.pages = keep
		e.length = newLength

		for _, pl := range e.placements {
			cut := pl.base + memarch.Addr(newLength)
			if err := pl.m.InvalidateTLB(cut, oldLength-newLength,
				memarch.TLBInvalidateAll|memarch.TLBUnmapped); err != nil {
				return err
			}
			pl.m.resizePlacement(e, pl.base, newLength)
		}
		if len(drop) > 0 {
			e.mgr.phys.FreePages(drop)
		}
		return nil

	default: // grow
		for _, pl := range e.placements {
			if !pl.m.canResize(pl.base, e.length, newLength) {
				return ErrOverlap
			}
		}
		e.length = newLength
		for _, pl := range e.placements {
			pl.m.resizePlacement(e, pl.base, newLength)
		}
		return nil
	}
}
