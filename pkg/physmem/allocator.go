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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tristanseifert/kush-os-rewrite/pkg/bitmap"
	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

const (
	// legacyDMABoundary: memory below this is reserved for legacy DMA and
	// excluded from general allocation.
	legacyDMABoundary = 16 << 20

	// minRegionSize: regions shorter than this are dropped outright.
	minRegionSize = 64 << 10
)

// Allocation errors.
var (
	// ErrNoMemory indicates the allocator has no free frames.
	ErrNoMemory = errors.New("physmem: out of memory")

	// ErrInvalidArgument indicates a misaligned or overlapping region.
	ErrInvalidArgument = errors.New("physmem: invalid argument")
)

// region is one contiguous span of usable physical memory.
type region struct {
	base   uint64
	length uint64

	// frames has one bit per frame; set means free.
	frames bitmap.Bitmap
}

func (r *region) contains(frame uint64) bool {
	return frame >= r.base && frame < r.base+r.length
}

// Allocator hands out physical page frames from the regions the bootloader
// reported usable. All public operations take the allocator lock.
type Allocator struct {
	mu sync.Mutex

	// pageSizes is the set of frame sizes advertised; index 0 is the base
	// page size, the rest are optional larger sizes.
	pageSizes []uint64

	// regions is sorted by base address.
	regions []*region

	// totalPages counts every frame under management.
	totalPages uint64

	// freePages counts frames currently available.
	freePages uint64

	// remapped is set once RemapTo has run.
	remapped bool
}

// NewAllocator constructs an allocator advertising the given page sizes. The
// base page size must be the architecture's translation granule; extra sizes
// must be multiples of it.
func NewAllocator(basePageSize uint64, extraPageSizes ...uint64) *Allocator {
	if basePageSize != memarch.PageSize {
		panic(fmt.Sprintf("physmem: base page size %d does not match the translation granule", basePageSize))
	}
	sizes := append([]uint64{basePageSize}, extraPageSizes...)
	for _, sz := range sizes[1:] {
		if sz%basePageSize != 0 {
			panic(fmt.Sprintf("physmem: extra page size %d is not a page multiple", sz))
		}
	}
	return &Allocator{pageSizes: sizes}
}

// PageSizes returns the advertised frame sizes.
func (a *Allocator) PageSizes() []uint64 {
	return a.pageSizes
}

// AddRegion registers a physical memory region. base and length must be page
// aligned and the region may not overlap one already registered. The portion
// below the legacy DMA boundary is withheld from general allocation, and
// regions shorter than the minimum after that are dropped.
func (a *Allocator) AddRegion(base, length uint64) error {
	if !memarch.Addr(base).IsPageAligned() || !memarch.Addr(length).IsPageAligned() || length == 0 {
		return fmt.Errorf("%w: region %#x+%#x is not page aligned", ErrInvalidArgument, base, length)
	}

	// Withhold the legacy DMA window.
	if base < legacyDMABoundary {
		if base+length <= legacyDMABoundary {
			log.Debugf("physmem: dropping legacy DMA region %#x+%#x", base, length)
			return nil
		}
		length -= legacyDMABoundary - base
		base = legacyDMABoundary
	}
	if length < minRegionSize {
		log.Debugf("physmem: dropping short region %#x+%#x", base, length)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if base < r.base+r.length && r.base < base+length {
			return fmt.Errorf("%w: region %#x+%#x overlaps %#x+%#x", ErrInvalidArgument,
				base, length, r.base, r.length)
		}
	}

	nframes := uint32(length / memarch.PageSize)
	r := &region{base: base, length: length, frames: bitmap.New(nframes)}
	r.frames.SetRange(0, nframes)

	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].base < a.regions[j].base })

	a.totalPages += uint64(nframes)
	a.freePages += uint64(nframes)
	log.Infof("physmem: added region %#x+%#x (%d frames)", base, length, nframes)
	return nil
}

// AllocatePage allocates a single base-size frame.
func (a *Allocator) AllocatePage() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked()
}

func (a *Allocator) allocateLocked() (uint64, error) {
	for _, r := range a.regions {
		if bit := r.frames.FirstOne(0); bit != bitmap.NotFound {
			r.frames.Clear(bit)
			a.freePages--
			return r.base + uint64(bit)*memarch.PageSize, nil
		}
	}
	return 0, ErrNoMemory
}

// AllocatePages fills out with frames and returns how many were actually
// allocated, anywhere in [0, len(out)]. On a partial return the caller is
// responsible for freeing what it got.
func (a *Allocator) AllocatePages(out []uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range out {
		frame, err := a.allocateLocked()
		if err != nil {
			return i
		}
		out[i] = frame
	}
	return len(out)
}

// FreePages returns frames to the allocator. Each must have come from an
// earlier allocation and not been freed since; a double free or a frame from
// no registered region is fatal.
func (a *Allocator) FreePages(frames []uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, frame := range frames {
		if !memarch.Addr(frame).IsPageAligned() {
			panic(fmt.Sprintf("physmem: free of unaligned frame %#x", frame))
		}
		r := a.regionFor(frame)
		if r == nil {
			panic(fmt.Sprintf("physmem: free of foreign frame %#x", frame))
		}
		bit := uint32((frame - r.base) / memarch.PageSize)
		if r.frames.IsSet(bit) {
			panic(fmt.Sprintf("physmem: double free of frame %#x", frame))
		}
		r.frames.Set(bit)
		a.freePages++
	}
	return len(frames)
}

func (a *Allocator) regionFor(frame uint64) *region {
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].base+a.regions[i].length > frame
	})
	if i < len(a.regions) && a.regions[i].contains(frame) {
		return a.regions[i]
	}
	return nil
}

// TotalPages returns the number of frames under management.
func (a *Allocator) TotalPages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPages
}

// FreePageCount returns the number of frames currently available.
func (a *Allocator) FreePageCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePages
}

// RangeResolver reports whether a virtual range resolves in some address
// space; the kernel map implements it.
type RangeResolver interface {
	Covers(virt memarch.Addr, length uint64) bool
}

// RemapTo switches the allocator's bookkeeping accesses from the bootloader
// direct map to the permanent aperture of the given kernel map. Called
// exactly once, after the kernel map is built and active.
func (a *Allocator) RemapTo(kernelMap RangeResolver, ap *Aperture) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remapped {
		panic("physmem: allocator already remapped")
	}
	// The aperture must actually be reachable before the direct map goes
	// away; probe its first and last page.
	if !kernelMap.Covers(memarch.PhysApertureStart, memarch.PageSize) ||
		!kernelMap.Covers(memarch.PhysApertureEnd+1-memarch.PageSize, memarch.PageSize) {
		panic("physmem: kernel map does not cover the physical aperture")
	}
	ap.LeaveEarlyBoot()
	a.remapped = true
	log.Infof("physmem: bookkeeping remapped through permanent aperture")
}
