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

	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

const (
	// GuardPages is the number of never-mapped pages after each virtual
	// allocation; overruns trap instead of corrupting the next allocation.
	GuardPages = 1

	// maxVAllocPages bounds a single virtual allocation.
	maxVAllocPages = 512
)

// vallocCursor is the kernel virtual page allocator. It is a cursor, not a
// free list: freed virtual addresses are never reissued, only the physical
// frames return to the pool. Growing this into a free list must not change
// the public surface.
type vallocCursor struct {
	mgr *Manager

	mu sync.Mutex

	// cursor is the next virtual address to hand out.
	cursor memarch.Addr

	// pagesAllocated counts live backed pages.
	pagesAllocated uint64
}

func newVallocCursor(mgr *Manager) *vallocCursor {
	return &vallocCursor{mgr: mgr, cursor: memarch.VAllocStart}
}

// VAlloc returns a page-aligned, virtually contiguous kernel region of at
// least length bytes, backed by fresh physical frames and mapped KernelRW in
// the kernel map. Lengths round up to a page multiple.
func (m *Manager) VAlloc(length uint64) (memarch.Addr, error) {
	return m.valloc.alloc(length)
}

// VFree releases a region previously returned by VAlloc. The length must
// match the allocation.
func (m *Manager) VFree(ptr memarch.Addr, length uint64) {
	m.valloc.free(ptr, length)
}

// VAllocPagesLive returns the number of currently backed pages.
func (m *Manager) VAllocPagesLive() uint64 {
	m.valloc.mu.Lock()
	defer m.valloc.mu.Unlock()
	return m.valloc.pagesAllocated
}

func (v *vallocCursor) alloc(length uint64) (memarch.Addr, error) {
	if length == 0 {
		return 0, ErrInvalidArgument
	}
	pages := memarch.PagesSpanned(length)
	if pages > maxVAllocPages {
		return 0, ErrInvalidArgument
	}

	km := v.mgr.KernelMap()
	if km == nil {
		panic("vm: valloc before the kernel map exists")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	reserve := (pages + GuardPages) * memarch.PageSize
	end := v.cursor + memarch.Addr(reserve)
	if end >= memarch.VAllocEnd || end <= v.cursor {
		panic(fmt.Sprintf("vm: valloc range exhausted: cursor %#x, request %#x",
			uint64(v.cursor), reserve))
	}

	frames := make([]uint64, pages)
	if n := v.mgr.phys.AllocatePages(frames); n != int(pages) {
		v.mgr.phys.FreePages(frames[:n])
		return 0, ErrNoMemory
	}

	start := v.cursor
	for i := uint64(0); i < pages; i++ {
		virt := start + memarch.Addr(i*memarch.PageSize)
		if err := km.pt.MapPage(frames[i], virt, memarch.KernelRW); err != nil {
			panic(fmt.Sprintf("vm: failed to map valloc page at %#x: %v", uint64(virt), err))
		}
	}

	v.cursor = end
	v.pagesAllocated += pages
	log.Debugf("vm: valloc %#x (%d pages, cursor %#x)", uint64(start), pages, uint64(v.cursor))
	return start, nil
}

func (v *vallocCursor) free(ptr memarch.Addr, length uint64) {
	if ptr == 0 || length == 0 {
		panic("vm: vfree with nil pointer or zero length")
	}
	if !ptr.IsPageAligned() {
		panic(fmt.Sprintf("vm: vfree of unaligned pointer %#x", uint64(ptr)))
	}

	km := v.mgr.KernelMap()
	pages := memarch.PagesSpanned(length)

	v.mu.Lock()
	defer v.mu.Unlock()

	// Collect the backing frames before unmapping; a hole mid-range means
	// the pointer or length is garbage.
	frames := make([]uint64, pages)
	for i := uint64(0); i < pages; i++ {
		virt := ptr + memarch.Addr(i*memarch.PageSize)
		mapping, ok, err := km.pt.Resolve(virt)
		if err != nil || !ok {
			panic(fmt.Sprintf("vm: vfree of unmapped page %#x", uint64(virt)))
		}
		frames[i] = mapping.Phys &^ (memarch.PageSize - 1)
	}

	for i := uint64(0); i < pages; i++ {
		virt := ptr + memarch.Addr(i*memarch.PageSize)
		if err := km.pt.UnmapPage(virt); err != nil {
			panic(fmt.Sprintf("vm: vfree failed to unmap %#x: %v", uint64(virt), err))
		}
	}

	if err := km.InvalidateTLB(ptr, pages*memarch.PageSize,
		memarch.TLBInvalidateAll|memarch.TLBUnmapped); err != nil {
		panic(fmt.Sprintf("vm: vfree failed to invalidate TLBs: %v", err))
	}

	v.mgr.phys.FreePages(frames)
	v.pagesAllocated -= pages
	log.Debugf("vm: vfree %#x (%d pages)", uint64(ptr), pages)
}

// handleFault: any fault in the valloc range is a guard-page touch or a
// stale pointer. Fatal either way.
func (v *vallocCursor) handleFault(state *platform.ProcessorState, addr memarch.Addr, access memarch.FaultAccess) {
	panic(fmt.Sprintf("vm: fault in valloc region at %#x (%s)\n%s",
		uint64(addr), access, state.Backtrace()))
}
