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
	"unsafe"

	"github.com/tristanseifert/kush-os-rewrite/pkg/bitmap"
	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

const (
	// zoneMagic seeds each region's canary; the stored value is XORed with
	// the region's own address.
	zoneMagic uint64 = 0xf849a50c9e0f8139

	// zoneRegionSize is how much address space one region charges to the
	// virtual page allocator.
	zoneRegionSize = 4 * memarch.PageSize
)

// zoneRegion is one fixed-size slab of slots plus its bookkeeping: a bitmap
// where a set bit means free, and a self-XORed magic canary.
type zoneRegion[T any] struct {
	next *zoneRegion[T]

	// slots is the object storage; kernel address-space accounting for it
	// lives at va.
	slots []T

	// free has one bit per slot; set means available.
	free bitmap.Bitmap

	// magic is zoneMagic ^ the region's own address.
	magic uint64

	// va is the virtual range charged to the page allocator.
	va memarch.Addr
}

func (r *zoneRegion[T]) selfAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(r)))
}

func (r *zoneRegion[T]) checkMagic(name string) {
	if r.magic^r.selfAddr() != zoneMagic {
		panic(fmt.Sprintf("vm: zone %q region %p magic mismatch", name, r))
	}
}

// contains reports whether ptr points into this region's slot storage.
func (r *zoneRegion[T]) contains(ptr *T) bool {
	if len(r.slots) == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(ptr))
	base := uintptr(unsafe.Pointer(&r.slots[0]))
	size := unsafe.Sizeof(r.slots[0])
	return addr >= base && addr < base+size*uintptr(len(r.slots)) &&
		(addr-base)%size == 0
}

func (r *zoneRegion[T]) indexFor(ptr *T) uint32 {
	base := uintptr(unsafe.Pointer(&r.slots[0]))
	size := unsafe.Sizeof(r.slots[0])
	return uint32((uintptr(unsafe.Pointer(ptr)) - base) / size)
}

// Zone dispenses fixed-size objects of one type from slab regions whose
// address space comes from the virtual page allocator; it is therefore not
// usable until the page allocator is. Regions are never given back.
type Zone[T any] struct {
	name string
	mgr  *Manager

	mu sync.Mutex

	// start and last delimit the region list.
	start *zoneRegion[T]
	last  *zoneRegion[T]

	// freeRegion is the region that most recently had a slot freed or
	// allocated, tried first on allocation.
	freeRegion *zoneRegion[T]
}

// NewZone creates a zone for T, drawing regions through the given manager's
// virtual page allocator.
func NewZone[T any](mgr *Manager, name string) *Zone[T] {
	return &Zone[T]{name: name, mgr: mgr}
}

// slotsPerRegion is how many T fit a region after the header's share.
func (z *Zone[T]) slotsPerRegion() int {
	var t T
	n := int((zoneRegionSize - 128) / unsafe.Sizeof(t))
	if n < 1 {
		panic(fmt.Sprintf("vm: zone %q element too large for region", z.name))
	}
	if n > 64*6 {
		// Bound the per-region bitmap to six words.
		n = 64 * 6
	}
	return n
}

// Alloc returns a zero-initialized slot.
func (z *Zone[T]) Alloc() (*T, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if r := z.freeRegion; r != nil && !r.free.IsEmpty() {
		return z.allocFromLocked(r), nil
	}
	for r := z.start; r != nil; r = r.next {
		if !r.free.IsEmpty() {
			return z.allocFromLocked(r), nil
		}
	}

	r, err := z.growLocked()
	if err != nil {
		return nil, err
	}
	return z.allocFromLocked(r), nil
}

func (z *Zone[T]) allocFromLocked(r *zoneRegion[T]) *T {
	r.checkMagic(z.name)
	bit := r.free.FirstOne(0)
	if bit == bitmap.NotFound {
		panic(fmt.Sprintf("vm: zone %q region %p has no free slot", z.name, r))
	}
	r.free.Clear(bit)
	z.freeRegion = r

	slot := &r.slots[bit]
	var zero T
	*slot = zero
	return slot
}

// growLocked charges the page allocator for a new region and threads it onto
// the list.
func (z *Zone[T]) growLocked() (*zoneRegion[T], error) {
	va, err := z.mgr.VAlloc(zoneRegionSize)
	if err != nil {
		return nil, err
	}

	n := z.slotsPerRegion()
	r := &zoneRegion[T]{
		slots: make([]T, n),
		free:  bitmap.New(uint32(n)),
		va:    va,
	}
	r.free.SetRange(0, uint32(n))
	r.magic = zoneMagic ^ r.selfAddr()

	if z.start == nil {
		z.start = r
	}
	if z.last != nil {
		z.last.next = r
	}
	z.last = r
	log.Debugf("vm: zone %q grew to region %p (%d slots)", z.name, r, n)
	return r, nil
}

// Free returns a slot to its region. Freeing a pointer from a foreign
// region, or a slot that is already free, is fatal.
func (z *Zone[T]) Free(ptr *T) {
	z.mu.Lock()
	defer z.mu.Unlock()

	for r := z.start; r != nil; r = r.next {
		if !r.contains(ptr) {
			continue
		}
		r.checkMagic(z.name)
		bit := r.indexFor(ptr)
		if r.free.IsSet(bit) {
			panic(fmt.Sprintf("vm: zone %q double free of %p", z.name, ptr))
		}
		r.free.Set(bit)
		z.freeRegion = r
		return
	}
	panic(fmt.Sprintf("vm: object %p not in zone %q", ptr, z.name))
}
