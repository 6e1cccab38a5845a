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

// Package platform models the machine the VM core runs on: processors with
// per-CPU kernel data, a translation-control register, a TLB, and an IPI
// doorbell. The VM layer treats this package the way kernel code treats the
// architecture shim; tests use its instrumentation hooks to observe TLB
// traffic.
package platform

import (
	"sync"
	"sync/atomic"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

// AddressSpace is the per-CPU locals' view of the active map. The VM layer's
// Map implements it; keeping the interface here avoids a dependency cycle.
type AddressSpace interface {
	// Deactivated is invoked on the previously active space right before
	// another space takes over the processor.
	Deactivated(cpu *Processor)
}

// KernelData is the per-processor kernel block reachable from locals. The
// Map field is the processor's current address space.
type KernelData struct {
	Map AddressSpace
}

// Processor is one logical CPU.
type Processor struct {
	id      int
	machine *Machine

	// kernelData is this processor's locals block.
	kernelData KernelData

	// rootTable is the physical address loaded in the translation-control
	// register.
	rootTable atomic.Uint64

	tlbMu sync.Mutex
	// tlb caches page translations: virtual page -> physical page.
	tlb map[uint64]uint64

	// invalidations and flushes count TLB maintenance operations.
	invalidations atomic.Uint64
	flushes       atomic.Uint64

	// invalidateHook, if set, observes every per-page invalidation. Test
	// instrumentation only.
	invalidateHook func(virt memarch.Addr)

	// ipiHandler runs when another processor rings this one's doorbell.
	ipiHandler atomic.Pointer[func(*Processor)]

	// ipisReceived counts doorbell rings.
	ipisReceived atomic.Uint64
}

// ID returns the processor number.
func (p *Processor) ID() int {
	return p.id
}

// KernelData returns the processor's locals block.
func (p *Processor) KernelData() *KernelData {
	return &p.kernelData
}

// LoadRootTable loads the given top-level table into the processor's
// translation-control register. The activation itself flushes non-global
// entries, which the model expresses as a full TLB flush.
func (p *Processor) LoadRootTable(phys uint64) {
	p.rootTable.Store(phys)
	p.TLBFlush()
}

// RootTable returns the physical address of the active top-level table.
func (p *Processor) RootTable() uint64 {
	return p.rootTable.Load()
}

// TLBFill caches a page translation, as the MMU would after a walk.
func (p *Processor) TLBFill(virt memarch.Addr, physPage uint64) {
	p.tlbMu.Lock()
	defer p.tlbMu.Unlock()
	p.tlb[uint64(virt.RoundDown())] = physPage
}

// TLBLookup returns the cached translation for the page containing virt.
func (p *Processor) TLBLookup(virt memarch.Addr) (uint64, bool) {
	p.tlbMu.Lock()
	defer p.tlbMu.Unlock()
	phys, ok := p.tlb[uint64(virt.RoundDown())]
	return phys, ok
}

// TLBInvalidatePage drops the cached translation for the page containing
// virt; the invlpg equivalent.
func (p *Processor) TLBInvalidatePage(virt memarch.Addr) {
	p.tlbMu.Lock()
	delete(p.tlb, uint64(virt.RoundDown()))
	hook := p.invalidateHook
	p.tlbMu.Unlock()

	p.invalidations.Add(1)
	if hook != nil {
		hook(virt.RoundDown())
	}
}

// TLBFlush drops every cached translation.
func (p *Processor) TLBFlush() {
	p.tlbMu.Lock()
	p.tlb = make(map[uint64]uint64)
	p.tlbMu.Unlock()
	p.flushes.Add(1)
}

// TLBSize returns the number of cached translations.
func (p *Processor) TLBSize() int {
	p.tlbMu.Lock()
	defer p.tlbMu.Unlock()
	return len(p.tlb)
}

// Invalidations returns the per-page invalidation count.
func (p *Processor) Invalidations() uint64 {
	return p.invalidations.Load()
}

// IPIsReceived returns the doorbell count.
func (p *Processor) IPIsReceived() uint64 {
	return p.ipisReceived.Load()
}

// SetInvalidateHook installs the test instrumentation hook observing
// per-page invalidations.
func (p *Processor) SetInvalidateHook(hook func(virt memarch.Addr)) {
	p.tlbMu.Lock()
	defer p.tlbMu.Unlock()
	p.invalidateHook = hook
}

// SetIPIHandler installs the function run when this processor receives an
// IPI.
func (p *Processor) SetIPIHandler(handler func(*Processor)) {
	p.ipiHandler.Store(&handler)
}
