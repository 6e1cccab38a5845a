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

// Package vm is the virtual memory core: address-space maps composed of
// typed entries, the kernel virtual page allocator, slab zones for the VM's
// own objects, page-fault dispatch, and the multi-processor TLB shootdown
// protocol.
package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/pagetables"
	"github.com/tristanseifert/kush-os-rewrite/pkg/physmem"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

// Manager owns the VM core's shared state: the machine, the physical
// allocator and aperture, the kernel map registration, the virtual page
// allocator, the object zones, and fault dispatch.
type Manager struct {
	machine *platform.Machine
	phys    *physmem.Allocator
	ap      *physmem.Aperture

	// kernelMap is the first map constructed; parent of every later map.
	kernelMap atomic.Pointer[Map]

	valloc *vallocCursor

	// queues is the per-processor shootdown work, indexed by CPU ID.
	queues []*shootdownQueue

	// Object zones; usable only once the kernel map and valloc are live.
	mapZone        *Zone[Map]
	physRegionZone *Zone[ContiguousPhysRegion]
	anonZone       *Zone[AnonymousRegion]

	// taskFault receives user-mode faults nothing in the kernel handled.
	// The default logs and stands in for task termination.
	taskFault func(state *platform.ProcessorState, addr memarch.Addr, access memarch.FaultAccess)
}

// NewManager wires a VM manager to the machine, physical allocator and
// aperture. The shootdown doorbell handlers are installed on every
// processor.
func NewManager(machine *platform.Machine, phys *physmem.Allocator, ap *physmem.Aperture) *Manager {
	m := &Manager{machine: machine, phys: phys, ap: ap}
	m.valloc = newVallocCursor(m)
	m.mapZone = NewZone[Map](m, "Map")
	m.physRegionZone = NewZone[ContiguousPhysRegion](m, "ContiguousPhysRegion")
	m.anonZone = NewZone[AnonymousRegion](m, "AnonymousRegion")

	for i := 0; i < machine.NumCPUs(); i++ {
		m.queues = append(m.queues, &shootdownQueue{})
		machine.CPU(i).SetIPIHandler(m.handleShootdownIPI)
	}

	m.taskFault = func(state *platform.ProcessorState, addr memarch.Addr, access memarch.FaultAccess) {
		// Task termination lives above the VM core; nothing to do here but
		// report.
		log.Warningf("vm: unhandled user fault at %#x (%s), pc %#x; terminating task",
			uint64(addr), access, state.PC)
	}
	return m
}

// shared is the process-wide manager installed by Init.
var shared atomic.Pointer[Manager]

// Init constructs the global VM manager. Must be called exactly once, before
// any other VM call goes through Shared.
func Init(machine *platform.Machine, phys *physmem.Allocator, ap *physmem.Aperture) *Manager {
	m := NewManager(machine, phys, ap)
	if !shared.CompareAndSwap(nil, m) {
		panic("vm: cannot re-initialize VM manager")
	}
	return m
}

// Shared returns the global VM manager.
func Shared() *Manager {
	m := shared.Load()
	if m == nil {
		panic("vm: manager not initialized")
	}
	return m
}

// Machine returns the platform machine.
func (m *Manager) Machine() *platform.Machine {
	return m.machine
}

// PhysAllocator returns the physical page allocator.
func (m *Manager) PhysAllocator() *physmem.Allocator {
	return m.phys
}

// Aperture returns the physical aperture.
func (m *Manager) Aperture() *physmem.Aperture {
	return m.ap
}

// KernelMap returns the kernel's map, or nil before the first map exists.
func (m *Manager) KernelMap() *Map {
	return m.kernelMap.Load()
}

func (m *Manager) registerKernelMap(km *Map) {
	if !m.kernelMap.CompareAndSwap(nil, km) {
		panic("vm: kernel map already registered")
	}
	log.Infof("vm: kernel map registered")
}

// CurrentMap returns the map installed on the calling processor, if any.
func (m *Manager) CurrentMap() *Map {
	if mp, ok := m.machine.Current().KernelData().Map.(*Map); ok {
		return mp
	}
	return nil
}

// SetTaskFaultHandler replaces the stub that receives unhandled user faults.
func (m *Manager) SetTaskFaultHandler(fn func(state *platform.ProcessorState, addr memarch.Addr, access memarch.FaultAccess)) {
	m.taskFault = fn
}

// Object allocation for the VM's own types: zones once the kernel map (and
// with it the page allocator) is live, plain storage during early bring-up.
// The zones themselves stay unusable until valloc is.

func (m *Manager) allocMap() (*Map, bool) {
	if m.KernelMap() != nil {
		mp, err := m.mapZone.Alloc()
		if err == nil {
			return mp, true
		}
	}
	return new(Map), false
}

func (m *Manager) allocPhysRegion() (*ContiguousPhysRegion, bool) {
	if m.KernelMap() != nil {
		e, err := m.physRegionZone.Alloc()
		if err == nil {
			return e, true
		}
	}
	return new(ContiguousPhysRegion), false
}

func (m *Manager) allocAnonRegion() (*AnonymousRegion, bool) {
	if m.KernelMap() != nil {
		e, err := m.anonZone.Alloc()
		if err == nil {
			return e, true
		}
	}
	return new(AnonymousRegion), false
}

// HandleFault is the page-fault dispatcher: classify the address, give the
// virtual page allocator first refusal over its range, then the current
// map's entries. An unhandled fault from kernel code panics with the decoded
// fault and a backtrace; an unhandled user fault goes to the task handler.
func (m *Manager) HandleFault(state *platform.ProcessorState, addr memarch.Addr) {
	access := pagetables.DecodeFault(state)

	if addr >= memarch.VAllocStart && addr <= memarch.VAllocEnd {
		m.valloc.handleFault(state, addr, access)
		return
	}

	if cur := m.CurrentMap(); cur != nil {
		res, err := cur.HandleFault(state, addr, access)
		if err == nil && res == FaultHandled {
			return
		}
		if err != nil {
			log.Warningf("vm: fault handler error at %#x: %v", uint64(addr), err)
		}
	}

	if state.PC >= memarch.KernelBoundary {
		panic(fmt.Sprintf("vm: unhandled kernel page fault at %#x (%s)\n%s",
			uint64(addr), access, state.Backtrace()))
	}
	m.taskFault(state, addr, access)
}
