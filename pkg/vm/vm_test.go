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
	"testing"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/physmem"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

// testSystem is a brought-up VM core on a private machine: the kernel map
// exists, is active on CPU 0, and the allocator runs through the permanent
// aperture.
type testSystem struct {
	machine *platform.Machine
	mem     *physmem.Memory
	ap      *physmem.Aperture
	phys    *physmem.Allocator
	mgr     *Manager
	kernel  *Map
}

func newTestSystem(t *testing.T, ncpus int) *testSystem {
	t.Helper()

	s := &testSystem{
		machine: platform.NewMachine(ncpus),
		mem:     physmem.NewMemory(),
	}
	s.ap = physmem.NewAperture(s.mem)
	s.phys = physmem.NewAllocator(memarch.PageSize, memarch.HugePageSize, memarch.SuperPageSize)
	for _, r := range []struct{ base, length uint64 }{
		{0x1000000, 0xF000000},
		{0x20000000, 0x40000000},
	} {
		if err := s.phys.AddRegion(r.base, r.length); err != nil {
			t.Fatalf("AddRegion(%#x, %#x): %v", r.base, r.length, err)
		}
	}

	s.mgr = NewManager(s.machine, s.phys, s.ap)

	km, err := s.mgr.NewMap(nil)
	if err != nil {
		t.Fatalf("NewMap(kernel): %v", err)
	}
	s.kernel = km
	km.Activate()
	s.phys.RemapTo(km, s.ap)
	return s
}

// activateOn installs the map on the given processors, leaving the last one
// current.
func (s *testSystem) activateOn(m *Map, cpus ...int) {
	for _, id := range cpus {
		s.machine.SetCurrent(s.machine.CPU(id))
		m.Activate()
	}
}

// synthFault builds a trap frame for a synthetic fault.
func synthFault(cpu *platform.Processor, pc uint64, access memarch.FaultAccess) *platform.ProcessorState {
	return &platform.ProcessorState{
		PC:        pc,
		ErrorCode: encodeAccess(access),
		CPU:       cpu,
	}
}

func encodeAccess(access memarch.FaultAccess) uint64 {
	var code uint64
	if access.Any(memarch.FaultProtectionViolation) {
		code |= 1 << 0
	}
	if access.Any(memarch.FaultWrite) {
		code |= 1 << 1
	}
	if access.Any(memarch.FaultUser) {
		code |= 1 << 2
	}
	if access.Any(memarch.FaultInstructionFetch) {
		code |= 1 << 4
	}
	return code
}

func mustPhysRegion(t *testing.T, mgr *Manager, physBase, length uint64, mode memarch.AccessMode) *ContiguousPhysRegion {
	t.Helper()
	e, err := mgr.NewContiguousPhysRegion(physBase, length, mode)
	if err != nil {
		t.Fatalf("NewContiguousPhysRegion: %v", err)
	}
	return e
}

func mustAnonRegion(t *testing.T, mgr *Manager, length uint64, mode memarch.AccessMode) *AnonymousRegion {
	t.Helper()
	e, err := mgr.NewAnonymousRegion(length, mode)
	if err != nil {
		t.Fatalf("NewAnonymousRegion: %v", err)
	}
	return e
}
