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

package pagetables

import (
	"errors"
	"testing"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/physmem"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

type testEnv struct {
	mem     *physmem.Memory
	ap      *physmem.Aperture
	alloc   *physmem.Allocator
	machine *platform.Machine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		mem:     physmem.NewMemory(),
		machine: platform.NewMachine(2),
	}
	env.ap = physmem.NewAperture(env.mem)
	env.alloc = physmem.NewAllocator(memarch.PageSize)
	if err := env.alloc.AddRegion(0x1000000, 0xF000000); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	return env
}

func (e *testEnv) newTables(t *testing.T, parent *PageTables) *PageTables {
	t.Helper()
	pt, err := New(e.ap, e.alloc, e.machine, parent)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt
}

const testKernelVirt = memarch.Addr(0xFFFF_8400_0000_0000)

func TestMapResolve(t *testing.T) {
	env := newTestEnv(t)
	pt := env.newTables(t, nil)

	if err := pt.MapPage(0x2000000, testKernelVirt, memarch.KernelRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	m, ok, err := pt.Resolve(testKernelVirt + 0x123)
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if m.Phys != 0x2000123 {
		t.Errorf("Phys = %#x, want %#x", m.Phys, 0x2000123)
	}
	if m.Mode != memarch.KernelRW {
		t.Errorf("Mode = %s, want %s", m.Mode, memarch.KernelRW)
	}
	if m.Size != memarch.PageSize {
		t.Errorf("Size = %d", m.Size)
	}

	// A neighboring page is still unmapped.
	if _, ok, _ := pt.Resolve(testKernelVirt + memarch.PageSize); ok {
		t.Errorf("neighboring page resolved")
	}
}

func TestUserModeBits(t *testing.T) {
	env := newTestEnv(t)
	pt := env.newTables(t, nil)

	if err := pt.MapPage(0x2000000, 0x400000, memarch.UserRW|memarch.KernelRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	m, ok, err := pt.Resolve(0x400000)
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if !m.Mode.User() || !m.Mode.Writable() {
		t.Errorf("user mapping decoded as %s", m.Mode)
	}
	if m.Mode.Executable() {
		t.Errorf("NX mapping decoded executable: %s", m.Mode)
	}
}

func TestNonCanonical(t *testing.T) {
	env := newTestEnv(t)
	pt := env.newTables(t, nil)

	bad := memarch.Addr(0x0000_8000_0000_0000)
	if err := pt.MapPage(0x2000000, bad, memarch.KernelRW); !errors.Is(err, ErrNonCanonical) {
		t.Errorf("MapPage(non-canonical) = %v", err)
	}
	if err := pt.UnmapPage(bad); !errors.Is(err, ErrNonCanonical) {
		t.Errorf("UnmapPage(non-canonical) = %v", err)
	}
	if _, _, err := pt.Resolve(bad); !errors.Is(err, ErrNonCanonical) {
		t.Errorf("Resolve(non-canonical) = %v", err)
	}
	// The rejected map must not have touched the tables.
	if _, ok, _ := pt.Resolve(testKernelVirt); ok {
		t.Errorf("table modified by rejected map")
	}
}

func TestUnmap(t *testing.T) {
	env := newTestEnv(t)
	pt := env.newTables(t, nil)

	if err := pt.UnmapPage(testKernelVirt); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("UnmapPage of unmapped = %v", err)
	}
	if err := pt.MapPage(0x2000000, testKernelVirt, memarch.KernelRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if err := pt.UnmapPage(testKernelVirt); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	if _, ok, _ := pt.Resolve(testKernelVirt); ok {
		t.Fatalf("page still resolves after unmap")
	}
	if err := pt.UnmapPage(testKernelVirt); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("second UnmapPage = %v", err)
	}
}

func TestApertureInstall(t *testing.T) {
	env := newTestEnv(t)
	pt := env.newTables(t, nil)
	if err := pt.InstallAperture(); err != nil {
		t.Fatalf("InstallAperture: %v", err)
	}

	// The aperture resolves with 1 GiB leaves, supervisor RW, no execute.
	probe := memarch.Addr(memarch.PhysApertureStart) + 0x40001234
	m, ok, err := pt.Resolve(probe)
	if err != nil || !ok {
		t.Fatalf("Resolve(aperture): ok=%v err=%v", ok, err)
	}
	if m.Phys != 0x40001234 {
		t.Errorf("aperture Phys = %#x", m.Phys)
	}
	if m.Size != memarch.SuperPageSize {
		t.Errorf("aperture leaf size = %d", m.Size)
	}
	if m.Mode != memarch.KernelRW {
		t.Errorf("aperture mode = %s", m.Mode)
	}

	// Mapping a base page under a 1 GiB leaf is refused; large pages are
	// never split.
	if err := pt.MapPage(0x2000000, probe.RoundDown(), memarch.KernelRW); !errors.Is(err, ErrBlockedByLargePage) {
		t.Errorf("MapPage under 1 GiB leaf = %v", err)
	}
	if err := pt.UnmapPage(probe.RoundDown()); !errors.Is(err, ErrBlockedByLargePage) {
		t.Errorf("UnmapPage under 1 GiB leaf = %v", err)
	}
}

func TestUpperHalfSharing(t *testing.T) {
	env := newTestEnv(t)
	kernel := env.newTables(t, nil)
	if err := kernel.PreallocateUpper(); err != nil {
		t.Fatalf("PreallocateUpper: %v", err)
	}

	child := env.newTables(t, kernel)

	// A kernel mapping added after the child was built is visible through
	// the child: the upper-half slots point at shared tables.
	if err := kernel.MapPage(0x3000000, testKernelVirt, memarch.KernelRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	m, ok, err := child.Resolve(testKernelVirt)
	if err != nil || !ok {
		t.Fatalf("child Resolve: ok=%v err=%v", ok, err)
	}
	if m.Phys != 0x3000000 {
		t.Errorf("child sees phys %#x", m.Phys)
	}

	// Lower halves stay private.
	if err := child.MapPage(0x4000000, 0x400000, memarch.UserRW); err != nil {
		t.Fatalf("child MapPage: %v", err)
	}
	if _, ok, _ := kernel.Resolve(0x400000); ok {
		t.Errorf("kernel tables see the child's private mapping")
	}
}

func TestTLBFillAndInvalidate(t *testing.T) {
	env := newTestEnv(t)
	pt := env.newTables(t, nil)
	cpu := env.machine.CPU(0)
	env.machine.SetCurrent(cpu)
	pt.Activate(cpu)

	if err := pt.MapPage(0x2000000, testKernelVirt, memarch.KernelRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if _, ok, _ := pt.Resolve(testKernelVirt + 0x10); !ok {
		t.Fatalf("Resolve failed")
	}
	if _, ok := cpu.TLBLookup(testKernelVirt); !ok {
		t.Fatalf("resolve through active tables did not fill the TLB")
	}

	pt.InvalidateTLB(testKernelVirt, memarch.PageSize, memarch.TLBInvalidateLocal|memarch.TLBUnmapped)
	if _, ok := cpu.TLBLookup(testKernelVirt); ok {
		t.Fatalf("TLB entry survived invalidation")
	}
	if got := cpu.Invalidations(); got != 1 {
		t.Errorf("invalidation count = %d", got)
	}

	// A pure protection loosening may skip the flush entirely.
	if _, ok, _ := pt.Resolve(testKernelVirt); !ok {
		t.Fatalf("Resolve failed")
	}
	pt.InvalidateTLB(testKernelVirt, memarch.PageSize, memarch.TLBInvalidateLocal|memarch.TLBProtectionLoosened)
	if _, ok := cpu.TLBLookup(testKernelVirt); !ok {
		t.Errorf("loosening flushed the TLB anyway")
	}
}

func TestDecodeFault(t *testing.T) {
	for _, tc := range []struct {
		code uint64
		want memarch.FaultAccess
	}{
		{0x0, memarch.FaultPageNotPresent | memarch.FaultRead | memarch.FaultSupervisor},
		{0x2, memarch.FaultPageNotPresent | memarch.FaultWrite | memarch.FaultSupervisor},
		{0x5, memarch.FaultProtectionViolation | memarch.FaultRead | memarch.FaultUser},
		{0x7, memarch.FaultProtectionViolation | memarch.FaultWrite | memarch.FaultUser},
		{0x9, memarch.FaultProtectionViolation | memarch.FaultRead | memarch.FaultSupervisor | memarch.FaultInvalidPTE},
		{0x10, memarch.FaultPageNotPresent | memarch.FaultRead | memarch.FaultSupervisor | memarch.FaultInstructionFetch},
	} {
		state := &platform.ProcessorState{ErrorCode: tc.code}
		if got := DecodeFault(state); got != tc.want {
			t.Errorf("DecodeFault(%#x) = %s, want %s", tc.code, got, tc.want)
		}
		// The encoder is the decoder's inverse.
		if back := EncodeFaultCode(tc.want); back != tc.code {
			t.Errorf("EncodeFaultCode(%s) = %#x, want %#x", tc.want, back, tc.code)
		}
	}
}

func TestRelease(t *testing.T) {
	env := newTestEnv(t)
	before := env.alloc.FreePageCount()

	pt := env.newTables(t, nil)
	if err := pt.MapPage(0x2000000, testKernelVirt, memarch.KernelRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if err := pt.MapPage(0x2001000, 0x400000, memarch.UserRW); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	pt.Release()

	if after := env.alloc.FreePageCount(); after != before {
		t.Errorf("Release leaked %d table frames", before-after)
	}
}
