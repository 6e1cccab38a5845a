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
	"testing"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

// TestVAllocRoundTrip: allocate, exercise every byte through the kernel
// tables, free, reallocate. The allocator is cursor-only, so the second
// pointer must sit past the first allocation and its guard.
func TestVAllocRoundTrip(t *testing.T) {
	s := newTestSystem(t, 1)

	p, err := s.mgr.VAlloc(0x3000)
	if err != nil {
		t.Fatalf("VAlloc: %v", err)
	}
	if !p.IsPageAligned() || p < memarch.VAllocStart {
		t.Fatalf("bad pointer %#x", uint64(p))
	}

	// Write a pattern through the translations and read it back.
	for i := uint64(0); i < 3; i++ {
		m, ok, err := s.kernel.pt.Resolve(p + memarch.Addr(i*memarch.PageSize))
		if err != nil || !ok {
			t.Fatalf("page %d unmapped: ok=%v err=%v", i, ok, err)
		}
		if m.Mode != memarch.KernelRW {
			t.Fatalf("page %d mode %s", i, m.Mode)
		}
		buf := make([]byte, memarch.PageSize)
		for j := range buf {
			buf[j] = byte(i + uint64(j))
		}
		s.mem.Write(m.Phys, buf)
		check := make([]byte, memarch.PageSize)
		s.mem.Read(m.Phys, check)
		for j := range check {
			if check[j] != buf[j] {
				t.Fatalf("page %d byte %d mismatch", i, j)
			}
		}
	}

	free := s.phys.FreePageCount()
	s.mgr.VFree(p, 0x3000)
	if got := s.phys.FreePageCount(); got != free+3 {
		t.Fatalf("VFree returned %d frames, want 3", got-free)
	}

	p2, err := s.mgr.VAlloc(0x3000)
	if err != nil {
		t.Fatalf("second VAlloc: %v", err)
	}
	if delta := uint64(p2 - p); delta < (3+GuardPages)*memarch.PageSize {
		t.Errorf("second allocation only %#x past the first", delta)
	}
}

func TestVAllocArgs(t *testing.T) {
	s := newTestSystem(t, 1)

	if _, err := s.mgr.VAlloc(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("VAlloc(0) = %v", err)
	}

	// A fractional length rounds up to whole pages.
	live := s.mgr.VAllocPagesLive()
	if _, err := s.mgr.VAlloc(100); err != nil {
		t.Fatalf("VAlloc(100): %v", err)
	}
	if got := s.mgr.VAllocPagesLive(); got != live+1 {
		t.Errorf("VAlloc(100) backed %d pages", got-live)
	}
}

// TestGuardPageFault: the page right past an allocation is never mapped, and
// touching it is fatal.
func TestGuardPageFault(t *testing.T) {
	s := newTestSystem(t, 1)

	p, err := s.mgr.VAlloc(0x1000)
	if err != nil {
		t.Fatalf("VAlloc: %v", err)
	}
	guard := p + memarch.PageSize
	if _, ok, _ := s.kernel.pt.Resolve(guard); ok {
		t.Fatalf("guard page is mapped")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("guard-page touch did not panic")
		}
	}()
	s.mgr.HandleFault(synthFault(s.machine.CPU(0), memarch.KernelImageBase,
		memarch.FaultPageNotPresent|memarch.FaultWrite|memarch.FaultSupervisor), guard)
}

// TestVAllocOOM: with the frame pool drained, allocation fails cleanly and
// frees nothing it did not take.
func TestVAllocOOM(t *testing.T) {
	s := newTestSystem(t, 1)

	// Drain every remaining frame.
	var hoard [][]uint64
	for {
		chunk := make([]uint64, 4096)
		n := s.phys.AllocatePages(chunk)
		if n > 0 {
			hoard = append(hoard, chunk[:n])
		}
		if n < len(chunk) {
			break
		}
	}

	if _, err := s.mgr.VAlloc(0x2000); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("VAlloc with drained pool = %v", err)
	}

	for _, chunk := range hoard {
		s.phys.FreePages(chunk)
	}
	if _, err := s.mgr.VAlloc(0x2000); err != nil {
		t.Fatalf("VAlloc after refill: %v", err)
	}
}

func TestVFreeUnmappedPanics(t *testing.T) {
	s := newTestSystem(t, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("vfree of unmapped range did not panic")
		}
	}()
	s.mgr.VFree(memarch.VAllocStart+0x100000, 0x1000)
}
