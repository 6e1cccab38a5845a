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

package memarch

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		down Addr
		up   Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("RoundDown(%#x) = %#x, want %#x", uint64(tc.addr), uint64(got), uint64(tc.down))
		}
		up, ok := tc.addr.RoundUp()
		if !ok || up != tc.up {
			t.Errorf("RoundUp(%#x) = %#x/%v, want %#x", uint64(tc.addr), uint64(up), ok, uint64(tc.up))
		}
	}
	if _, ok := Addr(^uint64(0) - 1).RoundUp(); ok {
		t.Errorf("RoundUp near top of address space should overflow")
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{0x0000_7FFF_FFFF_FFFF, true},
		{0x0000_8000_0000_0000, false},
		{0x1234_0000_0000_0000, false},
		{KernelBoundary - 1, false},
		{KernelBoundary, true},
		{0xFFFF_FFFF_FFFF_FFFF, true},
	} {
		if got := tc.addr.IsCanonical(); got != tc.want {
			t.Errorf("IsCanonical(%#x) = %v, want %v", uint64(tc.addr), got, tc.want)
		}
	}
}

func TestAccessModePermits(t *testing.T) {
	for _, tc := range []struct {
		mode   AccessMode
		access FaultAccess
		want   bool
	}{
		{KernelRW, FaultRead | FaultSupervisor, true},
		{KernelRW, FaultWrite | FaultSupervisor, true},
		{KernelRead, FaultWrite | FaultSupervisor, false},
		{KernelRW, FaultRead | FaultUser, false},
		{UserRW, FaultWrite | FaultUser, true},
		{UserRead, FaultWrite | FaultUser, false},
		{KernelRead | KernelExec, FaultInstructionFetch | FaultSupervisor, true},
		{KernelRW, FaultInstructionFetch | FaultSupervisor, false},
	} {
		if got := tc.mode.Permits(tc.access); got != tc.want {
			t.Errorf("(%s).Permits(%s) = %v, want %v", tc.mode, tc.access, got, tc.want)
		}
	}
}

func TestAccessModeNormalized(t *testing.T) {
	if got := KernelWrite.Normalized(); got != KernelRW {
		t.Errorf("Normalized(KernelWrite) = %s, want %s", got, KernelRW)
	}
	if got := UserWrite.Normalized(); got != UserRW {
		t.Errorf("Normalized(UserWrite) = %s, want %s", got, UserRW)
	}
	if got := (KernelRW | UserRead).Normalized(); got != KernelRW|UserRead {
		t.Errorf("Normalized should leave a normal mode alone, got %s", got)
	}
}

func TestAccessModeString(t *testing.T) {
	if got := (KernelRW | UserRead).String(); got != "rw-/r--" {
		t.Errorf("String = %q, want %q", got, "rw-/r--")
	}
	if got := AccessMode(0).String(); got != "---/---" {
		t.Errorf("String of zero mode = %q", got)
	}
}

func TestTLBHintMasks(t *testing.T) {
	h := TLBInvalidateAll | TLBUnmapped
	if h.Scope() != TLBInvalidateAll {
		t.Errorf("Scope = %#x", uint32(h.Scope()))
	}
	if h.ChangeType() != TLBUnmapped {
		t.Errorf("ChangeType = %#x", uint32(h.ChangeType()))
	}
	if h.MayElideInvalidate() {
		t.Errorf("an unmap may never elide the invalidate")
	}
	if !(TLBInvalidateAll | TLBProtectionLoosened).MayElideInvalidate() {
		t.Errorf("a pure loosening may elide the invalidate")
	}
	if (TLBInvalidateAll | TLBProtectionLoosened | TLBRemapped).MayElideInvalidate() {
		t.Errorf("a loosening combined with a remap may not elide")
	}
}
