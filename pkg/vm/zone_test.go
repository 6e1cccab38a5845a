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
)

// TestZoneChurn: a large allocate / free-every-other / reallocate cycle
// yields pairwise distinct, zero-initialized pointers throughout.
func TestZoneChurn(t *testing.T) {
	s := newTestSystem(t, 1)
	zone := NewZone[ContiguousPhysRegion](s.mgr, "test-entries")

	const total = 10000
	ptrs := make([]*ContiguousPhysRegion, 0, total)
	seen := make(map[*ContiguousPhysRegion]bool)

	for i := 0; i < total; i++ {
		p, err := zone.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("pointer %p dispensed twice", p)
		}
		if p.physBase != 0 || p.length != 0 {
			t.Fatalf("slot %d not zero-initialized", i)
		}
		seen[p] = true
		ptrs = append(ptrs, p)
	}

	// Free every other one...
	for i := 0; i < total; i += 2 {
		zone.Free(ptrs[i])
		delete(seen, ptrs[i])
	}

	// ...and take half of them back; everything stays distinct.
	for i := 0; i < total/2; i++ {
		p, err := zone.Alloc()
		if err != nil {
			t.Fatalf("realloc %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("realloc %d returned a live pointer %p", i, p)
		}
		seen[p] = true
	}
}

// TestZoneReuse: a freed slot is handed out again before the zone grows.
func TestZoneReuse(t *testing.T) {
	s := newTestSystem(t, 1)
	zone := NewZone[AnonymousRegion](s.mgr, "test-reuse")

	a, err := zone.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	live := s.mgr.VAllocPagesLive()

	zone.Free(a)
	b, err := zone.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b != a {
		t.Errorf("freed slot not reused: %p vs %p", a, b)
	}
	if got := s.mgr.VAllocPagesLive(); got != live {
		t.Errorf("reuse grew the zone")
	}
}

func TestZoneForeignFreePanics(t *testing.T) {
	s := newTestSystem(t, 1)
	zone := NewZone[ContiguousPhysRegion](s.mgr, "test-foreign")
	if _, err := zone.Alloc(); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("foreign free did not panic")
		}
	}()
	zone.Free(&ContiguousPhysRegion{})
}

func TestZoneDoubleFreePanics(t *testing.T) {
	s := newTestSystem(t, 1)
	zone := NewZone[ContiguousPhysRegion](s.mgr, "test-double")
	p, err := zone.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	zone.Free(p)

	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	zone.Free(p)
}
