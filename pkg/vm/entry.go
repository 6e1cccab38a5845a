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
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/pagetables"
)

// Entry is a placed, typed region of virtual memory inside a Map. Entries
// are shared: every map that places one holds a strong reference, and an
// entry's backing memory outlives any single placement.
type Entry interface {
	// Length returns the region size in bytes, a page multiple.
	Length() uint64

	// Mode returns the region's access mode.
	Mode() memarch.AccessMode

	// IncRef takes a strong reference.
	IncRef()

	// DecRef drops a reference; the last one tears the entry down.
	DecRef()

	// addedTo installs the entry's translations at base. Called under the
	// map's write lock, after the placement is recorded.
	addedTo(base memarch.Addr, m *Map, pt *pagetables.PageTables)

	// willRemoveFrom tears the entry's translations out of [base,
	// base+length). Called under the map's write lock: by Remove before the
	// placement is deleted, by map teardown after the set is cleared. TLB
	// invalidation is the map's job.
	willRemoveFrom(base memarch.Addr, length uint64, m *Map, pt *pagetables.PageTables)

	// fault services a page fault at the given byte offset into the entry
	// as placed in m.
	fault(m *Map, offset uint64, access memarch.FaultAccess) (FaultResult, error)
}

// entryCommon carries the fields every entry variant shares.
type entryCommon struct {
	refCount

	length uint64
	mode   memarch.AccessMode
}

// Length implements Entry.Length.
func (e *entryCommon) Length() uint64 {
	return e.length
}

// Mode implements Entry.Mode.
func (e *entryCommon) Mode() memarch.AccessMode {
	return e.mode
}

// checkEntryArgs validates a would-be entry's geometry.
func checkEntryArgs(length uint64, mode memarch.AccessMode) error {
	if length == 0 || !memarch.Addr(length).IsPageAligned() {
		return ErrInvalidArgument
	}
	if mode.Normalized() != mode {
		// Write implies Read in the same privilege band.
		return ErrInvalidArgument
	}
	return nil
}
