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

import "github.com/tristanseifert/kush-os-rewrite/pkg/memarch"

// Page-table geometry: 4-level, 48-bit virtual, 512 entries per table.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = uint64(1) << pteShift
	pmdSize = uint64(1) << pmdShift
	pudSize = uint64(1) << pudShift
	pgdSize = uint64(1) << pgdShift

	entriesPerPage = 512
	indexMask      = entriesPerPage - 1

	// upperBottomSlot is the first top-level slot of the kernel half.
	upperBottomSlot = entriesPerPage / 2
)

// Hardware descriptor bits.
const (
	present  uint64 = 1 << 0
	writable uint64 = 1 << 1
	user     uint64 = 1 << 2
	super    uint64 = 1 << 7
	global   uint64 = 1 << 8
	noExec   uint64 = 1 << 63

	// physMask selects the frame address field of a descriptor.
	physMask uint64 = 0x000F_FFFF_FFFF_F000
)

// noExecuteEnabled: the processor supports and has enabled execute-disable.
const noExecuteEnabled = true

// PTE is one 64-bit paging descriptor, at any level.
type PTE uint64

// Valid returns true if the descriptor is present.
func (e PTE) Valid() bool {
	return uint64(e)&present != 0
}

// Super returns true if the descriptor is a 1 GiB or 2 MiB leaf rather than
// a pointer to a child table.
func (e PTE) Super() bool {
	return uint64(e)&super != 0
}

// Address returns the frame or child-table address field.
func (e PTE) Address() uint64 {
	return uint64(e) & physMask
}

// Opts reconstructs the access mode from a leaf descriptor. All x86
// descriptor levels keep the flags in the same bits, so this works on 1 GiB
// and 2 MiB leaves too.
func (e PTE) Opts() memarch.AccessMode {
	v := uint64(e)
	var mode memarch.AccessMode
	if v&user != 0 {
		if v&writable != 0 {
			mode |= memarch.UserRW
		} else {
			mode |= memarch.UserRead
		}
		if v&noExec == 0 {
			mode |= memarch.UserExec
		}
	} else {
		if v&writable != 0 {
			mode |= memarch.KernelRW
		} else {
			mode |= memarch.KernelRead
		}
		if v&noExec == 0 {
			mode |= memarch.KernelExec
		}
	}
	return mode
}

// makeLeaf encodes a 4 KiB leaf descriptor for the given frame and mode.
func makeLeaf(phys uint64, mode memarch.AccessMode) PTE {
	v := (phys & physMask) | present
	if mode.Writable() {
		v |= writable
	}
	if mode.User() {
		v |= user
	}
	if !mode.Executable() && noExecuteEnabled {
		v |= noExec
	}
	return PTE(v)
}

// makeTable encodes a descriptor pointing at a child table. The user bit is
// granted iff the covered range lies below the kernel boundary, so the leaf
// level makes the final call on user access.
func makeTable(phys uint64, userHalf bool) PTE {
	v := (phys & physMask) | present | writable
	if userHalf {
		v |= user
	}
	return PTE(v)
}
