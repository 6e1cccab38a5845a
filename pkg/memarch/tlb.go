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

// TLBHint describes a TLB invalidation request: which TLBs to invalidate and
// what changed about the range, so the platform can pick the cheapest flush
// that is still correct. Hints combine with bitwise OR.
type TLBHint uint32

const (
	// TLBInvalidateLocal invalidates the calling processor's TLB.
	TLBInvalidateLocal TLBHint = 1 << 0
	// TLBInvalidateRemote performs a shootdown on every remote processor
	// that has the map installed.
	TLBInvalidateRemote TLBHint = 1 << 1
	// TLBInvalidateAll invalidates local and remote TLBs.
	TLBInvalidateAll = TLBInvalidateLocal | TLBInvalidateRemote

	// TLBUnmapped: the range was unmapped.
	TLBUnmapped TLBHint = 1 << 8
	// TLBRemapped: one or more pages now translate to different frames.
	TLBRemapped TLBHint = 1 << 9
	// TLBProtectionTightened: protection went from less to more restrictive.
	TLBProtectionTightened TLBHint = 1 << 10
	// TLBProtectionLoosened: protection went from more to less restrictive.
	TLBProtectionLoosened TLBHint = 1 << 11
	// TLBExecuteChanged: the execute permission of one or more pages changed.
	TLBExecuteChanged TLBHint = 1 << 12
	// TLBPermissionChanged: the supervisor/user flag changed.
	TLBPermissionChanged TLBHint = 1 << 13

	tlbInvalidateMask TLBHint = 0xFF
	tlbTypeMask       TLBHint = 0xFF << 8
)

// Any returns true if h has any bit of mask set.
func (h TLBHint) Any(mask TLBHint) bool {
	return h&mask != 0
}

// Scope returns only the invalidation-scope bits of h.
func (h TLBHint) Scope() TLBHint {
	return h & tlbInvalidateMask
}

// ChangeType returns only the change-type bits of h.
func (h TLBHint) ChangeType() TLBHint {
	return h & tlbTypeMask
}

// MayElideInvalidate returns true if every change named by h permits a lazy
// refetch, so the flush may be skipped where the architecture allows it.
// Loosening protection is the only such change; when in doubt, invalidate.
func (h TLBHint) MayElideInvalidate() bool {
	t := h.ChangeType()
	return t != 0 && t&^TLBProtectionLoosened == 0
}
