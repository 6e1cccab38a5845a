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

import "strings"

// AccessMode describes the protection applied to a mapped region, split into
// kernel and user privilege bands. Modes combine with bitwise OR.
type AccessMode uint32

// Individual access-mode bits.
const (
	// KernelRead lets the kernel read the region.
	KernelRead AccessMode = 1 << 0
	// KernelWrite lets the kernel write the region.
	KernelWrite AccessMode = 1 << 1
	// KernelExec lets the kernel execute out of the region.
	KernelExec AccessMode = 1 << 2

	// UserRead lets userspace read the region.
	UserRead AccessMode = 1 << 8
	// UserWrite lets userspace write the region.
	UserWrite AccessMode = 1 << 9
	// UserExec lets userspace execute out of the region.
	UserExec AccessMode = 1 << 10
)

// Convenience combinations and masks.
const (
	// KernelRW is kernel read/write access.
	KernelRW = KernelRead | KernelWrite
	// UserRW is user read/write access.
	UserRW = UserRead | UserWrite

	// UserMask selects all user bits; any set bit means the mapping is
	// user-accessible.
	UserMask = UserRead | UserWrite | UserExec

	// ReadMask selects the read bits of both privilege bands.
	ReadMask = KernelRead | UserRead
	// WriteMask selects the write bits of both privilege bands.
	WriteMask = KernelWrite | UserWrite
	// ExecMask selects the execute bits of both privilege bands.
	ExecMask = KernelExec | UserExec
)

// Any returns true if m has any bit of mask set.
func (m AccessMode) Any(mask AccessMode) bool {
	return m&mask != 0
}

// User returns true if the mode grants any userspace access.
func (m AccessMode) User() bool {
	return m.Any(UserMask)
}

// Writable returns true if either privilege band may write.
func (m AccessMode) Writable() bool {
	return m.Any(WriteMask)
}

// Executable returns true if either privilege band may execute.
func (m AccessMode) Executable() bool {
	return m.Any(ExecMask)
}

// Normalized returns m with Read implied by Write in each privilege band.
func (m AccessMode) Normalized() AccessMode {
	if m.Any(KernelWrite) {
		m |= KernelRead
	}
	if m.Any(UserWrite) {
		m |= UserRead
	}
	return m
}

// Permits returns true if an access of the given fault type is allowed by
// this mode. Only the read/write/privilege dimensions are considered; fault
// sources are the caller's business.
func (m AccessMode) Permits(access FaultAccess) bool {
	if access.Any(FaultUser) {
		if access.Any(FaultWrite) {
			return m.Any(UserWrite)
		}
		if access.Any(FaultInstructionFetch) {
			return m.Any(UserExec)
		}
		return m.Any(UserRead)
	}
	if access.Any(FaultWrite) {
		return m.Any(KernelWrite)
	}
	if access.Any(FaultInstructionFetch) {
		return m.Any(KernelExec)
	}
	return m.Any(KernelRead)
}

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	if m == 0 {
		return "---/---"
	}
	var b strings.Builder
	for _, bit := range []struct {
		mask AccessMode
		set  byte
	}{
		{KernelRead, 'r'}, {KernelWrite, 'w'}, {KernelExec, 'x'},
	} {
		if m.Any(bit.mask) {
			b.WriteByte(bit.set)
		} else {
			b.WriteByte('-')
		}
	}
	b.WriteByte('/')
	for _, bit := range []struct {
		mask AccessMode
		set  byte
	}{
		{UserRead, 'r'}, {UserWrite, 'w'}, {UserExec, 'x'},
	} {
		if m.Any(bit.mask) {
			b.WriteByte(bit.set)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
