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

// Package memarch defines the machine memory architecture: page geometry,
// the kernel address-space layout, and the portable access-mode, fault and
// TLB-hint bit sets shared by the physical allocator, the page-table walker
// and the virtual memory layer.
package memarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base translation granule, 4 KiB.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2 MiB page size.
	HugePageShift = 21

	// HugePageSize is the middle-level leaf size, 2 MiB.
	HugePageSize = 1 << HugePageShift

	// SuperPageShift is the binary log of the 1 GiB page size.
	SuperPageShift = 30

	// SuperPageSize is the top leaf size, 1 GiB.
	SuperPageSize = 1 << SuperPageShift
)

// Kernel address-space layout. The kernel owns the upper half of the 48-bit
// canonical space; everything below KernelBoundary is user territory.
const (
	// KernelBoundary is the lowest kernel virtual address.
	KernelBoundary = 0xFFFF_8000_0000_0000

	// PhysApertureStart is the base of the permanent physical aperture. The
	// aperture linearly maps physical memory so page-table pages can be read
	// and written by virtual address.
	PhysApertureStart = 0xFFFF_8000_0000_0000

	// PhysApertureEnd is the last byte of the physical aperture. The span is
	// 1 TiB, covered by two top-level slots of 1 GiB leaves.
	PhysApertureEnd = 0xFFFF_80FF_FFFF_FFFF

	// VAllocStart is the base of the kernel virtual page allocator's range.
	VAllocStart = 0xFFFF_8200_0000_0000

	// VAllocEnd is the last byte of the virtual page allocator's range.
	VAllocEnd = 0xFFFF_82FF_FFFF_FFFF

	// FramebufferBase is where the boot framebuffer is mapped.
	FramebufferBase = 0xFFFF_8300_0000_0000

	// KernelImageBase is where the kernel image sections are mapped; this
	// lies in the topmost top-level slot.
	KernelImageBase = 0xFFFF_FFFF_8000_0000
)

// Addr is a virtual or physical byte address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// false if rounding overflows.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	if addr < v.RoundDown() {
		return 0, false
	}
	return addr, true
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v is a page multiple.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsCanonical returns true if bits 47..63 of v all equal bit 47.
func (v Addr) IsCanonical() bool {
	return v <= 0x0000_7FFF_FFFF_FFFF || v >= KernelBoundary
}

// IsKernel returns true if v lies in the kernel half.
func (v Addr) IsKernel() bool {
	return v >= KernelBoundary
}

// PagesSpanned returns the number of base pages needed to back length bytes.
func PagesSpanned(length uint64) uint64 {
	return (length + PageSize - 1) / PageSize
}

// PageRoundUp rounds length up to the nearest page multiple.
func PageRoundUp(length uint64) uint64 {
	return PagesSpanned(length) * PageSize
}
