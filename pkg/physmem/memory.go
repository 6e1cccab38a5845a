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

// Package physmem owns physical memory: the frame store modeling the
// machine's DRAM, the permanent kernel aperture used to touch page-table
// pages, and the physical page allocator.
package physmem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

// Memory models the machine's physical memory as a sparse store of page
// frames, materialized on first touch. Every access to physical memory in
// the VM core, page-table pages included, goes through the one-line accessors
// here; nothing else pokes raw frames.
type Memory struct {
	mu sync.RWMutex

	// frames maps page-aligned physical addresses to their contents.
	frames map[uint64]*[memarch.PageSize]byte
}

// NewMemory returns an empty physical memory.
func NewMemory() *Memory {
	return &Memory{frames: make(map[uint64]*[memarch.PageSize]byte)}
}

// frame returns the frame containing phys, materializing it zeroed if it has
// never been touched.
func (m *Memory) frame(phys uint64) *[memarch.PageSize]byte {
	base := uint64(memarch.Addr(phys).RoundDown())
	m.mu.RLock()
	f := m.frames[base]
	m.mu.RUnlock()
	if f != nil {
		return f
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f = m.frames[base]; f == nil {
		f = new([memarch.PageSize]byte)
		m.frames[base] = f
	}
	return f
}

// ReadWord reads the 64-bit word at phys, which must be 8-byte aligned.
func (m *Memory) ReadWord(phys uint64) uint64 {
	if phys%8 != 0 {
		panic(fmt.Sprintf("physmem: unaligned word read at %#x", phys))
	}
	f := m.frame(phys)
	off := memarch.Addr(phys).PageOffset()
	return binary.LittleEndian.Uint64(f[off : off+8])
}

// WriteWord writes the 64-bit word at phys, which must be 8-byte aligned.
func (m *Memory) WriteWord(phys, val uint64) {
	if phys%8 != 0 {
		panic(fmt.Sprintf("physmem: unaligned word write at %#x", phys))
	}
	f := m.frame(phys)
	off := memarch.Addr(phys).PageOffset()
	binary.LittleEndian.PutUint64(f[off:off+8], val)
}

// ReadByte reads the byte at phys.
func (m *Memory) ReadByte(phys uint64) byte {
	return m.frame(phys)[memarch.Addr(phys).PageOffset()]
}

// WriteByte writes the byte at phys.
func (m *Memory) WriteByte(phys uint64, val byte) {
	m.frame(phys)[memarch.Addr(phys).PageOffset()] = val
}

// Read copies len(b) bytes starting at phys into b, crossing frame
// boundaries as needed.
func (m *Memory) Read(phys uint64, b []byte) {
	for len(b) > 0 {
		f := m.frame(phys)
		off := memarch.Addr(phys).PageOffset()
		n := copy(b, f[off:])
		b = b[n:]
		phys += uint64(n)
	}
}

// Write copies b into physical memory starting at phys, crossing frame
// boundaries as needed.
func (m *Memory) Write(phys uint64, b []byte) {
	for len(b) > 0 {
		f := m.frame(phys)
		off := memarch.Addr(phys).PageOffset()
		n := copy(f[off:], b)
		b = b[n:]
		phys += uint64(n)
	}
}

// ZeroFrame clears the whole frame at the page-aligned address phys.
func (m *Memory) ZeroFrame(phys uint64) {
	if !memarch.Addr(phys).IsPageAligned() {
		panic(fmt.Sprintf("physmem: ZeroFrame of unaligned address %#x", phys))
	}
	f := m.frame(phys)
	for i := range f {
		f[i] = 0
	}
}
