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

// Package boot consumes the bootloader hand-off and performs the one-time VM
// bring-up. Machine descriptions are plain structs, loadable from TOML for
// the host harness or built programmatically by tests.
package boot

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

// Memory range types the hand-off may carry. The VM core consumes only
// usable ranges.
const (
	RangeUsable   = "usable"
	RangeReserved = "reserved"
)

// MemoryRange is one entry of the bootloader memory map.
type MemoryRange struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// KernelImage describes where the loaded kernel sits in physical memory and
// how large each section is.
type KernelImage struct {
	PhysBase     uint64 `toml:"phys_base"`
	TextLength   uint64 `toml:"text_length"`
	RodataLength uint64 `toml:"rodata_length"`
	DataLength   uint64 `toml:"data_length"`
}

// Framebuffer describes the boot console surface.
type Framebuffer struct {
	PhysBase uint64 `toml:"phys_base"`
	Pitch    uint32 `toml:"pitch"`
	Width    uint32 `toml:"width"`
	Height   uint32 `toml:"height"`
}

// Handoff is everything the bootloader leaves for the kernel.
type Handoff struct {
	NumCPUs     int           `toml:"num_cpus"`
	Memory      []MemoryRange `toml:"memory"`
	Kernel      KernelImage   `toml:"kernel"`
	Framebuffer *Framebuffer  `toml:"framebuffer"`
}

// Load reads a hand-off description from a TOML file.
func Load(path string) (*Handoff, error) {
	var h Handoff
	if _, err := toml.DecodeFile(path, &h); err != nil {
		return nil, fmt.Errorf("boot: parsing handoff %q: %w", path, err)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Handoff) validate() error {
	if h.NumCPUs < 0 {
		return fmt.Errorf("boot: invalid processor count %d", h.NumCPUs)
	}
	for _, r := range h.Memory {
		if !memarch.Addr(r.Base).IsPageAligned() || !memarch.Addr(r.Length).IsPageAligned() {
			return fmt.Errorf("boot: memory range %#x+%#x not page aligned", r.Base, r.Length)
		}
	}
	if h.Kernel.TextLength%memarch.PageSize != 0 ||
		h.Kernel.RodataLength%memarch.PageSize != 0 ||
		h.Kernel.DataLength%memarch.PageSize != 0 {
		return fmt.Errorf("boot: kernel section lengths must be page multiples")
	}
	return nil
}

// UsableRanges returns the memory map entries general allocation may use.
func (h *Handoff) UsableRanges() []MemoryRange {
	var out []MemoryRange
	for _, r := range h.Memory {
		if r.Type == RangeUsable {
			out = append(out, r)
		}
	}
	return out
}

// ByteLength returns the framebuffer's byte size, page rounded.
func (f *Framebuffer) ByteLength() uint64 {
	return memarch.PageRoundUp(uint64(f.Pitch) * uint64(f.Height))
}
