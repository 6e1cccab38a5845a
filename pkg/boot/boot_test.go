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

package boot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
)

const testHandoffTOML = `
num_cpus = 2

[[memory]]
base = 0x1000000
length = 0xF000000
type = "usable"

[[memory]]
base = 0x20000000
length = 0x40000000
type = "usable"

[[memory]]
base = 0xFEC00000
length = 0x100000
type = "reserved"

[kernel]
phys_base = 0x100000
text_length = 0x8000
rodata_length = 0x4000
data_length = 0x2000

[framebuffer]
phys_base = 0xE0000000
pitch = 4096
width = 1024
height = 768
`

func writeHandoff(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(testHandoffTOML), 0644); err != nil {
		t.Fatalf("writing handoff: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	h, err := Load(writeHandoff(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := &Handoff{
		NumCPUs: 2,
		Memory: []MemoryRange{
			{Base: 0x1000000, Length: 0xF000000, Type: RangeUsable},
			{Base: 0x20000000, Length: 0x40000000, Type: RangeUsable},
			{Base: 0xFEC00000, Length: 0x100000, Type: RangeReserved},
		},
		Kernel: KernelImage{
			PhysBase:     0x100000,
			TextLength:   0x8000,
			RodataLength: 0x4000,
			DataLength:   0x2000,
		},
		Framebuffer: &Framebuffer{
			PhysBase: 0xE0000000,
			Pitch:    4096,
			Width:    1024,
			Height:   768,
		},
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("handoff mismatch (-want +got):\n%s", diff)
	}

	if got := len(h.UsableRanges()); got != 2 {
		t.Errorf("UsableRanges = %d entries", got)
	}
}

func TestLoadRejectsUnaligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	bad := `
[[memory]]
base = 0x1000001
length = 0x100000
type = "usable"
`
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatalf("writing handoff: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("unaligned memory map accepted")
	}
}

func TestSetup(t *testing.T) {
	h, err := Load(writeHandoff(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sys, err := Setup(h)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if sys.Machine.NumCPUs() != 2 {
		t.Errorf("NumCPUs = %d", sys.Machine.NumCPUs())
	}
	if sys.Aperture.IsEarlyBoot() {
		t.Errorf("still on the bootloader direct map after Setup")
	}
	if sys.VM.KernelMap() != sys.KernelMap {
		t.Errorf("kernel map not registered")
	}

	// The image sections sit back-to-back with their natural protections.
	pt := sys.KernelMap.PageTables()
	for _, tc := range []struct {
		virt memarch.Addr
		phys uint64
		mode memarch.AccessMode
	}{
		{memarch.KernelImageBase, 0x100000, memarch.KernelRead | memarch.KernelExec},
		{memarch.KernelImageBase + 0x8000, 0x108000, memarch.KernelRead},
		{memarch.KernelImageBase + 0xC000, 0x10C000, memarch.KernelRW},
	} {
		m, ok, err := pt.Resolve(tc.virt)
		if err != nil || !ok {
			t.Fatalf("Resolve(%#x): ok=%v err=%v", uint64(tc.virt), ok, err)
		}
		if m.Phys != tc.phys || m.Mode != tc.mode {
			t.Errorf("section at %#x: phys %#x mode %s, want %#x %s",
				uint64(tc.virt), m.Phys, m.Mode, tc.phys, tc.mode)
		}
	}

	// The framebuffer window maps the surface read/write.
	m, ok, err := pt.Resolve(memarch.FramebufferBase)
	if err != nil || !ok {
		t.Fatalf("Resolve(framebuffer): ok=%v err=%v", ok, err)
	}
	if m.Phys != 0xE0000000 || m.Mode != memarch.KernelRW {
		t.Errorf("framebuffer: phys %#x mode %s", m.Phys, m.Mode)
	}

	// Reserved ranges contributed nothing to the pool.
	wantPages := (uint64(0xF000000) + 0x40000000) / memarch.PageSize
	if got := sys.Phys.TotalPages(); got != wantPages {
		t.Errorf("TotalPages = %d, want %d", got, wantPages)
	}
}

func TestSetupNoUsableMemory(t *testing.T) {
	h := &Handoff{
		Memory: []MemoryRange{{Base: 0x1000000, Length: 0x100000, Type: RangeReserved}},
	}
	if _, err := Setup(h); err == nil {
		t.Errorf("Setup without usable memory succeeded")
	}
}
