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
	"fmt"

	"github.com/tristanseifert/kush-os-rewrite/pkg/log"
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/physmem"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
	"github.com/tristanseifert/kush-os-rewrite/pkg/vm"
)

// System is the brought-up machine: everything later kernel layers need a
// handle to.
type System struct {
	Machine   *platform.Machine
	Memory    *physmem.Memory
	Aperture  *physmem.Aperture
	Phys      *physmem.Allocator
	VM        *vm.Manager
	KernelMap *vm.Map
}

// Setup performs the one-time VM bring-up from a hand-off, in the only order
// that works: physical allocator over the usable ranges, then the kernel map
// (which installs the aperture), kernel image and framebuffer regions,
// activation, and finally the allocator remap that retires the bootloader's
// direct map. The page-fault path is live when Setup returns.
func Setup(h *Handoff) (*System, error) {
	ncpus := h.NumCPUs
	if ncpus == 0 {
		ncpus = 1
	}
	machine := platform.NewMachine(ncpus)
	mem := physmem.NewMemory()
	ap := physmem.NewAperture(mem)

	phys := physmem.NewAllocator(memarch.PageSize, memarch.HugePageSize, memarch.SuperPageSize)
	for _, r := range h.UsableRanges() {
		if err := phys.AddRegion(r.Base, r.Length); err != nil {
			return nil, fmt.Errorf("boot: registering range %#x+%#x: %w", r.Base, r.Length, err)
		}
	}
	if phys.TotalPages() == 0 {
		return nil, fmt.Errorf("boot: hand-off carries no usable memory")
	}

	mgr := vm.NewManager(machine, phys, ap)

	km, err := mgr.NewMap(nil)
	if err != nil {
		return nil, fmt.Errorf("boot: building kernel map: %w", err)
	}

	if err := addKernelImage(mgr, km, &h.Kernel); err != nil {
		return nil, err
	}
	if h.Framebuffer != nil {
		fb, err := mgr.NewContiguousPhysRegion(h.Framebuffer.PhysBase,
			h.Framebuffer.ByteLength(), memarch.KernelRW)
		if err != nil {
			return nil, fmt.Errorf("boot: framebuffer region: %w", err)
		}
		if err := km.Add(memarch.FramebufferBase, fb); err != nil {
			return nil, fmt.Errorf("boot: placing framebuffer: %w", err)
		}
	}

	km.Activate()
	phys.RemapTo(km, ap)

	log.Infof("boot: VM core up, %d processors, %d pages managed",
		machine.NumCPUs(), phys.TotalPages())
	return &System{
		Machine:   machine,
		Memory:    mem,
		Aperture:  ap,
		Phys:      phys,
		VM:        mgr,
		KernelMap: km,
	}, nil
}

// addKernelImage maps the three kernel sections back-to-back at the image
// base with their natural protections.
func addKernelImage(mgr *vm.Manager, km *vm.Map, img *KernelImage) error {
	sections := []struct {
		name   string
		length uint64
		mode   memarch.AccessMode
	}{
		{".text", img.TextLength, memarch.KernelRead | memarch.KernelExec},
		{".rodata", img.RodataLength, memarch.KernelRead},
		{".data", img.DataLength, memarch.KernelRW},
	}

	phys := img.PhysBase
	virt := memarch.Addr(memarch.KernelImageBase)
	for _, s := range sections {
		if s.length == 0 {
			continue
		}
		region, err := mgr.NewContiguousPhysRegion(phys, s.length, s.mode)
		if err != nil {
			return fmt.Errorf("boot: %s region: %w", s.name, err)
		}
		if err := km.Add(virt, region); err != nil {
			return fmt.Errorf("boot: placing %s: %w", s.name, err)
		}
		log.Debugf("boot: %s at %#x+%#x -> %#x", s.name, uint64(virt), s.length, phys)
		phys += s.length
		virt += memarch.Addr(s.length)
	}
	return nil
}
