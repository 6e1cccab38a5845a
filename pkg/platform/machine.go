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

package platform

import (
	"fmt"
	"sync/atomic"
)

// MaxProcessors bounds the processor count so processor sets fit one word.
const MaxProcessors = 64

// Machine is the set of processors plus the interconnect between them.
type Machine struct {
	cpus []*Processor

	// current is the processor the calling context runs on. A real kernel
	// reads this from a per-CPU segment; the model makes it explicit.
	current atomic.Pointer[Processor]

	// deliver ships an IPI to a target. The default runs the doorbell
	// handler on its own goroutine; tests may interpose.
	deliver atomic.Pointer[func(*Processor, func())]
}

// NewMachine creates a machine with n processors; processor 0 is current.
func NewMachine(n int) *Machine {
	if n < 1 || n > MaxProcessors {
		panic(fmt.Sprintf("platform: unsupported processor count %d", n))
	}
	m := &Machine{}
	for i := 0; i < n; i++ {
		m.cpus = append(m.cpus, &Processor{
			id:      i,
			machine: m,
			tlb:     make(map[uint64]uint64),
		})
	}
	m.current.Store(m.cpus[0])
	return m
}

// NumCPUs returns the processor count.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns processor i.
func (m *Machine) CPU(i int) *Processor {
	return m.cpus[i]
}

// Current returns the calling processor.
func (m *Machine) Current() *Processor {
	return m.current.Load()
}

// SetCurrent binds the calling context to the given processor. Tests use
// this to play different CPUs.
func (m *Machine) SetCurrent(p *Processor) {
	if p.machine != m {
		panic("platform: processor belongs to another machine")
	}
	m.current.Store(p)
}

// SendIPI rings the target processor's doorbell. The handler installed with
// SetIPIHandler runs on delivery; a processor without a handler drops the
// interrupt.
func (m *Machine) SendIPI(target *Processor) {
	target.ipisReceived.Add(1)
	h := target.ipiHandler.Load()
	if h == nil {
		return
	}
	fire := func() { (*h)(target) }
	if d := m.deliver.Load(); d != nil {
		(*d)(target, fire)
		return
	}
	go fire()
}

// SetIPITransport replaces the IPI delivery mechanism; nil restores the
// default asynchronous delivery.
func (m *Machine) SetIPITransport(deliver func(target *Processor, fire func())) {
	if deliver == nil {
		m.deliver.Store(nil)
		return
	}
	m.deliver.Store(&deliver)
}
