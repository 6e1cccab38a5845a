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
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

// shootdownRequest is one remote invalidation: the range, the hints, and a
// completion counter the initiator spins on. Each target decrements it after
// invalidating.
type shootdownRequest struct {
	virt   memarch.Addr
	length uint64
	hints  memarch.TLBHint

	pending atomic.Int32
}

// shootdownQueue is a processor's inbound shootdown work.
type shootdownQueue struct {
	mu   sync.Mutex
	reqs []*shootdownRequest
}

func (q *shootdownQueue) push(req *shootdownRequest) {
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.mu.Unlock()
}

func (q *shootdownQueue) drain() []*shootdownRequest {
	q.mu.Lock()
	reqs := q.reqs
	q.reqs = nil
	q.mu.Unlock()
	return reqs
}

// doShootdown invalidates [virt, virt+length) on every processor that has
// this map installed except the caller: enqueue a descriptor per target,
// ring its doorbell, then spin until every target acknowledges. The
// initiator must not hold spinlocks the targets' handlers need; the handlers
// touch only their own TLB.
func (m *Map) doShootdown(virt memarch.Addr, length uint64, hints memarch.TLBHint) error {
	self := m.mgr.machine.Current().ID()
	targets := m.mappedCPUs.Load() &^ (1 << uint(self))
	if targets == 0 {
		return nil
	}

	req := &shootdownRequest{virt: virt, length: length, hints: hints}
	var cpus []*platform.Processor
	for id := 0; id < m.mgr.machine.NumCPUs(); id++ {
		if targets&(1<<uint(id)) != 0 {
			cpus = append(cpus, m.mgr.machine.CPU(id))
		}
	}
	req.pending.Store(int32(len(cpus)))

	for _, cpu := range cpus {
		m.mgr.queues[cpu.ID()].push(req)
		m.mgr.machine.SendIPI(cpu)
	}

	// A target that never acknowledges is a fatal machine condition; there
	// is no timeout to mask it.
	for req.pending.Load() > 0 {
		runtime.Gosched()
	}
	return nil
}

// handleShootdownIPI drains the target's queue, invalidating each described
// range on that processor, then acknowledges. Runs in interrupt context on
// the target.
func (mgr *Manager) handleShootdownIPI(cpu *platform.Processor) {
	for _, req := range mgr.queues[cpu.ID()].drain() {
		if !req.hints.MayElideInvalidate() {
			pages := memarch.PagesSpanned(req.length)
			for i := uint64(0); i < pages; i++ {
				cpu.TLBInvalidatePage(req.virt.RoundDown() + memarch.Addr(i*memarch.PageSize))
			}
		}
		req.pending.Add(-1)
	}
}
