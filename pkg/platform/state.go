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
	"runtime"
	"strings"
)

// ProcessorState is the trap frame handed to fault handlers: the program
// counter at the fault and the raw hardware error code.
type ProcessorState struct {
	// PC is the faulting program counter.
	PC uint64

	// ErrorCode is the hardware error code pushed by the exception.
	ErrorCode uint64

	// CPU is the processor the trap was taken on.
	CPU *Processor
}

// Backtrace renders a backtrace for panic output: the trap frame first, then
// the kernel (host) stack that reached the fault path.
func (s *ProcessorState) Backtrace() string {
	var b strings.Builder
	cpu := -1
	if s.CPU != nil {
		cpu = s.CPU.ID()
	}
	fmt.Fprintf(&b, "cpu %d pc %#016x error %#x\n", cpu, s.PC, s.ErrorCode)

	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "  %s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
