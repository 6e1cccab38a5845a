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

package pagetables

import (
	"github.com/tristanseifert/kush-os-rewrite/pkg/memarch"
	"github.com/tristanseifert/kush-os-rewrite/pkg/platform"
)

// Page-fault error code bits, Intel SDM 3A §4.7.
const (
	faultCodePresent uint64 = 1 << 0
	faultCodeWrite   uint64 = 1 << 1
	faultCodeUser    uint64 = 1 << 2
	faultCodeRsvd    uint64 = 1 << 3
	faultCodeIFetch  uint64 = 1 << 4
)

// DecodeFault bit-decodes the hardware page-fault error code into the
// portable access description.
func DecodeFault(state *platform.ProcessorState) memarch.FaultAccess {
	var access memarch.FaultAccess

	if state.ErrorCode&faultCodePresent != 0 {
		access |= memarch.FaultProtectionViolation
	} else {
		access |= memarch.FaultPageNotPresent
	}

	if state.ErrorCode&faultCodeWrite != 0 {
		access |= memarch.FaultWrite
	} else {
		access |= memarch.FaultRead
	}

	if state.ErrorCode&faultCodeUser != 0 {
		access |= memarch.FaultUser
	} else {
		access |= memarch.FaultSupervisor
	}

	if state.ErrorCode&faultCodeRsvd != 0 {
		access |= memarch.FaultInvalidPTE
	}
	if state.ErrorCode&faultCodeIFetch != 0 {
		access |= memarch.FaultInstructionFetch
	}

	return access
}

// EncodeFaultCode builds a hardware error code from a portable access
// description; the inverse of DecodeFault, used when synthesizing traps.
func EncodeFaultCode(access memarch.FaultAccess) uint64 {
	var code uint64
	if access.Any(memarch.FaultProtectionViolation) {
		code |= faultCodePresent
	}
	if access.Any(memarch.FaultWrite) {
		code |= faultCodeWrite
	}
	if access.Any(memarch.FaultUser) {
		code |= faultCodeUser
	}
	if access.Any(memarch.FaultInvalidPTE) {
		code |= faultCodeRsvd
	}
	if access.Any(memarch.FaultInstructionFetch) {
		code |= faultCodeIFetch
	}
	return code
}
