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
	"errors"

	"github.com/tristanseifert/kush-os-rewrite/pkg/pagetables"
)

// Recoverable errors. Policy violations (double free, foreign free, magic
// mismatch, guard-page touches, unhandled kernel faults) panic instead.
var (
	// ErrInvalidArgument: nil inputs, misaligned or non-canonical
	// addresses, zero lengths.
	ErrInvalidArgument = errors.New("vm: invalid argument")

	// ErrNotFound: the entry or placement does not exist.
	ErrNotFound = errors.New("vm: not found")

	// ErrOverlap: the placement would violate disjointness.
	ErrOverlap = errors.New("vm: overlapping placement")

	// ErrNoMemory: no physical frames or no zone region available.
	ErrNoMemory = errors.New("vm: out of memory")

	// ErrBlockedByLargePage is re-exported from the walker.
	ErrBlockedByLargePage = pagetables.ErrBlockedByLargePage

	// ErrNonCanonical is re-exported from the walker.
	ErrNonCanonical = pagetables.ErrNonCanonical
)

// FaultResult is a fault handler's verdict.
type FaultResult int

const (
	// FaultNotHandled: this handler declines; the dispatcher tries the
	// next one.
	FaultNotHandled FaultResult = iota

	// FaultHandled: the fault is resolved; retry the access.
	FaultHandled
)
