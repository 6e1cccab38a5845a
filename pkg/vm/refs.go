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
	"fmt"
	"sync/atomic"
)

// refCount is a strong reference count for objects whose teardown must run
// deterministically (frames go back to the physical allocator, zone slots to
// their region). Embedders start at one reference.
type refCount struct {
	refs atomic.Int64
}

func (r *refCount) init() {
	r.refs.Store(1)
}

// IncRef takes a strong reference.
func (r *refCount) IncRef() {
	if r.refs.Add(1) <= 1 {
		panic("vm: IncRef on released object")
	}
}

// decRef drops a reference and returns true when the count hits zero; the
// caller runs the destructor.
func (r *refCount) decRef() bool {
	v := r.refs.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("vm: DecRef past zero (refs %d)", v))
	}
	return v == 0
}
