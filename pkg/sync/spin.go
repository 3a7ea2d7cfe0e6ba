// Copyright 2025 The gVisor Authors.
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

package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed probes after which a waiter
// yields its processor. A real core would execute WFE here.
const spinsBeforeYield = 64

// SpinMutex is a test-and-set spin lock. It is the kernel's coarse-grained
// mutual exclusion domain: the zero value is unlocked, waiters never sleep,
// and there is no fairness guarantee.
//
// SpinMutex must not be copied after first use.
type SpinMutex struct {
	_     NoCopy
	state uint32
}

// Lock acquires m, spinning until it is available.
//
//go:nosplit
func (m *SpinMutex) Lock() {
	for spins := 0; ; spins++ {
		if atomic.LoadUint32(&m.state) == 0 && atomic.CompareAndSwapUint32(&m.state, 0, 1) {
			return
		}
		if spins == spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock tries to acquire m. It returns true if it succeeds and false
// otherwise. TryLock does not spin.
//
//go:nosplit
func (m *SpinMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

// Unlock releases m.
//
// Preconditions: m is locked.
//
//go:nosplit
func (m *SpinMutex) Unlock() {
	if atomic.SwapUint32(&m.state, 0) != 1 {
		panic("unlock of unlocked SpinMutex")
	}
}

// Held returns true if m is currently locked by anyone. It is meant for
// assertions only.
func (m *SpinMutex) Held() bool {
	return atomic.LoadUint32(&m.state) != 0
}
