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

// Package ring0 simulates the architecture side of the memory management
// unit: per-core translation table base registers, a translation cache and a
// hardware table walker.
package ring0

import (
	"labkernel.dev/labkernel/pkg/log"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
)

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// Allocator resolves the physical addresses held in TTBRs and table
	// descriptors to table pages.
	Allocator pagetables.Allocator
}

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	// KernelOpts is the initial state of the kernel.
	KernelOpts

	cpus []*CPU
}

// New creates a kernel.
func New(opts KernelOpts) *Kernel {
	return &Kernel{KernelOpts: opts}
}

// NewCPU creates and returns the next CPU. IDs are assigned in creation
// order.
func (k *Kernel) NewCPU() *CPU {
	c := &CPU{
		kernel: k,
		id:     len(k.cpus),
		tlb:    make(map[tlbKey]tlbEntry),
	}
	c.ClearErrorCode()
	k.cpus = append(k.cpus, c)
	log.Debugf("ring0: cpu %d online", c.id)
	return c
}

// CPUs returns the CPUs created so far.
func (k *Kernel) CPUs() []*CPU {
	return k.cpus
}

// CPU is the per-CPU struct.
//
// A CPU is driven by one goroutine at a time.
type CPU struct {
	// kernel is reference to the kernel that this CPU was initialized
	// with.
	kernel *Kernel

	// id is the CPU number.
	id int

	// tlb caches completed walks, keyed by page.
	tlb map[tlbKey]tlbEntry

	// CPUArchState is architecture-specific state.
	CPUArchState
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}
