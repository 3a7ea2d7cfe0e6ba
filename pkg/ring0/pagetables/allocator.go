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

package pagetables

import (
	"fmt"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
)

// runtimeAllocatorBase is the first physical address handed out by a
// RuntimeAllocator.
const runtimeAllocatorBase = 0x40000000

// RuntimeAllocator is a trivial allocator that keeps table pages on the Go
// heap and assigns them synthetic, page aligned physical addresses. It is
// used for trees that are never backed by simulated RAM.
type RuntimeAllocator struct {
	// Limit caps the number of live table pages. Zero means no limit.
	Limit int

	nextPhysical uintptr
	byPhysical   map[uintptr]*PTEs
	physical     map[*PTEs]uintptr
	freed        []uintptr
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		nextPhysical: runtimeAllocatorBase,
		byPhysical:   make(map[uintptr]*PTEs),
		physical:     make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	if r.Limit > 0 && len(r.byPhysical) >= r.Limit {
		return nil, fmt.Errorf("runtime allocator limit of %d table pages reached: %w", r.Limit, kerr.ENOMEM)
	}
	var phys uintptr
	if n := len(r.freed); n > 0 {
		phys = r.freed[n-1]
		r.freed = r.freed[:n-1]
	} else {
		phys = r.nextPhysical
		r.nextPhysical += hostarch.PageSize
	}
	ptes := new(PTEs)
	r.byPhysical[phys] = ptes
	r.physical[ptes] = phys
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	phys, ok := r.physical[ptes]
	if !ok {
		panic("PhysicalFor of PTEs not from this allocator")
	}
	return phys
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	return r.byPhysical[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	phys, ok := r.physical[ptes]
	if !ok {
		panic("double free of PTEs")
	}
	delete(r.physical, ptes)
	delete(r.byPhysical, phys)
	r.freed = append(r.freed, phys)
}

// Live returns the number of table pages allocated and not yet freed.
func (r *RuntimeAllocator) Live() int {
	return len(r.byPhysical)
}
