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

package mm

import (
	"fmt"
	"unsafe"

	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/pgalloc"
	"labkernel.dev/labkernel/pkg/physmem"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
)

// tableAllocator backs table pages with order-0 pool frames. The PTEs
// returned alias simulated RAM, so a walk by physical address sees the same
// descriptors the manager wrote.
type tableAllocator struct {
	pool *pgalloc.Pool
	ram  *physmem.Memory

	// byPhysical maps the physical address of each live table page to its
	// PTEs. It is the inverse of physical.
	byPhysical map[uintptr]*pagetables.PTEs
	physical   map[*pagetables.PTEs]uintptr
}

func newTableAllocator(pool *pgalloc.Pool, ram *physmem.Memory) *tableAllocator {
	return &tableAllocator{
		pool:       pool,
		ram:        ram,
		byPhysical: make(map[uintptr]*pagetables.PTEs),
		physical:   make(map[*pagetables.PTEs]uintptr),
	}
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (a *tableAllocator) NewPTEs() (*pagetables.PTEs, error) {
	f, err := a.pool.Allocate(0)
	if err != nil {
		return nil, fmt.Errorf("table page: %w", err)
	}
	pa := hostarch.VirtToPhys(a.pool.PageToAddress(f))
	b, err := a.ram.Bytes(pa, hostarch.PageSize)
	if err != nil {
		if ferr := a.pool.Free(f); ferr != nil {
			panic(fmt.Sprintf("freeing frame %d: %v", f, ferr))
		}
		return nil, err
	}
	clear(b)
	ptes := (*pagetables.PTEs)(unsafe.Pointer(&b[0]))
	a.byPhysical[pa] = ptes
	a.physical[ptes] = pa
	return ptes, nil
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a *tableAllocator) PhysicalFor(ptes *pagetables.PTEs) uintptr {
	pa, ok := a.physical[ptes]
	if !ok {
		panic("PhysicalFor of PTEs not from this allocator")
	}
	return pa
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a *tableAllocator) LookupPTEs(physical uintptr) *pagetables.PTEs {
	return a.byPhysical[physical]
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a *tableAllocator) FreePTEs(ptes *pagetables.PTEs) {
	pa, ok := a.physical[ptes]
	if !ok {
		panic("double free of PTEs")
	}
	delete(a.physical, ptes)
	delete(a.byPhysical, pa)
	if err := a.pool.Free(a.pool.AddressToPage(hostarch.PhysToVirt(pa))); err != nil {
		panic(fmt.Sprintf("freeing table page %#x: %v", pa, err))
	}
}

// live returns the number of table pages in use.
func (a *tableAllocator) live() int {
	return len(a.byPhysical)
}

// owns returns true if pa is a live table page.
func (a *tableAllocator) owns(pa uintptr) bool {
	_, ok := a.byPhysical[pa]
	return ok
}
