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

// Package mm is the memory management subsystem of the kernel.
//
// A MemoryManager owns simulated RAM, the buddy pool carved out of it, the
// kernel page tables and the set of CPUs. Every entry point takes the big
// kernel lock for its whole duration; the allocator and the page table
// manager below it do no locking of their own.
//
// Lock order:
//
//	metric.Registry.mu
//	  MemoryManager.mu
package mm

import (
	"fmt"

	"labkernel.dev/labkernel/pkg/cleanup"
	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/log"
	"labkernel.dev/labkernel/pkg/metric"
	"labkernel.dev/labkernel/pkg/pgalloc"
	"labkernel.dev/labkernel/pkg/physmem"
	"labkernel.dev/labkernel/pkg/ring0"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
	"labkernel.dev/labkernel/pkg/sync"
)

// Opts is the machine geometry. Physical addresses are uintptrs; the pool
// and kernel map are reached through the kernel linear map.
type Opts struct {
	// RAMBase and RAMSize describe simulated physical memory.
	RAMBase uintptr
	RAMSize uintptr

	// ImageEnd is the first physical byte past the kernel image. Page
	// metadata is placed at the next page boundary.
	ImageEnd uintptr

	// PoolStart is the physical address of the first pool frame.
	PoolStart uintptr

	// Pages is the number of frames in the pool.
	Pages uint64

	// MaxOrder is the number of block orders in the pool.
	MaxOrder int

	// KernelMapVA, KernelMapPA and KernelMapLength describe the region of
	// kernel space mapped with 2 MiB blocks at boot. A zero length maps
	// nothing.
	KernelMapVA     hostarch.Addr
	KernelMapPA     uintptr
	KernelMapLength uint64

	// CPUs is the number of cores brought up.
	CPUs int

	// Debug checks allocator invariants after every mutation.
	Debug bool

	// Registry, if set, receives the subsystem gauges.
	Registry *metric.Registry
}

// DefaultOpts returns the geometry of the reference board: 128000 frames
// starting at 24 MiB, and kernel space [256 MiB, 512 MiB) mapped at boot.
func DefaultOpts() Opts {
	return Opts{
		RAMBase:         0,
		RAMSize:         1 << 30,
		ImageEnd:        16 << 20,
		PoolStart:       24 << 20,
		Pages:           128 * 1000,
		MaxOrder:        pgalloc.DefaultMaxOrder,
		KernelMapVA:     hostarch.PhysToVirt(128 << 21),
		KernelMapPA:     128 << 21,
		KernelMapLength: 128 << 21,
		CPUs:            4,
	}
}

// MemoryManager is the memory management state of one machine.
type MemoryManager struct {
	// mu is the big kernel lock.
	mu sync.SpinMutex

	opts   Opts
	layout pgalloc.Layout
	ram    *physmem.Memory
	pool   *pgalloc.Pool
	tables *tableAllocator
	kernel *ring0.Kernel

	// kernelTables is the tree installed in TTBR1 of every core.
	kernelTables *pagetables.PageTables

	// current is the core running the entry point that holds mu. It
	// receives the TLB flushes of tree mutations. Protected by mu.
	current *ring0.CPU

	// release tears down everything New built.
	release func()
}

// New brings up memory management: it places page metadata after the kernel
// image, maps RAM, builds the buddy pool, creates the kernel page tables with
// kernel space mapped, and installs them in TTBR1 of every core.
//
// Returns EINVARIANT if the metadata would overlap the pool, EINVAL for
// inconsistent geometry and ENOMEM if the kernel map cannot be built.
func New(opts Opts) (*MemoryManager, error) {
	if opts.CPUs < 1 {
		return nil, fmt.Errorf("need at least one cpu, got %d: %w", opts.CPUs, kerr.EINVAL)
	}
	metaStart, ok := hostarch.PhysToVirt(opts.ImageEnd).RoundUp()
	if !ok {
		return nil, fmt.Errorf("kernel image end %#x: %w", opts.ImageEnd, kerr.EINVAL)
	}
	layout := pgalloc.Layout{
		MetadataStart: metaStart,
		PoolStart:     hostarch.PhysToVirt(opts.PoolStart),
		Pages:         opts.Pages,
	}
	log.Debugf("mm: free memory starts at %v, pool [%v, %v)", layout.MetadataStart, layout.PoolStart,
		layout.PoolStart+hostarch.Addr(opts.Pages*hostarch.PageSize))
	if err := pgalloc.CheckLayout(layout); err != nil {
		return nil, fmt.Errorf("page metadata is too large: %w", err)
	}

	ram, err := physmem.New(opts.RAMBase, opts.RAMSize)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := ram.Release(); err != nil {
			log.Warningf("mm: releasing RAM: %v", err)
		}
	})
	defer cu.Clean()

	if !ram.Contains(opts.PoolStart, uintptr(opts.Pages*hostarch.PageSize)) {
		return nil, fmt.Errorf("pool [%#x, +%d pages) outside RAM [%#x, %#x): %w",
			opts.PoolStart, opts.Pages, ram.Base, ram.End(), kerr.EINVAL)
	}
	pool, err := pgalloc.NewPool(layout.PoolStart, opts.Pages, opts.MaxOrder, pgalloc.Options{Debug: opts.Debug})
	if err != nil {
		return nil, err
	}

	m := &MemoryManager{
		opts:   opts,
		layout: layout,
		ram:    ram,
		pool:   pool,
		tables: newTableAllocator(pool, ram),
	}
	m.kernel = ring0.New(ring0.KernelOpts{Allocator: m.tables})
	for i := 0; i < opts.CPUs; i++ {
		m.kernel.NewCPU()
	}

	if m.kernelTables, err = pagetables.New(m.tables, flusher{m}); err != nil {
		return nil, fmt.Errorf("kernel page tables: %w", err)
	}
	cu.Add(m.kernelTables.Release)
	if err := m.mapKernelSpace(opts.KernelMapVA, opts.KernelMapPA, opts.KernelMapLength); err != nil {
		return nil, err
	}
	for _, c := range m.kernel.CPUs() {
		c.SetTTBR1(m.kernelTables.RootPhysical())
	}

	if opts.Registry != nil {
		if err := m.registerMetrics(opts.Registry); err != nil {
			return nil, err
		}
	}

	m.release = cu.Release()
	log.Infof("mm: %d cpus, %d pool pages, %d bytes free, kernel root %#x",
		opts.CPUs, opts.Pages, pool.FreeBytes(), m.kernelTables.RootPhysical())
	return m, nil
}

// mapKernelSpace maps [va, va+length) to [pa, pa+length) with read/write
// kernel blocks.
func (m *MemoryManager) mapKernelSpace(va hostarch.Addr, pa uintptr, length uint64) error {
	if length == 0 {
		return nil
	}
	log.Infof("mm: map kernel space: root=%#x va=%v pa=%#x length=%#x", m.kernelTables.RootPhysical(), va, pa, length)
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite}
	if err := m.kernelTables.MapRange(va, pa, length, opts, pagetables.Block2M); err != nil {
		return fmt.Errorf("mapping kernel space: %w", err)
	}
	return nil
}

// Release tears down the kernel page tables and unmaps RAM. The
// MemoryManager must not be used afterwards.
func (m *MemoryManager) Release() {
	if m.opts.Registry != nil {
		m.unregisterMetrics(m.opts.Registry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.release != nil {
		for _, c := range m.kernel.CPUs() {
			c.SetTTBR0(0)
			c.SetTTBR1(0)
		}
		m.release()
		m.release = nil
	}
}

// Layout returns the placement of page metadata and the pool.
func (m *MemoryManager) Layout() pgalloc.Layout {
	return m.layout
}

// CPUs returns the cores of the machine, in ID order.
func (m *MemoryManager) CPUs() []*ring0.CPU {
	return m.kernel.CPUs()
}

// KernelTables returns the tree installed in TTBR1.
func (m *MemoryManager) KernelTables() *pagetables.PageTables {
	return m.kernelTables
}

// lock takes the big kernel lock on behalf of c. c may be nil for entry
// points that cannot change a tree.
func (m *MemoryManager) lock(c *ring0.CPU) {
	m.mu.Lock()
	m.current = c
}

func (m *MemoryManager) unlock() {
	m.current = nil
	m.mu.Unlock()
}

// flusher invalidates the TLB of the core currently holding the kernel lock.
type flusher struct {
	m *MemoryManager
}

// FlushTLB implements pagetables.Invalidator.FlushTLB.
func (f flusher) FlushTLB() {
	if c := f.m.current; c != nil {
		c.FlushTLB()
	}
}
