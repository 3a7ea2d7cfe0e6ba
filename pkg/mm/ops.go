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

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/log"
	"labkernel.dev/labkernel/pkg/pgalloc"
	"labkernel.dev/labkernel/pkg/ring0"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
)

// AllocPages allocates a block of 2^order contiguous frames and returns the
// physical address of its first byte. The block is not zeroed.
func (m *MemoryManager) AllocPages(order int) (uintptr, error) {
	m.lock(nil)
	defer m.unlock()
	f, err := m.pool.Allocate(order)
	if err != nil {
		return 0, err
	}
	return hostarch.VirtToPhys(m.pool.PageToAddress(f)), nil
}

// FreePages returns the block starting at pa, as returned by AllocPages.
//
// Returns EINVAL if pa is not the head of an allocated block, or is a table
// page owned by a tree.
func (m *MemoryManager) FreePages(pa uintptr) error {
	m.lock(nil)
	defer m.unlock()
	f, err := m.frameOf(pa)
	if err != nil {
		return err
	}
	if m.tables.owns(pa) {
		return fmt.Errorf("%#x is a page table page: %w", pa, kerr.EINVAL)
	}
	return m.pool.Free(f)
}

// frameOf converts a physical address to a pool frame.
func (m *MemoryManager) frameOf(pa uintptr) (pgalloc.Frame, error) {
	if !hostarch.Addr(pa).IsPageAligned() {
		return pgalloc.InvalidFrame, fmt.Errorf("%#x is not page aligned: %w", pa, kerr.EINVAL)
	}
	f := m.pool.AddressToPage(hostarch.PhysToVirt(pa))
	if f == pgalloc.InvalidFrame {
		return f, fmt.Errorf("%#x is outside the pool: %w", pa, kerr.EINVAL)
	}
	return f, nil
}

// FreeBytes returns the number of bytes in free blocks.
func (m *MemoryManager) FreeBytes() uint64 {
	m.lock(nil)
	defer m.unlock()
	return m.pool.FreeBytes()
}

// Snapshot returns the free blocks of every order.
func (m *MemoryManager) Snapshot() pgalloc.Snapshot {
	m.lock(nil)
	defer m.unlock()
	return m.pool.Snapshot()
}

// Stats is a point in time summary of the subsystem.
type Stats struct {
	// PoolPages is the number of frames in the pool.
	PoolPages uint64

	// FreeBytes is the number of bytes in free blocks.
	FreeBytes uint64

	// FreeBlocks is the number of free blocks of each order.
	FreeBlocks []int

	// TablePages is the number of frames holding page tables.
	TablePages int
}

// Stats returns a summary of the pool and the page tables.
func (m *MemoryManager) Stats() Stats {
	m.lock(nil)
	defer m.unlock()
	s := Stats{
		PoolPages:  m.pool.PageCount(),
		FreeBytes:  m.pool.FreeBytes(),
		FreeBlocks: make([]int, m.pool.MaxOrder()),
		TablePages: m.tables.live(),
	}
	for order := range s.FreeBlocks {
		s.FreeBlocks[order] = m.pool.FreeCount(order)
	}
	return s
}

// CheckInvariants verifies the pool and that every table page is an
// allocated order 0 block.
func (m *MemoryManager) CheckInvariants() error {
	m.lock(nil)
	defer m.unlock()
	if err := m.pool.CheckInvariants(); err != nil {
		return err
	}
	for pa := range m.tables.byPhysical {
		f := m.pool.AddressToPage(hostarch.PhysToVirt(pa))
		if f == pgalloc.InvalidFrame || !m.pool.Allocated(f) || m.pool.Order(f) != 0 {
			return fmt.Errorf("table page %#x is not an allocated order 0 frame: %w", pa, kerr.EINVARIANT)
		}
	}
	return nil
}

// NewPageTables returns an empty tree whose table pages come from the pool.
func (m *MemoryManager) NewPageTables() (*pagetables.PageTables, error) {
	m.lock(nil)
	defer m.unlock()
	return pagetables.New(m.tables, flusher{m})
}

// ReleasePageTables returns every table page of pt to the pool.
//
// Returns EINVAL if pt is the kernel tree or is installed on a core.
func (m *MemoryManager) ReleasePageTables(pt *pagetables.PageTables) error {
	m.lock(nil)
	defer m.unlock()
	if pt == m.kernelTables {
		return fmt.Errorf("releasing the kernel tree: %w", kerr.EINVAL)
	}
	if pt.RootPhysical() == 0 {
		return nil // Already released.
	}
	for _, c := range m.kernel.CPUs() {
		if c.TTBR0() == pt.RootPhysical() {
			return fmt.Errorf("tree %#x is installed on cpu %d: %w", pt.RootPhysical(), c.ID(), kerr.EINVAL)
		}
	}
	pt.Release()
	return nil
}

// MapRange maps [va, va+length) to [pa, pa+length) in pt on behalf of c. The
// TLB of c is flushed once if the tree changed.
func (m *MemoryManager) MapRange(c *ring0.CPU, pt *pagetables.PageTables, va hostarch.Addr, pa uintptr, length uint64, opts pagetables.MapOpts, g pagetables.Granularity) error {
	m.lock(c)
	defer m.unlock()
	return pt.MapRange(va, pa, length, opts, g)
}

// UnmapRange removes the 4 KiB mappings of [va, va+length) in pt on behalf
// of c, and flushes the TLB of c once.
func (m *MemoryManager) UnmapRange(c *ring0.CPU, pt *pagetables.PageTables, va hostarch.Addr, length uint64) error {
	m.lock(c)
	defer m.unlock()
	return pt.UnmapRange(va, length)
}

// Query returns the physical address va maps to and the raw descriptor of
// its 4 KiB leaf.
func (m *MemoryManager) Query(pt *pagetables.PageTables, va hostarch.Addr) (uintptr, uint64, error) {
	m.lock(nil)
	defer m.unlock()
	pa, pte, err := pt.Query(va)
	if err != nil {
		return 0, 0, err
	}
	return pa, pte.Load(), nil
}

// QueryAtLevel is like Query, but stops at level.
func (m *MemoryManager) QueryAtLevel(pt *pagetables.PageTables, va hostarch.Addr, level int) (uintptr, uint64, error) {
	m.lock(nil)
	defer m.unlock()
	pa, pte, err := pt.QueryAtLevel(va, level)
	if err != nil {
		return 0, 0, err
	}
	return pa, pte.Load(), nil
}

// SetRoot installs pt as the user tree of c. A nil pt leaves c without a
// user tree.
func (m *MemoryManager) SetRoot(c *ring0.CPU, pt *pagetables.PageTables) {
	m.lock(c)
	defer m.unlock()
	var root uintptr
	if pt != nil {
		root = pt.RootPhysical()
	}
	log.Debugf("mm: cpu %d ttbr0 %#x", c.ID(), root)
	c.SetTTBR0(root)
}

// Translate translates va on c as an access of the given type from el.
func (m *MemoryManager) Translate(c *ring0.CPU, va hostarch.Addr, at hostarch.AccessType, el ring0.ExceptionLevel) (uintptr, error) {
	m.lock(c)
	defer m.unlock()
	return c.Translate(va, at, el)
}

// CopyOut writes src to memory at va as seen by c from el. It returns the
// number of bytes copied before any fault.
func (m *MemoryManager) CopyOut(c *ring0.CPU, va hostarch.Addr, src []byte, el ring0.ExceptionLevel) (int, error) {
	m.lock(c)
	defer m.unlock()
	return m.copy(c, va, src, hostarch.Write, el, func(ram, buf []byte) { copy(ram, buf) })
}

// CopyIn reads len(dst) bytes of memory at va as seen by c from el. It
// returns the number of bytes copied before any fault.
func (m *MemoryManager) CopyIn(c *ring0.CPU, va hostarch.Addr, dst []byte, el ring0.ExceptionLevel) (int, error) {
	m.lock(c)
	defer m.unlock()
	return m.copy(c, va, dst, hostarch.Read, el, func(ram, buf []byte) { copy(buf, ram) })
}

// copy translates buf page by page and calls fn with each piece of RAM.
func (m *MemoryManager) copy(c *ring0.CPU, va hostarch.Addr, buf []byte, at hostarch.AccessType, el ring0.ExceptionLevel, fn func(ram, buf []byte)) (int, error) {
	done := 0
	for done < len(buf) {
		cur := va + hostarch.Addr(done)
		n := min(len(buf)-done, int(hostarch.PageSize-cur.PageOffset()))
		pa, err := c.Translate(cur, at, el)
		if err != nil {
			return done, err
		}
		ram, err := m.ram.Bytes(pa, uintptr(n))
		if err != nil {
			return done, err
		}
		fn(ram, buf[done:done+n])
		done += n
	}
	return done, nil
}
