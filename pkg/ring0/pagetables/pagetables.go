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

// Package pagetables manages ARMv8 stage 1 translation tables.
//
// A tree has four levels of 512-entry table pages. Each level selects an
// index from nine bits of the virtual address: bits [47:39] at level 0,
// [38:30] at level 1, [29:21] at level 2 and [20:12] at level 3. Leaves are
// Page descriptors at level 3 or Block descriptors at levels 1 and 2.
//
// PageTables does no locking of its own. All calls on trees that may be
// shared must be serialized by the caller.
package pagetables

import (
	"fmt"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/log"
)

const (
	entriesPerPage = 512

	// leafLevel is the level holding Page descriptors.
	leafLevel = 3

	indexBits = 9
	indexMask = entriesPerPage - 1
)

// levelShift is the lowest virtual address bit indexed at each level.
var levelShift = [...]uint{39, 30, 21, 12}

// levelSize returns the span of one entry at the given level.
func levelSize(level int) uint64 {
	return 1 << levelShift[level]
}

// index returns the entry index of va at the given level.
func index(va hostarch.Addr, level int) int {
	return int((uint64(va) >> levelShift[level]) & indexMask)
}

// next returns the next address quantized by the given size.
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}

// Granularity is the leaf size used by MapRange.
type Granularity int

// Supported granularities.
const (
	// Page4K installs level 3 Page descriptors.
	Page4K Granularity = iota

	// Block2M installs level 2 Block descriptors.
	Block2M

	// Block1G installs level 1 Block descriptors.
	Block1G
)

// Level returns the table level holding leaves of this granularity.
func (g Granularity) Level() int {
	switch g {
	case Page4K:
		return 3
	case Block2M:
		return 2
	case Block1G:
		return 1
	default:
		panic(fmt.Sprintf("unknown granularity %d", g))
	}
}

// Size returns the number of bytes covered by one leaf.
func (g Granularity) Size() uint64 {
	return levelSize(g.Level())
}

func (g Granularity) String() string {
	switch g {
	case Page4K:
		return "4K"
	case Block2M:
		return "2M"
	case Block1G:
		return "1G"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new, zero-filled set of PTEs and its physical
	// address, or an error wrapping ENOMEM.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if
	// physical does not hold a table page from this allocator.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs as freed.
	FreePTEs(ptes *PTEs)
}

// Invalidator discards cached translations after the tree changes.
type Invalidator interface {
	// FlushTLB invalidates the translation cache of the issuing core. It
	// returns once the invalidation is complete.
	FlushTLB()
}

// PageTables is a four level translation tree.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// Invalidator is flushed once per MapRange or UnmapRange call. It may
	// be nil for trees not yet installed on any core.
	Invalidator Invalidator

	// root is the level 0 table.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables with an empty root table.
func New(a Allocator, inv Invalidator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &PageTables{
		Allocator:    a,
		Invalidator:  inv,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// FromRoot returns a view of the existing tree rooted at rootPhysical, as the
// hardware walker would see it after reading a TTBR.
func FromRoot(a Allocator, rootPhysical uintptr) (*PageTables, error) {
	root := a.LookupPTEs(rootPhysical)
	if root == nil {
		return nil, fmt.Errorf("no table page at %#x: %w", rootPhysical, kerr.EFAULT)
	}
	return &PageTables{Allocator: a, root: root, rootPhysical: rootPhysical}, nil
}

// RootPhysical returns the physical address of the root table, the value
// installed in a TTBR.
//
//go:nosplit
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// child returns the table page a Table entry points to.
func (p *PageTables) child(t Table, va hostarch.Addr, level int) (*PTEs, error) {
	ptes := p.Allocator.LookupPTEs(t.Physical)
	if ptes == nil {
		return nil, fmt.Errorf("va %v level %d: table entry points to %#x, not a table page: %w", va, level, t.Physical, kerr.EINVARIANT)
	}
	return ptes, nil
}

// lookup descends towards target without allocating. It stops at the first
// entry that is not a Table, or at target, and returns that entry and its
// level.
func (p *PageTables) lookup(va hostarch.Addr, target int) (*PTE, int, Entry, error) {
	ptes := p.root
	for level := 0; ; level++ {
		pte := &ptes[index(va, level)]
		e := pte.Entry(level)
		t, ok := e.(Table)
		if !ok || level == target {
			return pte, level, e, nil
		}
		var err error
		if ptes, err = p.child(t, va, level); err != nil {
			return nil, level, nil, err
		}
	}
}

// walkAlloc descends to target, creating missing tables, and returns the
// entry at target. created is set if any table was installed.
func (p *PageTables) walkAlloc(va hostarch.Addr, target int) (pte *PTE, created bool, err error) {
	ptes := p.root
	for level := 0; level < target; level++ {
		entry := &ptes[index(va, level)]
		switch e := entry.Entry(level).(type) {
		case Invalid:
			table, err := p.Allocator.NewPTEs()
			if err != nil {
				return nil, created, fmt.Errorf("va %v: allocating level %d table: %w", va, level+1, err)
			}
			entry.Set(Table{Physical: p.Allocator.PhysicalFor(table)})
			created = true
			ptes = table
		case Table:
			if ptes, err = p.child(e, va, level); err != nil {
				return nil, created, err
			}
		case Block:
			return nil, created, fmt.Errorf("va %v: level %d block covers [%#x, %#x): %w",
				va, level, uint64(va)&^(levelSize(level)-1), next(uint64(va), levelSize(level)), kerr.EBLOCKMAPPING)
		default:
			panic(fmt.Sprintf("unexpected %T at level %d", e, level))
		}
	}
	return &ptes[index(va, target)], created, nil
}

// checkRange validates a virtual range for MapRange and UnmapRange.
func checkRange(va hostarch.Addr, length, align uint64) (hostarch.Addr, error) {
	if length == 0 || length%align != 0 {
		return 0, fmt.Errorf("length %#x is not a non-zero multiple of %#x: %w", length, align, kerr.EINVAL)
	}
	if !va.IsAligned(align) {
		return 0, fmt.Errorf("va %v is not %#x aligned: %w", va, align, kerr.EINVAL)
	}
	end, ok := va.AddLength(length)
	if !ok || !hostarch.IsCanonical(va) || !hostarch.IsCanonical(end-1) || hostarch.IsKernelAddr(va) != hostarch.IsKernelAddr(end-1) {
		return 0, fmt.Errorf("range [%v, %v+%#x) is not within one canonical half: %w", va, va, length, kerr.EINVAL)
	}
	return end, nil
}

// flush invalidates the issuing core's translation cache, if a core has been
// attached.
func (p *PageTables) flush() {
	if p.Invalidator != nil {
		p.Invalidator.FlushTLB()
	}
}

// MapRange maps [va, va+length) to [pa, pa+length) with leaves of the given
// granularity, creating intermediate tables as needed. Existing leaves at
// the target level are replaced.
//
// Errors:
//   - EINVAL: misaligned or non-canonical arguments, or opts grant no
//     access. Nothing is written.
//   - ENOMEM: a table page could not be allocated.
//   - EBLOCKMAPPING: the walk met a coarser Block above the target level.
//   - EEXIST: a Block was requested where a Table is installed.
//
// On error, leaves written before the failing address remain. The
// translation cache is flushed once before returning if anything was
// written.
func (p *PageTables) MapRange(va hostarch.Addr, pa uintptr, length uint64, opts MapOpts, g Granularity) (err error) {
	size := g.Size()
	end, err := checkRange(va, length, size)
	if err != nil {
		return err
	}
	if uint64(pa)%size != 0 || uint64(pa)+length > 1<<hostarch.VirtualAddressBits {
		return fmt.Errorf("pa %#x+%#x cannot be mapped at %v: %w", pa, length, g, kerr.EINVAL)
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("map with no access: %w", kerr.EINVAL)
	}

	level := g.Level()
	perms := opts.Perms()
	written := false
	defer func() {
		if written {
			p.flush()
		}
	}()

	for cur := va; cur < end; cur += hostarch.Addr(size) {
		pte, created, err := p.walkAlloc(cur, level)
		written = written || created
		if err != nil {
			return err
		}
		phys := pa + uintptr(cur-va)
		if level == leafLevel {
			pte.Set(Page{Physical: phys, Perms: perms})
		} else {
			if _, ok := pte.Entry(level).(Table); ok {
				return fmt.Errorf("va %v: level %d holds a table, cannot install a %v block: %w", cur, level, g, kerr.EEXIST)
			}
			pte.Set(Block{Physical: phys, Level: level, Perms: perms})
		}
		written = true
	}

	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: root %#x mapped [%v, %v) -> %#x as %v %v", p.rootPhysical, va, end, pa, g, opts.AccessType)
	}
	return nil
}

// UnmapRange invalidates the Page leaves covering [va, va+length). Holes are
// skipped. Table pages are never reclaimed; see Release.
//
// Returns EBLOCKMAPPING, having unmapped the pages before it, if a Block
// covers part of the range. The translation cache is flushed exactly once
// for every call with valid arguments.
func (p *PageTables) UnmapRange(va hostarch.Addr, length uint64) error {
	end, err := checkRange(va, length, hostarch.PageSize)
	if err != nil {
		return err
	}
	defer p.flush()

	for cur := uint64(va); cur < uint64(end); {
		pte, level, e, err := p.lookup(hostarch.Addr(cur), leafLevel)
		if err != nil {
			return err
		}
		switch e.(type) {
		case Invalid:
			cur = next(cur, levelSize(level))
			if cur == 0 {
				// Wrapped past the top of the address space.
				return nil
			}
		case Page:
			pte.Clear()
			cur += hostarch.PageSize
		case Block:
			return fmt.Errorf("va %#x: unmapping part of a level %d block: %w", cur, level, kerr.EBLOCKMAPPING)
		default:
			panic(fmt.Sprintf("unexpected %T at level %d", e, level))
		}
	}
	return nil
}

// Query returns the physical address va translates to, including its page
// offset, and the Page descriptor mapping it.
//
// Returns ENOMAPPING if the walk reaches an Invalid entry, and EBLOCKMAPPING
// if a Block maps va; use QueryAtLevel to inspect blocks.
func (p *PageTables) Query(va hostarch.Addr) (uintptr, *PTE, error) {
	pte, level, e, err := p.lookup(va, leafLevel)
	if err != nil {
		return 0, nil, err
	}
	switch e := e.(type) {
	case Page:
		return e.Physical + uintptr(va.PageOffset()), pte, nil
	case Block:
		return 0, nil, fmt.Errorf("va %v is inside a level %d block: %w", va, level, kerr.EBLOCKMAPPING)
	default:
		return 0, nil, fmt.Errorf("va %v: invalid entry at level %d: %w", va, level, kerr.ENOMAPPING)
	}
}

// QueryAtLevel is like Query but stops descending at the given level (1, 2 or
// 3), returning the Block or Page leaf found at or above it.
//
// Returns ENOMAPPING if the walk reaches an Invalid entry, or if level still
// holds a Table.
func (p *PageTables) QueryAtLevel(va hostarch.Addr, level int) (uintptr, *PTE, error) {
	if level < 1 || level > leafLevel {
		return 0, nil, fmt.Errorf("query level %d outside [1, %d]: %w", level, leafLevel, kerr.EINVAL)
	}
	pte, found, e, err := p.lookup(va, level)
	if err != nil {
		return 0, nil, err
	}
	switch e := e.(type) {
	case Page:
		return e.Physical + uintptr(va.PageOffset()), pte, nil
	case Block:
		return e.Physical + uintptr(uint64(va)&(levelSize(e.Level)-1)), pte, nil
	case Table:
		return 0, nil, fmt.Errorf("va %v: level %d holds a table: %w", va, found, kerr.ENOMAPPING)
	default:
		return 0, nil, fmt.Errorf("va %v: invalid entry at level %d: %w", va, found, kerr.ENOMAPPING)
	}
}

// Resolve walks va down to its leaf at whatever level it is installed, as the
// hardware walker does, and returns the physical address with its offset,
// the leaf and its level. If the walk reaches an Invalid entry, Resolve
// returns ENOMAPPING and the level of that entry.
func (p *PageTables) Resolve(va hostarch.Addr) (uintptr, Entry, int, error) {
	_, level, e, err := p.lookup(va, leafLevel)
	if err != nil {
		return 0, nil, level, err
	}
	switch leaf := e.(type) {
	case Page:
		return leaf.Physical + uintptr(va.PageOffset()), leaf, level, nil
	case Block:
		return leaf.Physical + uintptr(uint64(va)&(levelSize(level)-1)), leaf, level, nil
	default:
		return 0, nil, level, fmt.Errorf("va %v: invalid entry at level %d: %w", va, level, kerr.ENOMAPPING)
	}
}

// Walk calls fn for each leaf overlapping [start, end), in address order,
// until fn returns false. start and end must lie in the same canonical
// half; reported addresses carry start's upper bits.
func (p *PageTables) Walk(start, end hostarch.Addr, fn func(va hostarch.Addr, pte *PTE, e Entry) bool) error {
	if end <= start {
		return nil
	}
	upper := uint64(start) &^ (1<<hostarch.VirtualAddressBits - 1)
	_, err := p.walkTable(p.root, 0, upper, uint64(start), uint64(end-1), fn)
	return err
}

// walkTable visits the leaves below ptes, a table at the given level whose
// first entry maps base. first and last bound the visited addresses,
// inclusive.
func (p *PageTables) walkTable(ptes *PTEs, level int, base, first, last uint64, fn func(hostarch.Addr, *PTE, Entry) bool) (bool, error) {
	size := levelSize(level)
	for i := range ptes {
		lo := base + uint64(i)*size
		hi := lo + size - 1
		if hi < first {
			continue
		}
		if lo > last {
			break
		}
		pte := &ptes[i]
		switch e := pte.Entry(level).(type) {
		case Invalid:
		case Table:
			child, err := p.child(e, hostarch.Addr(lo), level)
			if err != nil {
				return false, err
			}
			if cont, err := p.walkTable(child, level+1, lo, first, last, fn); !cont || err != nil {
				return false, err
			}
		default:
			if !fn(hostarch.Addr(lo), pte, e) {
				return false, nil
			}
		}
	}
	return true, nil
}

// TablePages returns the number of table pages in the tree, including the
// root.
func (p *PageTables) TablePages() int {
	n := 0
	p.forEachTable(p.root, 0, func(*PTEs) { n++ })
	return n
}

// forEachTable calls fn on every table page below and including ptes,
// children before parents.
func (p *PageTables) forEachTable(ptes *PTEs, level int, fn func(*PTEs)) {
	if level < leafLevel {
		for i := range ptes {
			if t, ok := ptes[i].Entry(level).(Table); ok {
				if child := p.Allocator.LookupPTEs(t.Physical); child != nil {
					p.forEachTable(child, level+1, fn)
				}
			}
		}
	}
	fn(ptes)
}

// Release returns every table page of the tree to the allocator. The tree
// must not be installed on any core, and must not be used afterwards.
func (p *PageTables) Release() {
	if p.root == nil {
		return
	}
	n := 0
	p.forEachTable(p.root, 0, func(ptes *PTEs) {
		p.Allocator.FreePTEs(ptes)
		n++
	})
	log.Debugf("pagetables: released root %#x, %d table pages", p.rootPhysical, n)
	p.root = nil
	p.rootPhysical = 0
}
