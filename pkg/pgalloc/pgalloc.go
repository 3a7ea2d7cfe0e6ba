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

// Package pgalloc contains the physical page allocator.
//
// The allocator is a binary buddy system over a single contiguous pool of
// page frames. A free block of order k covers 1<<k frames; its head frame's
// record carries the order, and the head is a member of exactly one per-order
// free set. Splitting and coalescing keep every frame of the pool inside
// exactly one block, free or allocated.
//
// A Pool is not safe for concurrent use. The kernel serializes all calls
// behind its global lock.
package pgalloc

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/log"
)

const (
	// DefaultMaxOrder is the number of orders used when none is configured.
	// The largest block is then 1<<(DefaultMaxOrder-1) pages (32 MiB).
	DefaultMaxOrder = 14

	// MaxOrderLimit bounds the configurable number of orders.
	MaxOrderLimit = 20

	// btreeDegree is the degree of the per-order free sets.
	btreeDegree = 8
)

// Frame is the index of a page record in the pool's metadata arena. It is the
// handle callers hold for an allocated block.
type Frame uint64

// InvalidFrame is returned where no frame applies.
const InvalidFrame = ^Frame(0)

// Page is the metadata record of one page frame.
//
// Only the head frame of a block carries meaningful state. Records of frames
// in the interior of a block are stale and are never consulted without first
// checking free set membership.
type Page struct {
	// order is the order of the block this frame heads.
	order uint8

	// allocated is set on the head of a block handed out by Allocate.
	allocated bool
}

// freeList is the set of free blocks of one order.
type freeList struct {
	// count is the number of blocks in the set. It always equals
	// blocks.Len().
	count int

	// blocks holds the head frames, lowest first.
	blocks *btree.BTreeG[Frame]
}

func newFreeList() freeList {
	return freeList{blocks: btree.NewOrderedG[Frame](btreeDegree)}
}

// Options holds allocator options.
type Options struct {
	// Debug runs CheckInvariants after every mutation and panics if it
	// fails.
	Debug bool
}

// Pool is a buddy allocator over the page frames
// [start, start+pageCount*PageSize).
type Pool struct {
	// start is the kernel virtual address of frame 0.
	start hostarch.Addr

	// size is the pool size in bytes.
	size uint64

	// pages is the metadata arena, indexed by Frame.
	pages []Page

	// free holds one free set per order.
	free []freeList

	maxOrder int
	opts     Options

	// exhausted rate limits the warning emitted when Allocate fails.
	exhausted log.Logger
}

// NewPool creates a pool of pageCount frames starting at start. Every frame
// is first marked allocated at order 0 and then freed one at a time, so
// coalescing alone produces the initial free distribution.
func NewPool(start hostarch.Addr, pageCount uint64, maxOrder int, opts Options) (*Pool, error) {
	if maxOrder < 1 || maxOrder > MaxOrderLimit {
		return nil, fmt.Errorf("max order %d outside [1, %d]: %w", maxOrder, MaxOrderLimit, kerr.EINVAL)
	}
	if !start.IsPageAligned() {
		return nil, fmt.Errorf("pool start %v is not page aligned: %w", start, kerr.EINVAL)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("empty pool: %w", kerr.EINVAL)
	}
	if _, ok := start.AddLength(pageCount * hostarch.PageSize); !ok {
		return nil, fmt.Errorf("pool %v + %d pages overflows: %w", start, pageCount, kerr.EINVAL)
	}

	p := &Pool{
		start:     start,
		size:      pageCount * hostarch.PageSize,
		pages:     make([]Page, pageCount),
		free:      make([]freeList, maxOrder),
		maxOrder:  maxOrder,
		opts:      opts,
		exhausted: log.BasicRateLimitedLogger(time.Second),
	}
	for i := range p.free {
		p.free[i] = newFreeList()
	}
	for i := range p.pages {
		p.pages[i] = Page{order: 0, allocated: true}
	}
	for f := Frame(0); f < Frame(pageCount); f++ {
		p.release(f)
	}
	p.checkAfterMutation("init")

	log.Infof("pgalloc: pool %v, %d pages, %d orders, %d bytes free", start, pageCount, maxOrder, p.FreeBytes())
	return p, nil
}

// blockBytes returns the size of a block of the given order.
func blockBytes(order int) uint64 {
	return hostarch.PageSize << uint(order)
}

// offset returns the byte offset of f from the pool start.
func offset(f Frame) uint64 {
	return uint64(f) << hostarch.PageShift
}

// MaxOrder returns the number of orders in the pool.
func (p *Pool) MaxOrder() int {
	return p.maxOrder
}

// PageCount returns the number of frames in the pool.
func (p *Pool) PageCount() uint64 {
	return uint64(len(p.pages))
}

// Start returns the address of frame 0.
func (p *Pool) Start() hostarch.Addr {
	return p.start
}

// Size returns the size of the pool in bytes.
func (p *Pool) Size() uint64 {
	return p.size
}

// contains returns true if the block of the given order headed by f lies
// wholly inside the pool.
func (p *Pool) contains(f Frame, order int) bool {
	return f < Frame(len(p.pages)) && offset(f)+blockBytes(order) <= p.size
}

// Order returns the order recorded for f.
func (p *Pool) Order(f Frame) int {
	return int(p.pages[f].order)
}

// Allocated returns true if f heads an allocated block.
func (p *Pool) Allocated(f Frame) bool {
	return f < Frame(len(p.pages)) && p.pages[f].allocated
}

// PageToAddress returns the address of the first byte of f.
func (p *Pool) PageToAddress(f Frame) hostarch.Addr {
	return p.start + hostarch.Addr(offset(f))
}

// AddressToPage returns the frame containing addr, or InvalidFrame if addr is
// outside the pool.
func (p *Pool) AddressToPage(addr hostarch.Addr) Frame {
	if addr < p.start || uint64(addr-p.start) >= p.size {
		return InvalidFrame
	}
	return Frame(uint64(addr-p.start) >> hostarch.PageShift)
}

// insert adds the free block f to the set of its order.
func (p *Pool) insert(f Frame, order int) {
	p.pages[f] = Page{order: uint8(order)}
	if _, dup := p.free[order].blocks.ReplaceOrInsert(f); dup {
		panic(fmt.Sprintf("frame %d already in free set %d", f, order))
	}
	p.free[order].count++
}

// remove takes the free block f out of the set of the given order.
func (p *Pool) remove(f Frame, order int) {
	if _, ok := p.free[order].blocks.Delete(f); !ok {
		panic(fmt.Sprintf("frame %d missing from free set %d", f, order))
	}
	p.free[order].count--
}

// buddyOf returns the buddy of the block of the given order headed by f, and
// whether that buddy lies wholly inside the pool.
func (p *Pool) buddyOf(f Frame, order int) (Frame, bool) {
	b := Frame((offset(f) ^ blockBytes(order)) >> hostarch.PageShift)
	return b, p.contains(b, order)
}

// Allocate returns the head of a free block of 1<<order frames.
//
// The lowest addressed block of the smallest non-empty order at or above the
// request is taken and split down. Each split removes the block from its set
// and inserts both halves one order lower; splitting continues on the lower
// half. Returns ENOMEM if no order can serve the request.
func (p *Pool) Allocate(order int) (Frame, error) {
	if order < 0 || order >= p.maxOrder {
		return InvalidFrame, fmt.Errorf("allocation order %d outside [0, %d): %w", order, p.maxOrder, kerr.EINVAL)
	}

	from := order
	for from < p.maxOrder && p.free[from].count == 0 {
		from++
	}
	if from == p.maxOrder {
		allocFailures.Increment()
		p.exhausted.Warningf("pgalloc: out of memory allocating order %d, %d bytes free", order, p.FreeBytes())
		return InvalidFrame, fmt.Errorf("no free block of order >= %d: %w", order, kerr.ENOMEM)
	}

	f, _ := p.free[from].blocks.Min()
	for k := from; k > order; k-- {
		p.remove(f, k)
		half := Frame(uint64(1) << uint(k-1))
		p.insert(f, k-1)
		p.insert(f+half, k-1)
		splits.Increment()
	}
	p.remove(f, order)
	p.pages[f] = Page{order: uint8(order), allocated: true}
	allocations.Increment(orderField(order))

	if log.IsLogging(log.Debug) {
		log.Debugf("pgalloc: allocated frame %d order %d (from order %d)", f, order, from)
	}
	p.checkAfterMutation("allocate")
	return f, nil
}

// Free returns the block headed by f to the pool and coalesces it with free
// buddies until a buddy is missing, allocated, of another order, or the
// largest order is reached.
//
// Returns EINVAL without changing state if f is outside the pool or does not
// head an allocated block.
func (p *Pool) Free(f Frame) error {
	if f >= Frame(len(p.pages)) {
		return fmt.Errorf("frame %d outside pool of %d pages: %w", f, len(p.pages), kerr.EINVAL)
	}
	if !p.pages[f].allocated {
		return fmt.Errorf("frame %d is not an allocated block: %w", f, kerr.EINVAL)
	}

	frees.Increment(orderField(int(p.pages[f].order)))
	p.release(f)
	p.checkAfterMutation("free")
	return nil
}

// release inserts the allocated block headed by f into its free set and
// merges it upwards.
func (p *Pool) release(f Frame) {
	order := int(p.pages[f].order)
	p.insert(f, order)
	for order < p.maxOrder-1 {
		b, ok := p.buddyOf(f, order)
		if !ok {
			break
		}
		bp := p.pages[b]
		if bp.allocated || int(bp.order) != order || !p.free[order].blocks.Has(b) {
			break
		}
		p.remove(f, order)
		p.remove(b, order)
		f = min(f, b)
		order++
		p.insert(f, order)
		merges.Increment()
	}
}

// FreeCount returns the number of free blocks of the given order.
func (p *Pool) FreeCount(order int) int {
	return p.free[order].count
}

// FreeBlocks returns the heads of the free blocks of the given order, lowest
// first.
func (p *Pool) FreeBlocks(order int) []Frame {
	frames := make([]Frame, 0, p.free[order].count)
	p.free[order].blocks.Ascend(func(f Frame) bool {
		frames = append(frames, f)
		return true
	})
	return frames
}

// FreeBytes returns the number of bytes in free blocks.
func (p *Pool) FreeBytes() uint64 {
	var total uint64
	debug := log.IsLogging(log.Debug)
	for order := range p.free {
		n := uint64(p.free[order].count) * blockBytes(order)
		if debug && p.free[order].count > 0 {
			log.Debugf("pgalloc: order %2d: %d free blocks, %d bytes", order, p.free[order].count, n)
		}
		total += n
	}
	return total
}

// Snapshot is the free distribution of a pool: the free block heads of each
// order, lowest first.
type Snapshot [][]Frame

// Snapshot returns the current free distribution.
func (p *Pool) Snapshot() Snapshot {
	s := make(Snapshot, p.maxOrder)
	for order := range s {
		s[order] = p.FreeBlocks(order)
	}
	return s
}

// checkAfterMutation halts if debug checking is on and an invariant does not
// hold.
func (p *Pool) checkAfterMutation(op string) {
	if !p.opts.Debug {
		return
	}
	if err := p.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("pgalloc: after %s: %v", op, err))
	}
}
