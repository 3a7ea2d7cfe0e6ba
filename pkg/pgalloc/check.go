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

package pgalloc

import (
	"fmt"

	"labkernel.dev/labkernel/pkg/errors/kerr"
)

func invariantf(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), kerr.EINVARIANT)
}

// CheckInvariants verifies the allocator state:
//
//   - each free set's count equals its size and is at most the number of
//     blocks of that order that fit in the pool;
//   - each free set member is an unallocated head of its order, aligned to
//     its block size relative to the pool start and lying wholly in the pool;
//   - walking block heads from frame 0 covers every frame exactly once, and
//     reaches every free set member;
//   - no two free buddies of the same order below the top order coexist;
//   - free and allocated bytes sum to the pool size.
func (p *Pool) CheckInvariants() error {
	var listed uint64
	for order := range p.free {
		fl := &p.free[order]
		if fl.count < 0 || uint64(fl.count) > p.size/blockBytes(order) {
			return invariantf("order %d: count %d out of range", order, fl.count)
		}
		if fl.count != fl.blocks.Len() {
			return invariantf("order %d: count %d but %d blocks in set", order, fl.count, fl.blocks.Len())
		}
		var err error
		fl.blocks.Ascend(func(f Frame) bool {
			switch {
			case !p.contains(f, order):
				err = invariantf("order %d: block %d not wholly in pool", order, f)
			case offset(f)%blockBytes(order) != 0:
				err = invariantf("order %d: block %d misaligned", order, f)
			case p.pages[f].allocated:
				err = invariantf("order %d: free block %d marked allocated", order, f)
			case int(p.pages[f].order) != order:
				err = invariantf("order %d: block %d records order %d", order, f, p.pages[f].order)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
		listed += uint64(fl.count)
	}

	var freeBytes, allocatedBytes, walkedFree uint64
	for f := Frame(0); f < Frame(len(p.pages)); {
		pg := p.pages[f]
		order := int(pg.order)
		if order >= p.maxOrder {
			return invariantf("frame %d: order %d >= max order %d", f, order, p.maxOrder)
		}
		if !p.contains(f, order) {
			return invariantf("frame %d: order %d block runs past the pool", f, order)
		}
		switch {
		case pg.allocated:
			allocatedBytes += blockBytes(order)
		case p.free[order].blocks.Has(f):
			freeBytes += blockBytes(order)
			walkedFree++
		default:
			return invariantf("frame %d is not covered by any block", f)
		}
		f += Frame(1) << uint(order)
	}
	if walkedFree != listed {
		return invariantf("%d free blocks reachable from frame 0 but %d listed", walkedFree, listed)
	}
	if freeBytes+allocatedBytes != p.size {
		return invariantf("free %d + allocated %d bytes != pool size %d", freeBytes, allocatedBytes, p.size)
	}

	for order := 0; order < p.maxOrder-1; order++ {
		var err error
		p.free[order].blocks.Ascend(func(f Frame) bool {
			if b, ok := p.buddyOf(f, order); ok && p.free[order].blocks.Has(b) {
				err = invariantf("order %d: buddies %d and %d both free", order, f, b)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
