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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
)

const (
	page = hostarch.PageSize

	// poolStart is the kernel address of the test pools.
	poolStart = hostarch.Addr(0xffffff0080000000)
)

func newTestPool(t *testing.T, pages uint64, maxOrder int) *Pool {
	t.Helper()
	p, err := NewPool(poolStart, pages, maxOrder, Options{Debug: true})
	if err != nil {
		t.Fatalf("NewPool(%d pages, max order %d): %v", pages, maxOrder, err)
	}
	return p
}

func TestInitDistribution(t *testing.T) {
	for _, test := range []struct {
		name     string
		pages    uint64
		maxOrder int
		want     Snapshot
	}{
		{
			name:     "power of two",
			pages:    16,
			maxOrder: 5,
			want:     Snapshot{{}, {}, {}, {}, {0}},
		},
		{
			name:     "capped by max order",
			pages:    16,
			maxOrder: 3,
			want:     Snapshot{{}, {}, {0, 4, 8, 12}},
		},
		{
			name:     "twelve pages",
			pages:    12,
			maxOrder: 5,
			want:     Snapshot{{}, {}, {8}, {0}, {}},
		},
		{
			name:     "thirteen pages",
			pages:    13,
			maxOrder: 5,
			want:     Snapshot{{12}, {}, {8}, {0}, {}},
		},
		{
			name:     "single page",
			pages:    1,
			maxOrder: 1,
			want:     Snapshot{{0}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := newTestPool(t, test.pages, test.maxOrder)
			if diff := cmp.Diff(test.want, p.Snapshot()); diff != "" {
				t.Errorf("free distribution mismatch (-want +got):\n%s", diff)
			}
			if got, want := p.FreeBytes(), test.pages*page; got != want {
				t.Errorf("FreeBytes = %d, want %d", got, want)
			}
		})
	}
}

func TestNewPoolValidation(t *testing.T) {
	for _, test := range []struct {
		name     string
		start    hostarch.Addr
		pages    uint64
		maxOrder int
	}{
		{"zero max order", poolStart, 16, 0},
		{"max order too large", poolStart, 16, MaxOrderLimit + 1},
		{"unaligned start", poolStart + 1, 16, 5},
		{"no pages", poolStart, 0, 5},
		{"overflow", hostarch.Addr(^uintptr(0) &^ (page - 1)), 16, 5},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewPool(test.start, test.pages, test.maxOrder, Options{}); !kerr.Equals(kerr.EINVAL, err) {
				t.Errorf("NewPool got err %v, want EINVAL", err)
			}
		})
	}
}

func TestAllocateSplits(t *testing.T) {
	p := newTestPool(t, 16, 5)

	f, err := p.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if f != 0 {
		t.Errorf("Allocate(0) = frame %d, want 0", f)
	}
	if diff := cmp.Diff(Snapshot{{1}, {2}, {4}, {8}, {}}, p.Snapshot()); diff != "" {
		t.Errorf("after split (-want +got):\n%s", diff)
	}
	if got, want := p.FreeBytes(), uint64(15*page); got != want {
		t.Errorf("FreeBytes = %d, want %d", got, want)
	}

	// The lowest block of the smallest fitting order is used.
	g, err := p.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): %v", err)
	}
	if g != 2 {
		t.Errorf("Allocate(1) = frame %d, want 2", g)
	}
	if !p.Allocated(g) || p.Order(g) != 1 {
		t.Errorf("frame %d: allocated=%t order=%d, want true, 1", g, p.Allocated(g), p.Order(g))
	}

	if err := p.Free(f); err != nil {
		t.Fatalf("Free(%d): %v", f, err)
	}
	if err := p.Free(g); err != nil {
		t.Fatalf("Free(%d): %v", g, err)
	}
	if diff := cmp.Diff(Snapshot{{}, {}, {}, {}, {0}}, p.Snapshot()); diff != "" {
		t.Errorf("after merge (-want +got):\n%s", diff)
	}
}

func TestExhaustion(t *testing.T) {
	p := newTestPool(t, 16, 5)
	before := allocFailures.Value()

	for i := 0; i < 16; i++ {
		if _, err := p.Allocate(0); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}
	if _, err := p.Allocate(0); !kerr.Equals(kerr.ENOMEM, err) {
		t.Errorf("Allocate on empty pool got err %v, want ENOMEM", err)
	}
	if got := allocFailures.Value() - before; got != 1 {
		t.Errorf("alloc_failures grew by %d, want 1", got)
	}
	if p.FreeBytes() != 0 {
		t.Errorf("FreeBytes = %d, want 0", p.FreeBytes())
	}
}

func TestAllocateOrderBounds(t *testing.T) {
	p := newTestPool(t, 16, 5)
	want := p.Snapshot()
	for _, order := range []int{-1, 5, 100} {
		if _, err := p.Allocate(order); !kerr.Equals(kerr.EINVAL, err) {
			t.Errorf("Allocate(%d) got err %v, want EINVAL", order, err)
		}
	}
	if diff := cmp.Diff(want, p.Snapshot()); diff != "" {
		t.Errorf("rejected allocations changed state (-want +got):\n%s", diff)
	}

	// The largest order is usable.
	f, err := p.Allocate(4)
	if err != nil || f != 0 {
		t.Errorf("Allocate(4) = %d, %v, want 0, nil", f, err)
	}
}

func TestFreeRejectsBadFrames(t *testing.T) {
	p := newTestPool(t, 16, 5)
	f, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate(2): %v", err)
	}
	if err := p.Free(f); err != nil {
		t.Fatalf("Free: %v", err)
	}
	want := p.Snapshot()

	for _, bad := range []Frame{f, 3, 16, InvalidFrame} {
		if err := p.Free(bad); !kerr.Equals(kerr.EINVAL, err) {
			t.Errorf("Free(%d) got err %v, want EINVAL", bad, err)
		}
	}
	if diff := cmp.Diff(want, p.Snapshot()); diff != "" {
		t.Errorf("rejected frees changed state (-want +got):\n%s", diff)
	}
}

func TestMergeStopsAtPoolEdge(t *testing.T) {
	// Frames 8..11 form an order 2 block whose order 2 buddy (12..15) is
	// outside the pool.
	p := newTestPool(t, 12, 5)
	f, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate(2): %v", err)
	}
	if f != 8 {
		t.Fatalf("Allocate(2) = %d, want 8", f)
	}
	if err := p.Free(f); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if diff := cmp.Diff(Snapshot{{}, {}, {8}, {0}, {}}, p.Snapshot()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

// TestSplitMergeInverse checks that freeing everything that was allocated
// restores the exact initial distribution, whatever the free order.
func TestSplitMergeInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, pages := range []uint64{16, 64, 100, 257} {
		p := newTestPool(t, pages, 6)
		initial := p.Snapshot()

		for round := 0; round < 20; round++ {
			var held []Frame
			for {
				f, err := p.Allocate(rng.Intn(p.MaxOrder()))
				if err != nil {
					if !kerr.Equals(kerr.ENOMEM, err) {
						t.Fatalf("Allocate: %v", err)
					}
					break
				}
				held = append(held, f)
				if rng.Intn(8) == 0 {
					break
				}
			}
			rng.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
			for _, f := range held {
				if err := p.Free(f); err != nil {
					t.Fatalf("Free(%d): %v", f, err)
				}
			}
			if diff := cmp.Diff(initial, p.Snapshot()); diff != "" {
				t.Fatalf("%d pages, round %d: distribution not restored (-want +got):\n%s", pages, round, diff)
			}
		}
	}
}

// TestConservation interleaves allocations and frees and checks that no page
// is ever lost or duplicated.
func TestConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := newTestPool(t, 200, 7)
	held := make(map[Frame]int)
	var heldBytes uint64

	for step := 0; step < 2000; step++ {
		if len(held) > 0 && rng.Intn(2) == 0 {
			for f, order := range held {
				if err := p.Free(f); err != nil {
					t.Fatalf("step %d: Free(%d): %v", step, f, err)
				}
				delete(held, f)
				heldBytes -= page << uint(order)
				break
			}
		} else {
			order := rng.Intn(p.MaxOrder())
			f, err := p.Allocate(order)
			switch {
			case kerr.Equals(kerr.ENOMEM, err):
			case err != nil:
				t.Fatalf("step %d: Allocate(%d): %v", step, order, err)
			default:
				if _, dup := held[f]; dup {
					t.Fatalf("step %d: frame %d handed out twice", step, f)
				}
				if uint64(f)%(1<<uint(order)) != 0 {
					t.Fatalf("step %d: frame %d misaligned for order %d", step, f, order)
				}
				held[f] = order
				heldBytes += page << uint(order)
			}
		}
		if got, want := p.FreeBytes()+heldBytes, p.Size(); got != want {
			t.Fatalf("step %d: free+held = %d, want %d", step, got, want)
		}
	}
}

func TestAddressConversion(t *testing.T) {
	p := newTestPool(t, 16, 5)
	for _, f := range []Frame{0, 1, 15} {
		addr := p.PageToAddress(f)
		if want := poolStart + hostarch.Addr(uint64(f)*page); addr != want {
			t.Errorf("PageToAddress(%d) = %v, want %v", f, addr, want)
		}
		if got := p.AddressToPage(addr + 17); got != f {
			t.Errorf("AddressToPage(%v) = %d, want %d", addr+17, got, f)
		}
	}
	for _, addr := range []hostarch.Addr{poolStart - 1, poolStart + 16*page} {
		if got := p.AddressToPage(addr); got != InvalidFrame {
			t.Errorf("AddressToPage(%v) = %d, want InvalidFrame", addr, got)
		}
	}
}

func TestCheckLayout(t *testing.T) {
	const meta = hostarch.Addr(0xffffff0001000000)
	ok := Layout{MetadataStart: meta, PoolStart: meta + 16*PageRecordSize, Pages: 16}
	if err := CheckLayout(ok); err != nil {
		t.Errorf("CheckLayout(%+v) = %v, want nil", ok, err)
	}
	overlap := Layout{MetadataStart: meta, PoolStart: meta + 16*PageRecordSize - 1, Pages: 16}
	if err := CheckLayout(overlap); !kerr.Equals(kerr.EINVARIANT, err) {
		t.Errorf("CheckLayout(%+v) = %v, want EINVARIANT", overlap, err)
	}
}

func TestCheckInvariantsDetectsCorruption(t *testing.T) {
	for _, test := range []struct {
		name    string
		corrupt func(p *Pool)
	}{
		{"count drift", func(p *Pool) { p.free[4].count++ }},
		{"free head marked allocated", func(p *Pool) { p.pages[0].allocated = true }},
		{"unmerged buddies", func(p *Pool) {
			p.remove(0, 4)
			p.insert(0, 3)
			p.insert(8, 3)
		}},
		{"uncovered frame", func(p *Pool) { p.remove(0, 4) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := newTestPool(t, 16, 5)
			test.corrupt(p)
			if err := p.CheckInvariants(); !kerr.Equals(kerr.EINVARIANT, err) {
				t.Errorf("CheckInvariants = %v, want EINVARIANT", err)
			}
		})
	}
}

func TestDebugHaltsOnCorruption(t *testing.T) {
	p := newTestPool(t, 16, 5)
	p.free[2].count = 1
	defer func() {
		if recover() == nil {
			t.Errorf("Allocate on a corrupted debug pool did not panic")
		}
	}()
	p.Allocate(0)
}
