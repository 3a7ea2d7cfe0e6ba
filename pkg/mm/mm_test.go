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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/metric"
	"labkernel.dev/labkernel/pkg/pgalloc"
	"labkernel.dev/labkernel/pkg/ring0"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
)

const (
	testPoolStart = 4 << 20
	testPages     = 4096
	testMapPA     = 32 << 20
)

// testOpts is a small machine: a 16 MiB pool at 4 MiB and 8 MiB of kernel
// space mapped at 32 MiB.
func testOpts() Opts {
	return Opts{
		RAMSize:         64 << 20,
		ImageEnd:        1 << 20,
		PoolStart:       testPoolStart,
		Pages:           testPages,
		MaxOrder:        11,
		KernelMapVA:     hostarch.PhysToVirt(testMapPA),
		KernelMapPA:     testMapPA,
		KernelMapLength: 8 << 20,
		CPUs:            2,
		Debug:           true,
	}
}

func newTestMM(t *testing.T, opts Opts) *MemoryManager {
	t.Helper()
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Release)
	return m
}

var userRW = pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}

func TestNewBoot(t *testing.T) {
	opts := testOpts()
	opts.ImageEnd = 0x100123
	m := newTestMM(t, opts)

	want := pgalloc.Layout{
		MetadataStart: hostarch.PhysToVirt(0x101000),
		PoolStart:     hostarch.PhysToVirt(testPoolStart),
		Pages:         testPages,
	}
	if diff := cmp.Diff(want, m.Layout()); diff != "" {
		t.Errorf("Layout mismatch (-want +got):\n%s", diff)
	}

	// Root, level 1 and level 2 tables of the kernel map.
	s := m.Stats()
	if s.TablePages != 3 {
		t.Errorf("TablePages = %d, want 3", s.TablePages)
	}
	if want := uint64(testPages-3) * hostarch.PageSize; s.FreeBytes != want {
		t.Errorf("FreeBytes = %d, want %d", s.FreeBytes, want)
	}
	if err := m.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
	for _, c := range m.CPUs() {
		if c.TTBR1() != m.KernelTables().RootPhysical() {
			t.Errorf("cpu %d TTBR1 = %#x, want %#x", c.ID(), c.TTBR1(), m.KernelTables().RootPhysical())
		}
	}
}

func TestNewErrors(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(*Opts)
		want   error
	}{
		{"metadata overlaps pool", func(o *Opts) { o.ImageEnd = testPoolStart - hostarch.PageSize }, kerr.EINVARIANT},
		{"pool outside ram", func(o *Opts) { o.RAMSize = 8 << 20 }, kerr.EINVAL},
		{"no cpus", func(o *Opts) { o.CPUs = 0 }, kerr.EINVAL},
		{"bad max order", func(o *Opts) { o.MaxOrder = 0 }, kerr.EINVAL},
		{"unaligned kernel map", func(o *Opts) { o.KernelMapPA += hostarch.PageSize }, kerr.EINVAL},
		{"no room for kernel tables", func(o *Opts) { o.Pages, o.MaxOrder = 2, 2 }, kerr.ENOMEM},
	} {
		t.Run(test.name, func(t *testing.T) {
			opts := testOpts()
			test.modify(&opts)
			m, err := New(opts)
			if err == nil {
				m.Release()
			}
			if !errors.Is(err, test.want) {
				t.Errorf("New got err %v, want %v", err, test.want)
			}
		})
	}
}

func TestKernelSpaceMapped(t *testing.T) {
	m := newTestMM(t, testOpts())
	c := m.CPUs()[0]
	va := hostarch.PhysToVirt(testMapPA + 0x201234)

	pa, err := m.Translate(c, va, hostarch.Write, ring0.EL1)
	if err != nil || pa != testMapPA+0x201234 {
		t.Errorf("Translate = %#x, %v, want %#x, nil", pa, err, testMapPA+0x201234)
	}
	if _, err := m.Translate(c, va, hostarch.Read, ring0.EL0); !kerr.Equals(kerr.EFAULT, err) {
		t.Errorf("Translate from EL0 got err %v, want EFAULT", err)
	}

	pa, desc, err := m.QueryAtLevel(m.KernelTables(), va, 2)
	if err != nil || pa != testMapPA+0x201234 {
		t.Errorf("QueryAtLevel = %#x, %v, want %#x, nil", pa, err, testMapPA+0x201234)
	}
	if desc&0x3 != 0x1 {
		t.Errorf("descriptor %#x is not a block", desc)
	}
	if _, _, err := m.Query(m.KernelTables(), va); !kerr.Equals(kerr.EBLOCKMAPPING, err) {
		t.Errorf("Query got err %v, want EBLOCKMAPPING", err)
	}
}

func TestAllocFreePages(t *testing.T) {
	m := newTestMM(t, testOpts())
	before := m.FreeBytes()

	pa, err := m.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if pa < testPoolStart || pa >= testPoolStart+testPages*hostarch.PageSize || pa%(4*hostarch.PageSize) != 0 {
		t.Errorf("AllocPages(2) = %#x, not an aligned pool address", pa)
	}
	if got, want := m.FreeBytes(), before-4*hostarch.PageSize; got != want {
		t.Errorf("FreeBytes = %d, want %d", got, want)
	}

	for _, bad := range []uintptr{pa + 1, pa + hostarch.PageSize, testPoolStart - hostarch.PageSize, m.KernelTables().RootPhysical()} {
		if err := m.FreePages(bad); !kerr.Equals(kerr.EINVAL, err) {
			t.Errorf("FreePages(%#x) got err %v, want EINVAL", bad, err)
		}
	}
	if err := m.FreePages(pa); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	if err := m.FreePages(pa); !kerr.Equals(kerr.EINVAL, err) {
		t.Errorf("double FreePages got err %v, want EINVAL", err)
	}
	if got := m.FreeBytes(); got != before {
		t.Errorf("FreeBytes = %d, want %d", got, before)
	}
	if _, err := m.AllocPages(11); !kerr.Equals(kerr.EINVAL, err) {
		t.Errorf("AllocPages(11) got err %v, want EINVAL", err)
	}
}

func TestCopyThroughUserTree(t *testing.T) {
	m := newTestMM(t, testOpts())
	c := m.CPUs()[0]
	pt, err := m.NewPageTables()
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	pa, err := m.AllocPages(1)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if err := m.MapRange(c, pt, 0x400000, pa, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	m.SetRoot(c, pt)

	msg := []byte("hello, world")
	va := hostarch.Addr(0x401000 - 5)
	if n, err := m.CopyOut(c, va, msg, ring0.EL0); n != 5 || !kerr.Equals(kerr.EFAULT, err) {
		t.Errorf("CopyOut across unmapped page = %d, %v, want 5, EFAULT", n, err)
	}
	if got := c.FaultAddr(); got != 0x401000 {
		t.Errorf("FaultAddr = %#x, want %#x", got, 0x401000)
	}

	if err := m.MapRange(c, pt, 0x401000, pa+hostarch.PageSize, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if n, err := m.CopyOut(c, va, msg, ring0.EL0); n != len(msg) || err != nil {
		t.Fatalf("CopyOut = %d, %v, want %d, nil", n, err, len(msg))
	}
	got := make([]byte, len(msg))
	if n, err := m.CopyIn(c, va, got, ring0.EL0); n != len(msg) || err != nil {
		t.Fatalf("CopyIn = %d, %v, want %d, nil", n, err, len(msg))
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("CopyIn = %q, want %q", got, msg)
	}
}

func TestFlushOnlyIssuingCore(t *testing.T) {
	m := newTestMM(t, testOpts())
	cpus := m.CPUs()
	pt, err := m.NewPageTables()
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	if err := m.MapRange(cpus[0], pt, 0x400000, testMapPA, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	for _, c := range cpus {
		m.SetRoot(c, pt)
		if _, err := m.Translate(c, 0x400000, hostarch.Read, ring0.EL0); err != nil {
			t.Fatalf("cpu %d Translate: %v", c.ID(), err)
		}
	}

	if err := m.UnmapRange(cpus[0], pt, 0x400000, hostarch.PageSize); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if _, err := m.Translate(cpus[0], 0x400000, hostarch.Read, ring0.EL0); !errors.Is(err, kerr.ENOMAPPING) {
		t.Errorf("issuing cpu Translate got err %v, want ENOMAPPING", err)
	}
	if pa, err := m.Translate(cpus[1], 0x400000, hostarch.Read, ring0.EL0); err != nil || pa != testMapPA {
		t.Errorf("other cpu Translate = %#x, %v, want the stale %#x", pa, err, testMapPA)
	}
}

func TestReleasePageTables(t *testing.T) {
	m := newTestMM(t, testOpts())
	c := m.CPUs()[0]
	before := m.Stats()

	pt, err := m.NewPageTables()
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	// Two level 3 tables, both under one level 2 table.
	if err := m.MapRange(c, pt, 0x1ff000, 0x30000000, 2*hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if got, want := m.Stats().TablePages, before.TablePages+5; got != want {
		t.Errorf("TablePages = %d, want %d", got, want)
	}

	m.SetRoot(c, pt)
	if err := m.ReleasePageTables(pt); !kerr.Equals(kerr.EINVAL, err) {
		t.Errorf("releasing an installed tree got err %v, want EINVAL", err)
	}
	if err := m.ReleasePageTables(m.KernelTables()); !kerr.Equals(kerr.EINVAL, err) {
		t.Errorf("releasing the kernel tree got err %v, want EINVAL", err)
	}
	m.SetRoot(c, nil)
	if err := m.ReleasePageTables(pt); err != nil {
		t.Fatalf("ReleasePageTables: %v", err)
	}
	if err := m.ReleasePageTables(pt); err != nil {
		t.Errorf("second ReleasePageTables: %v", err)
	}

	if diff := cmp.Diff(before, m.Stats()); diff != "" {
		t.Errorf("Stats mismatch after release (-want +got):\n%s", diff)
	}
	if err := m.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestExhaustionDuringMap(t *testing.T) {
	opts := testOpts()
	opts.Pages, opts.MaxOrder = 8, 4
	m := newTestMM(t, opts)
	c := m.CPUs()[0]

	// Three pages hold the kernel tables and one the new root.
	pt, err := m.NewPageTables()
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	for {
		if _, err := m.AllocPages(0); err != nil {
			break
		}
	}
	err = m.MapRange(c, pt, 0x400000, 0x30000000, hostarch.PageSize, userRW, pagetables.Page4K)
	if !kerr.Equals(kerr.ENOMEM, err) {
		t.Errorf("MapRange got err %v, want ENOMEM", err)
	}
	if err := m.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestConcurrentCores(t *testing.T) {
	opts := testOpts()
	opts.CPUs = 4
	m := newTestMM(t, opts)
	before := m.Stats()

	var g errgroup.Group
	for _, c := range m.CPUs() {
		c := c
		g.Go(func() error {
			pt, err := m.NewPageTables()
			if err != nil {
				return err
			}
			m.SetRoot(c, pt)
			for i := 0; i < 50; i++ {
				pa, err := m.AllocPages(i % 3)
				if err != nil {
					return err
				}
				va := hostarch.Addr(0x400000 + i*0x200000)
				if err := m.MapRange(c, pt, va, pa, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
					return err
				}
				got, err := m.Translate(c, va+8, hostarch.Write, ring0.EL0)
				if err != nil {
					return err
				}
				if got != pa+8 {
					return fmt.Errorf("cpu %d: %v translates to %#x, want %#x", c.ID(), va+8, got, pa+8)
				}
				if err := m.UnmapRange(c, pt, va, hostarch.PageSize); err != nil {
					return err
				}
				if err := m.FreePages(pa); err != nil {
					return err
				}
			}
			m.SetRoot(c, nil)
			return m.ReleasePageTables(pt)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("core failed: %v", err)
	}
	if diff := cmp.Diff(before, m.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if err := m.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := metric.NewRegistry()
	opts := testOpts()
	opts.Registry = reg
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := make(map[string]uint64)
	for _, v := range reg.Values() {
		got[v.Name] = v.Value
	}
	want := map[string]uint64{
		freeBytesMetric:  m.FreeBytes(),
		tablePagesMetric: 3,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}

	if _, err := New(opts); !errors.Is(err, metric.ErrNameInUse) {
		t.Errorf("second New on one registry got err %v, want ErrNameInUse", err)
	}

	m.Release()
	if vals := reg.Values(); len(vals) != 0 {
		t.Errorf("Values after Release = %v, want none", vals)
	}
}
