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

package ring0

import (
	"errors"
	"testing"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
)

func newTestCPU(t *testing.T) (*CPU, *pagetables.PageTables, *pagetables.PageTables) {
	t.Helper()
	a := pagetables.NewRuntimeAllocator()
	k := New(KernelOpts{Allocator: a})
	c := k.NewCPU()
	user, err := pagetables.New(a, c)
	if err != nil {
		t.Fatalf("pagetables.New: %v", err)
	}
	kern, err := pagetables.New(a, c)
	if err != nil {
		t.Fatalf("pagetables.New: %v", err)
	}
	c.SetTTBR0(user.RootPhysical())
	c.SetTTBR1(kern.RootPhysical())
	return c, user, kern
}

var (
	userRW = pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
	kernRW = pagetables.MapOpts{AccessType: hostarch.ReadWrite}
)

func TestTranslateBothHalves(t *testing.T) {
	c, user, kern := newTestCPU(t)
	if err := user.MapRange(0x400000, 0x80000000, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	kva := hostarch.PhysToVirt(0x8000000)
	if err := kern.MapRange(kva, 0x8000000, hostarch.HugePageSize, kernRW, pagetables.Block2M); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if pa, err := c.Translate(0x400abc, hostarch.Write, EL0); err != nil || pa != 0x80000abc {
		t.Errorf("Translate user = %#x, %v, want %#x, nil", pa, err, 0x80000abc)
	}
	if pa, err := c.Translate(kva+0x12345, hostarch.Read, EL1); err != nil || pa != 0x8012345 {
		t.Errorf("Translate kernel = %#x, %v, want %#x, nil", pa, err, 0x8012345)
	}
	if got := c.TLBEntries(); got != 2 {
		t.Errorf("TLB entries = %d, want 2", got)
	}
}

func TestTranslationFault(t *testing.T) {
	c, _, _ := newTestCPU(t)

	_, err := c.Translate(0x400000, hostarch.Write, EL0)
	if !kerr.Equals(kerr.EFAULT, err) || !errors.Is(err, kerr.ENOMAPPING) {
		t.Fatalf("Translate unmapped got err %v, want EFAULT wrapping ENOMAPPING", err)
	}
	if c.FaultAddr() != 0x400000 {
		t.Errorf("FaultAddr = %#x, want %#x", c.FaultAddr(), 0x400000)
	}
	if c.Vector() != PageFault {
		t.Errorf("Vector = %v, want %v", c.Vector(), PageFault)
	}
	code, user := c.ErrorCode()
	if !user {
		t.Errorf("ErrorCode user = false, want true")
	}
	if status, level := FaultStatus(code); status != FaultTranslation || level != 0 {
		t.Errorf("FaultStatus = %#x level %d, want %#x level 0", status, level, FaultTranslation)
	}
	if !IsWrite(code) {
		t.Errorf("syndrome %#x does not record a write", code)
	}

	c.ClearErrorCode()
	if c.FaultAddr() != 0 || c.Vector() != NoException {
		t.Errorf("ClearErrorCode left fault state %#x %v", c.FaultAddr(), c.Vector())
	}
}

func TestPermissionFault(t *testing.T) {
	c, user, kern := newTestCPU(t)
	ro := pagetables.MapOpts{AccessType: hostarch.Read, User: true}
	if err := user.MapRange(0x400000, 0x80000000, hostarch.PageSize, ro, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	kva := hostarch.PhysToVirt(0x8000000)
	if err := kern.MapRange(kva, 0x8000000, hostarch.PageSize, kernRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	for _, test := range []struct {
		name   string
		va     hostarch.Addr
		at     hostarch.AccessType
		el     ExceptionLevel
		vector Vector
	}{
		{"write to read only", 0x400000, hostarch.Write, EL0, El0SyncDa},
		{"kernel executes user page", 0x400000, hostarch.Execute, EL1, El1SyncIa},
		{"user reads kernel page", kva, hostarch.Read, EL0, El0SyncDa},
		{"kernel executes data", kva, hostarch.Execute, EL1, El1SyncIa},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := c.Translate(test.va, test.at, test.el); !kerr.Equals(kerr.EFAULT, err) {
				t.Fatalf("Translate got err %v, want EFAULT", err)
			}
			code, _ := c.ErrorCode()
			if status, _ := FaultStatus(code); status != FaultPermission {
				t.Errorf("fault status = %#x, want permission fault", status)
			}
			if c.Vector() != test.vector {
				t.Errorf("Vector = %v, want %v", c.Vector(), test.vector)
			}
		})
	}
}

func TestStaleTLBUntilFlush(t *testing.T) {
	c, user, _ := newTestCPU(t)
	if err := user.MapRange(0x400000, 0x80000000, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if pa, err := c.Translate(0x400000, hostarch.Read, EL0); err != nil || pa != 0x80000000 {
		t.Fatalf("Translate = %#x, %v", pa, err)
	}

	// Another core rewrites the entry; only that core is invalidated.
	other := c.kernel.NewCPU()
	user.Invalidator = other
	if err := user.MapRange(0x400000, 0x90000000, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if pa, _ := c.Translate(0x400000, hostarch.Read, EL0); pa != 0x80000000 {
		t.Errorf("Translate before flush = %#x, want the stale %#x", pa, 0x80000000)
	}

	c.FlushTLB()
	if pa, _ := c.Translate(0x400000, hostarch.Read, EL0); pa != 0x90000000 {
		t.Errorf("Translate after flush = %#x, want %#x", pa, 0x90000000)
	}
}

func TestIssuingCoreSeesItsWrites(t *testing.T) {
	c, user, _ := newTestCPU(t)
	if err := user.MapRange(0x400000, 0x80000000, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if _, err := c.Translate(0x400000, hostarch.Read, EL0); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if err := user.UnmapRange(0x400000, hostarch.PageSize); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if _, err := c.Translate(0x400000, hostarch.Read, EL0); !errors.Is(err, kerr.ENOMAPPING) {
		t.Errorf("Translate after unmap got err %v, want ENOMAPPING", err)
	}
}

func TestSetTTBRFlushes(t *testing.T) {
	c, user, _ := newTestCPU(t)
	if err := user.MapRange(0x400000, 0x80000000, hostarch.PageSize, userRW, pagetables.Page4K); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	c.Translate(0x400000, hostarch.Read, EL0)
	if c.TLBEntries() != 1 {
		t.Fatalf("TLB entries = %d, want 1", c.TLBEntries())
	}
	c.SetTTBR0(user.RootPhysical())
	if c.TLBEntries() != 0 {
		t.Errorf("TLB entries after SetTTBR0 = %d, want 0", c.TLBEntries())
	}
	if c.TTBR0() != user.RootPhysical() {
		t.Errorf("TTBR0 = %#x, want %#x", c.TTBR0(), user.RootPhysical())
	}
}

func TestNonCanonical(t *testing.T) {
	c, _, _ := newTestCPU(t)
	if _, err := c.Translate(0x0001000000000000, hostarch.Read, EL1); !kerr.Equals(kerr.EFAULT, err) {
		t.Errorf("Translate non-canonical got err %v, want EFAULT", err)
	}
	code, user := c.ErrorCode()
	if user {
		t.Errorf("kernel fault reported as user")
	}
	if status, level := FaultStatus(code); status != FaultTranslation || level != 0 {
		t.Errorf("FaultStatus = %#x level %d, want translation level 0", status, level)
	}
}
