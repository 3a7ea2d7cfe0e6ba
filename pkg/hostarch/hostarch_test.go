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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr    Addr
		down    Addr
		up      Addr
		aligned bool
		huge    bool
	}{
		{addr: 0, down: 0, up: 0, aligned: true, huge: true},
		{addr: 1, down: 0, up: PageSize},
		{addr: PageSize, down: PageSize, up: PageSize, aligned: true},
		{addr: HugePageSize, down: HugePageSize, up: HugePageSize, aligned: true, huge: true},
		{addr: HugePageSize + 5, down: HugePageSize, up: HugePageSize + PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", tc.addr, got, ok, tc.up)
		}
		if got := tc.addr.IsAligned(HugePageSize); got != tc.huge {
			t.Errorf("%v.IsAligned(HugePageSize) = %t, want %t", tc.addr, got, tc.huge)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
	}
}

func TestRoundUpOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report overflow")
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(0x1000).AddLength(0x2000); !ok || end != 0x3000 {
		t.Errorf("AddLength = %v, %t, want 0x3000, true", end, ok)
	}
	if _, ok := Addr(^uintptr(0) - 1).AddLength(4); ok {
		t.Errorf("AddLength did not report overflow")
	}
}

func TestLinearMap(t *testing.T) {
	for _, pa := range []uintptr{0, PageSize, 0x1800000, 0x3fffffff} {
		va := PhysToVirt(pa)
		if !IsKernelAddr(va) {
			t.Errorf("PhysToVirt(%#x) = %v is not a kernel address", pa, va)
		}
		if got := VirtToPhys(va); got != pa {
			t.Errorf("VirtToPhys(PhysToVirt(%#x)) = %#x", pa, got)
		}
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{0x0000ffffffffffff, true},
		{0x0001000000000000, false},
		{0xfffeffffffffffff, false},
		{0xffff000000000000, true},
		{KernelBase, true},
	} {
		if got := IsCanonical(tc.addr); got != tc.want {
			t.Errorf("IsCanonical(%v) = %t, want %t", tc.addr, got, tc.want)
		}
	}
}

func TestAccessTypeString(t *testing.T) {
	for _, tc := range []struct {
		at   AccessType
		want string
	}{
		{NoAccess, "---"},
		{Read, "r--"},
		{ReadWrite, "rw-"},
		{ReadExecute, "r-x"},
		{AnyAccess, "rwx"},
	} {
		if got := tc.at.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.at, got, tc.want)
		}
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf is inconsistent")
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() = %v, want %v", got, ReadWrite)
	}
}

func TestAttrIndexRoundTrip(t *testing.T) {
	for mt := MemoryType(0); mt < NumMemoryTypes; mt++ {
		got, ok := MemoryTypeFromAttrIndex(mt.AttrIndex())
		if !ok || got != mt {
			t.Errorf("MemoryTypeFromAttrIndex(%d) = %v, %t, want %v", mt.AttrIndex(), got, ok, mt)
		}
	}
}
