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

package bits

import "testing"

func TestTrailingZeros64(t *testing.T) {
	for i := 0; i <= 64; i++ {
		n := uint64(1) << uint(i)
		want := i
		if i == 64 {
			want = 64 // n == 0
		}
		if got := TrailingZeros64(n); got != want {
			t.Errorf("TrailingZeros64(%#x): got %d, wanted %d", n, got, want)
		}
	}

	for i := 0; i < 64; i++ {
		n := ^uint64(0) << uint(i)
		if got, want := TrailingZeros64(n), i; got != want {
			t.Errorf("TrailingZeros64(%#x): got %d, wanted %d", n, got, want)
		}
	}
}

func TestMostSignificantOne64(t *testing.T) {
	for i := 0; i < 64; i++ {
		n := uint64(1) << uint(i)
		if got, want := MostSignificantOne64(n), i; got != want {
			t.Errorf("MostSignificantOne64(%#x): got %d, wanted %d", n, got, want)
		}
	}

	for i := 0; i < 64; i++ {
		n := ^uint64(0) >> uint(i)
		if got, want := MostSignificantOne64(n), 63-i; got != want {
			t.Errorf("MostSignificantOne64(%#x): got %d, wanted %d", n, got, want)
		}
	}

	if got := MostSignificantOne64(0); got != 64 {
		t.Errorf("MostSignificantOne64(0): got %d, wanted 64", got)
	}
}

func TestIsPowerOfTwo64(t *testing.T) {
	for _, tc := range []struct {
		v    uint64
		want bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{4096, true},
		{4097, false},
		{1 << 63, true},
	} {
		if got := IsPowerOfTwo64(tc.v); got != tc.want {
			t.Errorf("IsPowerOfTwo64(%d): got %t, wanted %t", tc.v, got, tc.want)
		}
	}
}

func TestAlign(t *testing.T) {
	for _, tc := range []struct {
		v, align, up, down uint64
	}{
		{0, 4096, 0, 0},
		{1, 4096, 4096, 0},
		{4096, 4096, 4096, 4096},
		{0x201000, 0x200000, 0x400000, 0x200000},
	} {
		if got := AlignUp64(tc.v, tc.align); got != tc.up {
			t.Errorf("AlignUp64(%#x, %#x): got %#x, wanted %#x", tc.v, tc.align, got, tc.up)
		}
		if got := AlignDown64(tc.v, tc.align); got != tc.down {
			t.Errorf("AlignDown64(%#x, %#x): got %#x, wanted %#x", tc.v, tc.align, got, tc.down)
		}
	}
}

func TestMasks(t *testing.T) {
	if got, want := Mask64(0, 10, 54), uint64(1|1<<10|1<<54); got != want {
		t.Errorf("Mask64: got %#x, wanted %#x", got, want)
	}
	if got, want := Field64(12, 36), uint64(0x0000fffffffff000); got != want {
		t.Errorf("Field64(12, 36): got %#x, wanted %#x", got, want)
	}
	if !IsOn64(0b111, 0b101) || IsOn64(0b100, 0b101) {
		t.Errorf("IsOn64 is inconsistent")
	}
	if !IsAnyOn64(0b100, 0b101) || IsAnyOn64(0b010, 0b101) {
		t.Errorf("IsAnyOn64 is inconsistent")
	}
}
