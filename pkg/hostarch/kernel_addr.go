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

const (
	// KernelBase is the start of the kernel linear map. Physical address pa
	// is visible to the kernel at KernelBase+pa.
	KernelBase = 0xffffff0000000000

	// lowerTop is the last address translated through TTBR0.
	lowerTop = 0x0000ffffffffffff

	// upperBottom is the first address translated through TTBR1.
	upperBottom = 0xffff000000000000
)

// PhysToVirt returns the kernel virtual address of the physical address pa.
//
//go:nosplit
func PhysToVirt(pa uintptr) Addr {
	return Addr(pa + KernelBase)
}

// VirtToPhys returns the physical address behind a kernel linear map address.
//
// Precondition: va >= KernelBase.
//
//go:nosplit
func VirtToPhys(va Addr) uintptr {
	return uintptr(va) - KernelBase
}

// IsKernelAddr returns true if va is translated by the kernel (TTBR1) root.
//
//go:nosplit
func IsKernelAddr(va Addr) bool {
	return va >= upperBottom
}

// IsCanonical indicates whether addr is canonical for a 48-bit address space.
//
//go:nosplit
func IsCanonical(va Addr) bool {
	return va <= lowerTop || va >= upperBottom
}
