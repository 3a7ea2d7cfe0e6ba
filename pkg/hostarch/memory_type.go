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

import "fmt"

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeNormal is normal write-back cacheable memory. This memory
	// type is appropriate for kernel and application memory and must be the
	// zero value for MemoryType.
	MemoryTypeNormal MemoryType = iota

	// MemoryTypeNonCacheable is normal non-cacheable memory.
	MemoryTypeNonCacheable

	// MemoryTypeDevice is Device-nGnRnE, used for MMIO windows.
	MemoryTypeDevice

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeNormal:
		return "Normal"
	case MemoryTypeNonCacheable:
		return "NonCacheable"
	case MemoryTypeDevice:
		return "Device"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeNormal:
		return "WB"
	case MemoryTypeNonCacheable:
		return "NC"
	case MemoryTypeDevice:
		return "DV"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// AttrIndex returns the MAIR_EL1 attribute index programmed for mt at boot.
func (mt MemoryType) AttrIndex() uint64 {
	switch mt {
	case MemoryTypeNormal:
		return 4
	case MemoryTypeNonCacheable:
		return 2
	case MemoryTypeDevice:
		return 0
	default:
		panic(fmt.Sprintf("invalid memory type %d", mt))
	}
}

// MemoryTypeFromAttrIndex is the inverse of MemoryType.AttrIndex.
func MemoryTypeFromAttrIndex(idx uint64) (MemoryType, bool) {
	switch idx {
	case 4:
		return MemoryTypeNormal, true
	case 2:
		return MemoryTypeNonCacheable, true
	case 0:
		return MemoryTypeDevice, true
	default:
		return 0, false
	}
}
