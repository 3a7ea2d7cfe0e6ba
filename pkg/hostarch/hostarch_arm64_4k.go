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

// The simulated machine uses the ARMv8 4K translation granule. Every level of
// the translation tree resolves 9 bits of the virtual address.
const (
	// PageShift is the binary log of the page size.
	// 4K pages: 2^12 = 4096
	PageShift = 12

	// PageSize is the page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the block size installed at the
	// third translation level.
	// For 4K pages: PageShift + (PageShift - 3) = 12 + 9 = 21
	// This gives 2MB blocks.
	HugePageShift = 21

	// HugePageSize is the size of a level 2 block mapping.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of a level 1 block mapping (1GB).
	GiantPageShift = 30

	// GiantPageSize is the size of a level 1 block mapping.
	GiantPageSize = 1 << GiantPageShift

	// VirtualAddressBits is the number of significant bits in a virtual
	// address for a four level tree.
	VirtualAddressBits = 48
)
