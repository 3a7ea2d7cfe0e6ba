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
	"labkernel.dev/labkernel/pkg/hostarch"
)

// PageRecordSize is the number of bytes of kernel memory reserved per page
// record in the metadata region.
const PageRecordSize = 32

// MetadataBytes returns the size of the metadata region for pages frames.
func MetadataBytes(pages uint64) uint64 {
	return pages * PageRecordSize
}

// Layout is the placement of a pool and its metadata region:
//
//	| page metadata | pad | usable memory |
//	^MetadataStart        ^PoolStart
type Layout struct {
	MetadataStart hostarch.Addr
	PoolStart     hostarch.Addr
	Pages         uint64
}

// MetadataEnd returns the first address past the metadata region.
func (l Layout) MetadataEnd() hostarch.Addr {
	return l.MetadataStart + hostarch.Addr(MetadataBytes(l.Pages))
}

// CheckLayout returns EINVARIANT if the metadata region overlaps the pool.
func CheckLayout(l Layout) error {
	end, ok := l.MetadataStart.AddLength(MetadataBytes(l.Pages))
	if !ok {
		return fmt.Errorf("metadata for %d pages at %v overflows: %w", l.Pages, l.MetadataStart, kerr.EINVARIANT)
	}
	if end > l.PoolStart {
		return fmt.Errorf("metadata [%v, %v) overlaps pool at %v: %w", l.MetadataStart, end, l.PoolStart, kerr.EINVARIANT)
	}
	return nil
}
