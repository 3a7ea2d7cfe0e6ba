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

// Package errno holds the kernel error codes returned by the memory
// management core.
package errno

// Errno represents a kernel error code. Values are positive; system call
// return paths negate them.
type Errno uint32

// Error codes shared with user space.
const (
	NOERRNO = 0
	EFAULT  = 14
	EEXIST  = 17
	EINVAL  = 22
	ENOMEM  = 12
)

// Kernel-internal error codes. These never reach user space; the page fault
// path converts them before returning.
const (
	// ENOMAPPING reports a translation walk that found an invalid entry.
	ENOMAPPING = 1000 + iota

	// EBLOCKMAPPING reports a finer-granularity walk that met a block leaf.
	EBLOCKMAPPING

	// EINVARIANT reports a broken allocator or layout invariant.
	EINVARIANT
)
