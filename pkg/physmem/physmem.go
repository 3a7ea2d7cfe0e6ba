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

// Package physmem provides the simulated physical RAM of the machine.
//
// RAM is a single contiguous physical range backed by an anonymous host
// mapping. Pages are only committed by the host when first touched, so a
// machine with gigabytes of RAM costs little until it is used.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
)

// Memory is the physical range [Base, Base+Size).
type Memory struct {
	// Base is the physical address of the first byte.
	Base uintptr

	// data is the host mapping backing the range.
	data []byte
}

// New maps size bytes of simulated RAM starting at physical address base.
// Both must be page aligned.
func New(base, size uintptr) (*Memory, error) {
	if size == 0 || !hostarch.Addr(base).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		return nil, fmt.Errorf("physmem: base %#x size %#x: %w", base, size, kerr.EINVAL)
	}
	if base+size < base {
		return nil, fmt.Errorf("physmem: range %#x+%#x overflows: %w", base, size, kerr.EINVAL)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mapping %d bytes: %w", size, err)
	}
	return &Memory{Base: base, data: data}, nil
}

// Release unmaps the backing memory. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the length of the range in bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// End returns the first physical address past the range.
func (m *Memory) End() uintptr {
	return m.Base + m.Size()
}

// Contains returns true if [pa, pa+n) lies within the range.
func (m *Memory) Contains(pa, n uintptr) bool {
	return pa >= m.Base && pa+n >= pa && pa+n <= m.End()
}

// Bytes returns the n bytes at physical address pa. The slice aliases RAM.
func (m *Memory) Bytes(pa, n uintptr) ([]byte, error) {
	if !m.Contains(pa, n) {
		return nil, fmt.Errorf("physmem: [%#x, %#x) outside RAM [%#x, %#x): %w", pa, pa+n, m.Base, m.End(), kerr.EFAULT)
	}
	off := pa - m.Base
	return m.data[off : off+n : off+n], nil
}

// Zero clears n bytes at physical address pa.
func (m *Memory) Zero(pa, n uintptr) error {
	b, err := m.Bytes(pa, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
