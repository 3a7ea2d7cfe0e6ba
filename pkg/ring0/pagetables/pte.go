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

package pagetables

import (
	"fmt"
	"sync/atomic"

	"labkernel.dev/labkernel/pkg/bits"
	"labkernel.dev/labkernel/pkg/hostarch"
)

// ARMv8 stage 1 descriptor fields for the 4K granule.
const (
	typeValid = 1 << 0

	// typeTable distinguishes table from block descriptors at levels 0-2
	// and marks page descriptors at level 3.
	typeTable = 1 << 1

	attrIndxShift = 2
	attrIndxWidth = 3

	// apEL0 grants EL0 access; apRO makes the mapping read only.
	apEL0 = 1 << 6
	apRO  = 1 << 7

	shShift = 8
	shWidth = 2

	accessFlag = 1 << 10
	notGlobal  = 1 << 11

	privExecuteNever = 1 << 53
	userExecuteNever = 1 << 54

	// outputAddrMask selects the output address bits [47:12].
	outputAddrMask = 0x0000fffffffff000
)

// Shareability is the SH field of a leaf descriptor.
type Shareability uint8

// Shareability domains.
const (
	NonShareable   Shareability = 0
	OuterShareable Shareability = 2
	InnerShareable Shareability = 3
)

// PTE is a single 64-bit stage 1 translation descriptor, stored in a table
// page of simulated physical memory in the hardware format.
type PTE uint64

// PTEs is one table page of descriptors.
type PTEs [entriesPerPage]PTE

// Load returns the raw descriptor.
//
//go:nosplit
func (p *PTE) Load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

// store writes the raw descriptor.
//
//go:nosplit
func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Valid returns true if the descriptor is valid at any level.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return p.Load()&typeValid != 0
}

// Clear invalidates the descriptor.
//
//go:nosplit
func (p *PTE) Clear() {
	p.store(0)
}

// Perms are the access control and attribute fields of a leaf descriptor.
type Perms struct {
	// Write permits stores. Without it the mapping is read only.
	Write bool

	// User permits EL0 access.
	User bool

	// UXN forbids instruction fetch at EL0.
	UXN bool

	// PXN forbids instruction fetch at EL1.
	PXN bool

	// Accessed is the access flag. Leaves without it fault on first use.
	Accessed bool

	// NotGlobal tags the translation with the current ASID.
	NotGlobal bool

	Share      Shareability
	MemoryType hostarch.MemoryType
}

// MapOpts are the caller-visible options of a mapping.
type MapOpts struct {
	// AccessType is the permission vocabulary of the address space layer.
	// Read access is implied by any valid mapping.
	AccessType hostarch.AccessType

	// User is set for mappings installed on behalf of EL0 code.
	User bool

	// MemoryType is the memory attribute. The zero value is normal
	// write-back memory.
	MemoryType hostarch.MemoryType
}

// Perms derives descriptor permissions from opts.
//
// User mappings are never executable at EL1, so the kernel cannot be steered
// into running user supplied code. Kernel mappings are never executable at
// EL0.
func (opts MapOpts) Perms() Perms {
	p := Perms{
		Write:      opts.AccessType.Write,
		User:       opts.User,
		Accessed:   true,
		Share:      InnerShareable,
		MemoryType: opts.MemoryType,
	}
	if opts.User {
		p.PXN = true
		p.UXN = !opts.AccessType.Execute
		p.NotGlobal = true
	} else {
		p.UXN = true
		p.PXN = !opts.AccessType.Execute
	}
	return p
}

// AccessType returns the accesses the permissions grant at the given
// exception level.
func (p Perms) AccessType(user bool) hostarch.AccessType {
	if user && !p.User {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{
		Read:    true,
		Write:   p.Write,
		Execute: (user && !p.UXN) || (!user && !p.PXN),
	}
}

func (p Perms) encode() uint64 {
	v := p.MemoryType.AttrIndex()<<attrIndxShift | uint64(p.Share)<<shShift
	if p.User {
		v |= apEL0
	}
	if !p.Write {
		v |= apRO
	}
	if p.Accessed {
		v |= accessFlag
	}
	if p.NotGlobal {
		v |= notGlobal
	}
	if p.PXN {
		v |= privExecuteNever
	}
	if p.UXN {
		v |= userExecuteNever
	}
	return v
}

func decodePerms(v uint64) Perms {
	mt, _ := hostarch.MemoryTypeFromAttrIndex((v & bits.Field64(attrIndxShift, attrIndxWidth)) >> attrIndxShift)
	return Perms{
		Write:      !bits.IsOn64(v, apRO),
		User:       bits.IsOn64(v, apEL0),
		UXN:        bits.IsOn64(v, userExecuteNever),
		PXN:        bits.IsOn64(v, privExecuteNever),
		Accessed:   bits.IsOn64(v, accessFlag),
		NotGlobal:  bits.IsOn64(v, notGlobal),
		Share:      Shareability((v & bits.Field64(shShift, shWidth)) >> shShift),
		MemoryType: mt,
	}
}

// Entry is the decoded form of a descriptor. It is one of Invalid, Table,
// Block or Page.
type Entry interface {
	isEntry()
}

// Invalid is an entry that translates nothing.
type Invalid struct{}

// Table points to the next level table page.
type Table struct {
	Physical uintptr
}

// Block maps a 1G (level 1) or 2M (level 2) region.
type Block struct {
	Physical uintptr
	Level    int
	Perms    Perms
}

// Page maps a 4K page at level 3.
type Page struct {
	Physical uintptr
	Perms    Perms
}

func (Invalid) isEntry() {}
func (Table) isEntry()   {}
func (Block) isEntry()   {}
func (Page) isEntry()    {}

// Entry decodes the descriptor, which must belong to a table at the given
// level. Encodings the hardware treats as faults decode as Invalid.
func (p *PTE) Entry(level int) Entry {
	v := p.Load()
	if v&typeValid == 0 {
		return Invalid{}
	}
	addr := uintptr(v & outputAddrMask)
	switch {
	case level == leafLevel && v&typeTable != 0:
		return Page{Physical: addr, Perms: decodePerms(v)}
	case level == leafLevel:
		return Invalid{}
	case v&typeTable != 0:
		return Table{Physical: addr}
	case level == 0:
		// No level 0 blocks with the 4K granule.
		return Invalid{}
	default:
		return Block{Physical: addr &^ uintptr(levelSize(level)-1), Level: level, Perms: decodePerms(v)}
	}
}

// Set encodes e and writes the whole descriptor with a single store, so the
// hardware walker never observes a partially written entry.
//
// Set panics if e cannot be encoded: a misaligned address, or a Block outside
// levels 1 and 2.
func (p *PTE) Set(e Entry) {
	switch e := e.(type) {
	case Invalid:
		p.store(0)
	case Table:
		checkAligned(e.Physical, hostarch.PageSize)
		p.store(uint64(e.Physical) | typeTable | typeValid)
	case Block:
		if e.Level < 1 || e.Level >= leafLevel {
			panic(fmt.Sprintf("block descriptor at level %d", e.Level))
		}
		checkAligned(e.Physical, levelSize(e.Level))
		p.store(uint64(e.Physical) | e.Perms.encode() | typeValid)
	case Page:
		checkAligned(e.Physical, hostarch.PageSize)
		p.store(uint64(e.Physical) | e.Perms.encode() | typeTable | typeValid)
	default:
		panic(fmt.Sprintf("unknown entry %T", e))
	}
}

func checkAligned(pa uintptr, size uint64) {
	if uint64(pa)&(size-1) != 0 || uint64(pa) >= 1<<hostarch.VirtualAddressBits {
		panic(fmt.Sprintf("physical address %#x cannot be encoded with alignment %#x", pa, size))
	}
}
