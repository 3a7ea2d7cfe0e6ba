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
	"fmt"

	"labkernel.dev/labkernel/pkg/errors/kerr"
	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/metric"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
)

var (
	tlbHits    = metric.MustCreateNewUint64Metric("/ring0/tlb_hits", "Translations served from a translation cache.")
	tlbMisses  = metric.MustCreateNewUint64Metric("/ring0/tlb_misses", "Translations that required a table walk.")
	tlbFlushes = metric.MustCreateNewUint64Metric("/ring0/tlb_flushes", "Translation cache invalidations.")
	faults     = metric.MustCreateNewUint64Metric("/ring0/faults", "Translation faults raised, by kind.",
		metric.NewField("kind", []string{"translation", "access_flag", "permission"}))
)

// tlbKey identifies a cached page translation.
type tlbKey struct {
	page hostarch.Addr
}

// tlbEntry is a cached page translation. Blocks are cached one page at a
// time.
type tlbEntry struct {
	physical uintptr
	perms    pagetables.Perms

	// level is the level of the leaf the entry was filled from.
	level int
}

// SetTTBR0 installs the user tree root. As no ASIDs are modeled, this
// invalidates the CPU's translation cache.
//
//go:nosplit
func (c *CPU) SetTTBR0(root uintptr) {
	c.ttbr0 = root
	c.FlushTLB()
}

// SetTTBR1 installs the kernel tree root and invalidates the CPU's
// translation cache.
//
//go:nosplit
func (c *CPU) SetTTBR1(root uintptr) {
	c.ttbr1 = root
	c.FlushTLB()
}

// TTBR0 returns the installed user tree root.
//
//go:nosplit
func (c *CPU) TTBR0() uintptr {
	return c.ttbr0
}

// TTBR1 returns the installed kernel tree root.
//
//go:nosplit
func (c *CPU) TTBR1() uintptr {
	return c.ttbr1
}

// FlushTLB invalidates every cached translation of this CPU only. Other CPUs
// keep theirs.
//
// FlushTLB implements pagetables.Invalidator.FlushTLB.
func (c *CPU) FlushTLB() {
	clear(c.tlb)
	tlbFlushes.Increment()
}

// TLBEntries returns the number of cached translations.
func (c *CPU) TLBEntries() int {
	return len(c.tlb)
}

// fault records the exception state of a failed access and returns the
// error describing it.
func (c *CPU) fault(va hostarch.Addr, at hostarch.AccessType, el ExceptionLevel, status uintptr, level int, cause error) error {
	var ec uintptr
	switch {
	case at.Execute && el == EL0:
		ec, c.vecCode = ecInstructionAbortLower, El0SyncIa
	case at.Execute:
		ec, c.vecCode = ecInstructionAbortSame, El1SyncIa
	case el == EL0:
		ec, c.vecCode = ecDataAbortLower, El0SyncDa
	default:
		ec, c.vecCode = ecDataAbortSame, El1SyncDa
	}
	c.errorCode = ec<<esrECShift | status | uintptr(level&3)
	if at.Write {
		c.errorCode |= esrWnR
	}
	c.errorType = 0
	if el == EL0 {
		c.errorType = 1
	}
	c.faultAddr = uintptr(va)

	switch status {
	case FaultTranslation:
		faults.Increment("translation")
	case FaultAccessFlag:
		faults.Increment("access_flag")
	case FaultPermission:
		faults.Increment("permission")
	}
	return fmt.Errorf("%v fault at %v (%v from EL%d): %w: %w", c.vecCode, va, at, el, kerr.EFAULT, cause)
}

// Translate performs an access to va from the given exception level and
// returns the physical address it reaches.
//
// A cached translation is used if present, stale or not, as on hardware.
// Otherwise the tree installed in TTBR0 (for the lower half) or TTBR1 (for
// the upper half) is walked and the result cached. On failure the fault
// address, syndrome and vector are recorded for the page fault handler and
// an error wrapping EFAULT is returned.
//
// Translate must be serialized with changes to the trees it walks.
func (c *CPU) Translate(va hostarch.Addr, at hostarch.AccessType, el ExceptionLevel) (uintptr, error) {
	key := tlbKey{page: va.RoundDown()}
	e, ok := c.tlb[key]
	if ok {
		tlbHits.Increment()
	} else {
		tlbMisses.Increment()
		var err error
		if e, err = c.walk(va, at, el); err != nil {
			return 0, err
		}
	}

	if !e.perms.AccessType(el == EL0).SupersetOf(at) {
		return 0, c.fault(va, at, el, FaultPermission, e.level, fmt.Errorf("%v not permitted", at))
	}
	if !ok {
		c.tlb[key] = e
	}
	return e.physical + uintptr(va.PageOffset()), nil
}

// walk resolves the page containing va through the installed tables.
func (c *CPU) walk(va hostarch.Addr, at hostarch.AccessType, el ExceptionLevel) (tlbEntry, error) {
	if !hostarch.IsCanonical(va) {
		return tlbEntry{}, c.fault(va, at, el, FaultTranslation, 0, errors.New("non-canonical address"))
	}
	root := c.ttbr0
	if hostarch.IsKernelAddr(va) {
		root = c.ttbr1
	}
	if root == 0 {
		return tlbEntry{}, c.fault(va, at, el, FaultTranslation, 0, errors.New("no tree installed"))
	}
	pt, err := pagetables.FromRoot(c.kernel.Allocator, root)
	if err != nil {
		return tlbEntry{}, c.fault(va, at, el, FaultTranslation, 0, err)
	}

	pa, leaf, level, err := pt.Resolve(va)
	if err != nil {
		if errors.Is(err, kerr.ENOMAPPING) {
			return tlbEntry{}, c.fault(va, at, el, FaultTranslation, level, err)
		}
		return tlbEntry{}, err
	}

	var perms pagetables.Perms
	switch leaf := leaf.(type) {
	case pagetables.Page:
		perms = leaf.Perms
	case pagetables.Block:
		perms = leaf.Perms
	}
	if !perms.Accessed {
		return tlbEntry{}, c.fault(va, at, el, FaultAccessFlag, level, errors.New("access flag clear"))
	}
	return tlbEntry{physical: pa &^ (hostarch.PageSize - 1), perms: perms, level: level}, nil
}
