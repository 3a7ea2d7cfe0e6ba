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

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/ring0"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
	"labkernel.dev/labkernel/runlk/cmd/util"
	"labkernel.dev/labkernel/runlk/config"
	"labkernel.dev/labkernel/runlk/flag"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	granularity granularity
	access      string
	kernel      bool
	show        int
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map a range into a page table and query it back"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] <va> <pa> <length> - maps [va, va+length) to pa in a fresh user tree, or in the kernel tree with -kernel, and prints the resulting leaves.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	m.granularity = granularity(pagetables.Page4K)
	f.Var(&m.granularity, "granularity", "leaf size: 4K, 2M or 1G.")
	f.StringVar(&m.access, "access", "rw", "access granted: a combination of r, w and x.")
	f.BoolVar(&m.kernel, "kernel", false, "map into the kernel tree instead of a user tree.")
	f.IntVar(&m.show, "show", 8, "maximum number of leaves to print.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var nums [3]uint64
	for i := range nums {
		v, err := parseUint(f.Arg(i))
		if err != nil {
			return util.Errorf("%v", err)
		}
		nums[i] = v
	}
	va, pa, length := hostarch.Addr(nums[0]), uintptr(nums[1]), nums[2]
	at, err := parseAccess(m.access)
	if err != nil {
		return util.Errorf("%v", err)
	}
	g := pagetables.Granularity(m.granularity)

	mem, err := newMemoryManager(conf, nil)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer mem.Release()
	cpu := mem.CPUs()[0]

	pt := mem.KernelTables()
	el := ring0.EL1
	if !m.kernel {
		if pt, err = mem.NewPageTables(); err != nil {
			return util.Errorf("creating page tables: %v", err)
		}
		mem.SetRoot(cpu, pt)
		el = ring0.EL0
	}
	opts := pagetables.MapOpts{AccessType: at, User: !m.kernel}
	if err := mem.MapRange(cpu, pt, va, pa, length, opts, g); err != nil {
		return util.Errorf("mapping [%v, +%#x) -> %#x: %v", va, length, pa, err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "VA\tPA\tDESCRIPTOR\tTRANSLATE\n")
	shown := 0
	for off := uint64(0); off < length && shown < m.show; off += g.Size() {
		cur := va + hostarch.Addr(off)
		got, desc, err := mem.QueryAtLevel(pt, cur, g.Level())
		if err != nil {
			return util.Errorf("querying %v: %v", cur, err)
		}
		tr := "ok"
		if tpa, err := mem.Translate(cpu, cur, hostarch.Read, el); err != nil {
			tr = err.Error()
		} else if tpa != got {
			tr = fmt.Sprintf("mismatch %#x", tpa)
		}
		fmt.Fprintf(tw, "%v\t%#x\t%#016x\t%s\n", cur, got, desc, tr)
		shown++
	}
	tw.Flush()
	util.Infof("table pages in use: %d", mem.Stats().TablePages)
	return subcommands.ExitSuccess
}
