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
	"os"
	"strconv"

	"github.com/google/subcommands"

	"labkernel.dev/labkernel/runlk/cmd/util"
	"labkernel.dev/labkernel/runlk/config"
	"labkernel.dev/labkernel/runlk/flag"
)

// Alloc implements subcommands.Command for the "alloc" command.
type Alloc struct {
	free bool
}

// Name implements subcommands.Command.Name.
func (*Alloc) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Alloc) Synopsis() string {
	return "allocate blocks from the buddy pool and print the free lists"
}

// Usage implements subcommands.Command.Usage.
func (*Alloc) Usage() string {
	return `alloc [-free] <order>... - allocates one block of each order, in order, then optionally frees them in reverse.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Alloc) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.free, "free", false, "free the blocks again and check that the pool is restored.")
}

// Execute implements subcommands.Command.Execute.
func (a *Alloc) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var orders []int
	for _, arg := range f.Args() {
		order, err := strconv.Atoi(arg)
		if err != nil {
			return util.Errorf("invalid order %q: %v", arg, err)
		}
		orders = append(orders, order)
	}

	m, err := newMemoryManager(conf, nil)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Release()
	before := m.FreeBytes()

	var blocks []uintptr
	for _, order := range orders {
		pa, err := m.AllocPages(order)
		if err != nil {
			return util.Errorf("allocating order %d: %v", order, err)
		}
		util.Infof("order %d: %#x", order, pa)
		blocks = append(blocks, pa)
	}
	printFreeLists(os.Stdout, m.Snapshot())

	if !a.free {
		return subcommands.ExitSuccess
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if err := m.FreePages(blocks[i]); err != nil {
			return util.Errorf("freeing %#x: %v", blocks[i], err)
		}
	}
	printFreeLists(os.Stdout, m.Snapshot())
	if after := m.FreeBytes(); after != before {
		return util.Errorf("free bytes %d after freeing everything, want %d", after, before)
	}
	if err := m.CheckInvariants(); err != nil {
		return util.Errorf("invariant check failed: %v", err)
	}
	util.Infof("pool restored: %d bytes free", before)
	return subcommands.ExitSuccess
}
