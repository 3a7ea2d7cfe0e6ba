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

	"labkernel.dev/labkernel/runlk/cmd/util"
	"labkernel.dev/labkernel/runlk/config"
	"labkernel.dev/labkernel/runlk/flag"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	check bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "bring up memory management and print the machine layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-check] - boots the machine and prints the page metadata placement, the free lists and the kernel roots.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.check, "check", true, "run the allocator invariant checker after boot.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMemoryManager(conf, nil)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Release()

	l := m.Layout()
	s := m.Stats()
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "page metadata\t[%v, %v)\n", l.MetadataStart, l.MetadataEnd())
	fmt.Fprintf(tw, "pool\t[%v, +%d pages)\n", l.PoolStart, l.Pages)
	fmt.Fprintf(tw, "free\t%d bytes\n", s.FreeBytes)
	fmt.Fprintf(tw, "table pages\t%d\n", s.TablePages)
	for _, c := range m.CPUs() {
		fmt.Fprintf(tw, "cpu %d\tttbr0=%#x ttbr1=%#x\n", c.ID(), c.TTBR0(), c.TTBR1())
	}
	tw.Flush()
	fmt.Println()
	printFreeLists(os.Stdout, m.Snapshot())

	if b.check {
		if err := m.CheckInvariants(); err != nil {
			return util.Errorf("invariant check failed: %v", err)
		}
		util.Infof("invariants hold")
	}
	return subcommands.ExitSuccess
}
