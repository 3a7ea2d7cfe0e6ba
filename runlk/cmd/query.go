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
	"labkernel.dev/labkernel/runlk/cmd/util"
	"labkernel.dev/labkernel/runlk/config"
	"labkernel.dev/labkernel/runlk/flag"
)

// Query implements subcommands.Command for the "query" command.
type Query struct{}

// Name implements subcommands.Command.Name.
func (*Query) Name() string {
	return "query"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Query) Synopsis() string {
	return "translate kernel addresses through the boot page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Query) Usage() string {
	return `query <va>... - prints the physical address and leaf descriptor of each address, or the fault it raises.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Query) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (q *Query) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMemoryManager(conf, nil)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Release()
	cpu := m.CPUs()[0]

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "VA\tPA\tDESCRIPTOR\n")
	for _, arg := range f.Args() {
		v, err := parseUint(arg)
		if err != nil {
			return util.Errorf("%v", err)
		}
		va := hostarch.Addr(v)
		pa, desc, err := m.QueryAtLevel(m.KernelTables(), va, 3)
		if err == nil {
			fmt.Fprintf(tw, "%v\t%#x\t%#016x\n", va, pa, desc)
			continue
		}
		// Let the simulated walker classify the fault.
		if _, terr := m.Translate(cpu, va, hostarch.Read, ring0.EL1); terr != nil {
			code, _ := cpu.ErrorCode()
			status, level := ring0.FaultStatus(code)
			fmt.Fprintf(tw, "%v\tfault\tstatus=%#x level=%d (%v)\n", va, status, level, err)
			continue
		}
		fmt.Fprintf(tw, "%v\terror\t%v\n", va, err)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
