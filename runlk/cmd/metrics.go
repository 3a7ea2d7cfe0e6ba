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
	"errors"
	"os"

	"github.com/google/subcommands"

	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/metric"
	"labkernel.dev/labkernel/pkg/mm"
	"labkernel.dev/labkernel/pkg/ring0"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
	"labkernel.dev/labkernel/runlk/cmd/util"
	"labkernel.dev/labkernel/runlk/config"
	"labkernel.dev/labkernel/runlk/flag"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	namespace string
	runtime   bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "export metric data after a short workload"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-namespace=<runlk>] [-runtime] - boots, runs a short workload and prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.namespace, "namespace", "runlk", "prefix for all metric names, following Prometheus exporter convention.")
	f.BoolVar(&m.runtime, "runtime", false, "also export Go runtime heap metrics of the simulator.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if m.runtime {
		if _, err := metric.NewRuntimeUint64Metric(metric.Default, "/runtime/heap_object_bytes", "/memory/classes/heap/objects:bytes"); err != nil {
			return util.Errorf("registering runtime metric: %v", err)
		}
	}
	mem, err := newMemoryManager(conf, metric.Default)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer mem.Release()

	if err := workload(mem.CPUs()[0], mem); err != nil {
		return util.Errorf("workload: %v", err)
	}

	written, err := metric.Default.WriteText(os.Stdout, metric.ExportOptions{Namespace: m.namespace})
	if err != nil {
		return util.Errorf("cannot write metrics to stdout: %v", err)
	}
	util.Infof("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}

// workload touches every counter: allocations of several orders, a mapping
// translated twice, and a fault.
func workload(c *ring0.CPU, mem *mm.MemoryManager) error {
	var blocks []uintptr
	for order := 0; order < 4; order++ {
		pa, err := mem.AllocPages(order)
		if err != nil {
			return err
		}
		blocks = append(blocks, pa)
	}

	pt, err := mem.NewPageTables()
	if err != nil {
		return err
	}
	mem.SetRoot(c, pt)
	const va = hostarch.Addr(0x400000)
	opts := pagetables.MapOpts{AccessType: hostarch.Read, User: true}
	if err := mem.MapRange(c, pt, va, blocks[0], hostarch.PageSize, opts, pagetables.Page4K); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if _, err := mem.Translate(c, va, hostarch.Read, ring0.EL0); err != nil {
			return err
		}
	}
	// A write to a read only page faults.
	if _, err := mem.Translate(c, va, hostarch.Write, ring0.EL0); err == nil {
		return errors.New("write to read only page did not fault")
	}
	if err := mem.UnmapRange(c, pt, va, hostarch.PageSize); err != nil {
		return err
	}
	mem.SetRoot(c, nil)
	if err := mem.ReleasePageTables(pt); err != nil {
		return err
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		if err := mem.FreePages(blocks[i]); err != nil {
			return err
		}
	}
	return nil
}
