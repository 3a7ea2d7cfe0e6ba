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
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/log"
	"labkernel.dev/labkernel/pkg/mm"
	"labkernel.dev/labkernel/pkg/ring0"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
	"labkernel.dev/labkernel/runlk/cmd/util"
	"labkernel.dev/labkernel/runlk/config"
	"labkernel.dev/labkernel/runlk/flag"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	maxOrder   int
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run every core against the kernel lock and check the pool afterwards"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - each core repeatedly allocates a block, maps it, copies through it, unmaps and frees it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "iterations", 1000, "iterations per core.")
	f.IntVar(&s.maxOrder, "max-block-order", 4, "largest block order allocated.")
	f.Int64Var(&s.seed, "seed", 1, "random seed; each core adds its ID.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.maxOrder < 0 || s.maxOrder >= conf.MaxOrder {
		return util.Errorf("-max-block-order must be in [0, %d)", conf.MaxOrder)
	}

	m, err := newMemoryManager(conf, nil)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Release()
	before := m.Stats()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.CPUs() {
		c := c
		g.Go(func() error {
			return s.run(ctx, m, c)
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	elapsed := time.Since(start)

	if err := m.CheckInvariants(); err != nil {
		return util.Errorf("invariant check failed: %v", err)
	}
	if after := m.Stats(); after.FreeBytes != before.FreeBytes || after.TablePages != before.TablePages {
		return util.Errorf("pool not restored: %d bytes free and %d table pages, want %d and %d",
			after.FreeBytes, after.TablePages, before.FreeBytes, before.TablePages)
	}
	ops := s.iterations * len(m.CPUs())
	util.Infof("%d iterations on %d cores in %v (%.0f/s)", ops, len(m.CPUs()), elapsed, float64(ops)/elapsed.Seconds())
	return subcommands.ExitSuccess
}

// run is the loop of one core. Each core owns its user tree.
func (s *Stress) run(ctx context.Context, m *mm.MemoryManager, c *ring0.CPU) error {
	rng := rand.New(rand.NewSource(s.seed + int64(c.ID())))
	pt, err := m.NewPageTables()
	if err != nil {
		return err
	}
	m.SetRoot(c, pt)
	defer func() {
		m.SetRoot(c, nil)
		if err := m.ReleasePageTables(pt); err != nil {
			log.Warningf("cpu %d: releasing page tables: %v", c.ID(), err)
		}
	}()

	const va = hostarch.Addr(0x400000)
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
	want := make([]byte, 64)
	got := make([]byte, len(want))
	for i := 0; i < s.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		order := rng.Intn(s.maxOrder + 1)
		length := uint64(hostarch.PageSize) << order
		pa, err := m.AllocPages(order)
		if err != nil {
			return fmt.Errorf("cpu %d: %w", c.ID(), err)
		}
		if err := m.MapRange(c, pt, va, pa, length, opts, pagetables.Page4K); err != nil {
			return fmt.Errorf("cpu %d: %w", c.ID(), err)
		}

		at := va + hostarch.Addr(rng.Int63n(int64(length-uint64(len(want)))))
		rng.Read(want)
		if _, err := m.CopyOut(c, at, want, ring0.EL0); err != nil {
			return fmt.Errorf("cpu %d: %w", c.ID(), err)
		}
		if _, err := m.CopyIn(c, at, got, ring0.EL0); err != nil {
			return fmt.Errorf("cpu %d: %w", c.ID(), err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("cpu %d: read back %x from %v, wrote %x", c.ID(), got, at, want)
		}

		if err := m.UnmapRange(c, pt, va, length); err != nil {
			return fmt.Errorf("cpu %d: %w", c.ID(), err)
		}
		if err := m.FreePages(pa); err != nil {
			return fmt.Errorf("cpu %d: %w", c.ID(), err)
		}
	}
	return nil
}
