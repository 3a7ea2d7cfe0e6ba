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

// Package cmd holds implementations of the runlk commands.
package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/metric"
	"labkernel.dev/labkernel/pkg/mm"
	"labkernel.dev/labkernel/pkg/pgalloc"
	"labkernel.dev/labkernel/pkg/ring0/pagetables"
	"labkernel.dev/labkernel/runlk/config"
)

// newMemoryManager boots the machine described by conf.
func newMemoryManager(conf *config.Config, reg *metric.Registry) (*mm.MemoryManager, error) {
	m, err := mm.New(conf.ToOpts(reg))
	if err != nil {
		return nil, fmt.Errorf("booting: %w", err)
	}
	return m, nil
}

// parseUint parses a decimal or 0x prefixed number.
func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s, err)
	}
	return v, nil
}

// parseAccess parses a combination of 'r', 'w' and 'x'.
func parseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		default:
			return at, fmt.Errorf("invalid access %q, must combine r, w and x", s)
		}
	}
	return at, nil
}

// granularity implements flag.Value for pagetables.Granularity.
type granularity pagetables.Granularity

// String implements flag.Value.
func (g *granularity) String() string {
	return pagetables.Granularity(*g).String()
}

// Get implements flag.Getter.
func (g *granularity) Get() any {
	return pagetables.Granularity(*g)
}

// Set implements flag.Value.
func (g *granularity) Set(s string) error {
	for _, v := range []pagetables.Granularity{pagetables.Page4K, pagetables.Block2M, pagetables.Block1G} {
		if strings.EqualFold(s, v.String()) {
			*g = granularity(v)
			return nil
		}
	}
	return fmt.Errorf("invalid granularity %q, must be 4K, 2M or 1G", s)
}

// printFreeLists prints the number of free blocks of each order and the
// first few block frames.
func printFreeLists(w io.Writer, s pgalloc.Snapshot) {
	const maxShown = 4
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "ORDER\tBLOCK SIZE\tFREE\tFIRST FRAMES\n")
	for order, frames := range s {
		shown := frames[:min(len(frames), maxShown)]
		more := ""
		if len(frames) > maxShown {
			more = " ..."
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%v%s\n", order, hostarch.PageSize<<order, len(frames), shown, more)
	}
	tw.Flush()
}
