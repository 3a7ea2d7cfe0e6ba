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

// Package config provides basic infrastructure to set configuration settings
// for runlk. The configuration is set by flags to the command line, and may
// be overlaid by a TOML file.
package config

import (
	"fmt"

	"labkernel.dev/labkernel/pkg/hostarch"
	"labkernel.dev/labkernel/pkg/log"
	"labkernel.dev/labkernel/pkg/metric"
	"labkernel.dev/labkernel/pkg/mm"
	"labkernel.dev/labkernel/pkg/pgalloc"
)

// Config holds configuration that is not part of the machine itself.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
//  5. If adding an enum, follow the same pattern as LogFormat.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP%, %COMMAND% and %PID%.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ConfigFile is a TOML file whose [flags] table sets flags not given on
	// the command line.
	ConfigFile string `flag:"config"`

	// RAMBase and RAMSize describe simulated physical memory.
	RAMBase uint64 `flag:"ram-base"`
	RAMSize uint64 `flag:"ram-size"`

	// ImageEnd is the physical end of the kernel image.
	ImageEnd uint64 `flag:"image-end"`

	// PoolStart is the physical address of the first pool frame.
	PoolStart uint64 `flag:"pool-start"`

	// Pages is the number of frames in the pool.
	Pages uint64 `flag:"pages"`

	// MaxOrder is the number of block orders in the pool.
	MaxOrder int `flag:"max-order"`

	// KernelMapVA, KernelMapPA and KernelMapLength describe the kernel
	// space mapped with 2 MiB blocks at boot.
	KernelMapVA     uint64 `flag:"kernel-map-va"`
	KernelMapPA     uint64 `flag:"kernel-map-pa"`
	KernelMapLength uint64 `flag:"kernel-map-length"`

	// CPUs is the number of simulated cores.
	CPUs int `flag:"cpus"`

	// DebugChecks runs the allocator invariant checker after every
	// mutation.
	DebugChecks bool `flag:"debug-checks"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.CPUs < 1 {
		return fmt.Errorf("--cpus must be at least 1, got %d", c.CPUs)
	}
	if c.MaxOrder < 1 || c.MaxOrder > pgalloc.MaxOrderLimit {
		return fmt.Errorf("--max-order must be in [1, %d], got %d", pgalloc.MaxOrderLimit, c.MaxOrder)
	}
	if c.Pages == 0 {
		return fmt.Errorf("--pages must be positive")
	}
	for _, v := range []struct {
		name  string
		value uint64
		align uint64
	}{
		{"ram-base", c.RAMBase, hostarch.PageSize},
		{"ram-size", c.RAMSize, hostarch.PageSize},
		{"pool-start", c.PoolStart, hostarch.PageSize},
		{"kernel-map-va", c.KernelMapVA, hostarch.HugePageSize},
		{"kernel-map-pa", c.KernelMapPA, hostarch.HugePageSize},
		{"kernel-map-length", c.KernelMapLength, hostarch.HugePageSize},
	} {
		if v.value%v.align != 0 {
			return fmt.Errorf("--%s=%#x is not aligned to %#x", v.name, v.value, v.align)
		}
	}
	if c.KernelMapLength != 0 && !hostarch.IsKernelAddr(hostarch.Addr(c.KernelMapVA)) {
		return fmt.Errorf("--kernel-map-va=%#x is not a kernel address", c.KernelMapVA)
	}
	return nil
}

// ToOpts returns the machine described by c. Gauges are registered in reg,
// if not nil.
func (c *Config) ToOpts(reg *metric.Registry) mm.Opts {
	return mm.Opts{
		RAMBase:         uintptr(c.RAMBase),
		RAMSize:         uintptr(c.RAMSize),
		ImageEnd:        uintptr(c.ImageEnd),
		PoolStart:       uintptr(c.PoolStart),
		Pages:           c.Pages,
		MaxOrder:        c.MaxOrder,
		KernelMapVA:     hostarch.Addr(c.KernelMapVA),
		KernelMapPA:     uintptr(c.KernelMapPA),
		KernelMapLength: c.KernelMapLength,
		CPUs:            c.CPUs,
		Debug:           c.DebugChecks,
		Registry:        reg,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
