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

package config

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"

	"labkernel.dev/labkernel/pkg/mm"
	"labkernel.dev/labkernel/runlk/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := mm.DefaultOpts()

	// Debugging flags.
	flagSet.String("log", "", "file path where errors are written as JSON, one per line.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.String("config", "", "TOML file whose [flags] table sets flags not given on the command line.")

	// Machine geometry. Addresses accept a 0x prefix.
	flagSet.Uint64("ram-base", uint64(def.RAMBase), "physical address of the first byte of RAM.")
	flagSet.Uint64("ram-size", uint64(def.RAMSize), "size of RAM in bytes.")
	flagSet.Uint64("image-end", uint64(def.ImageEnd), "physical end of the kernel image; page metadata follows it.")
	flagSet.Uint64("pool-start", uint64(def.PoolStart), "physical address of the first page of the buddy pool.")
	flagSet.Uint64("pages", def.Pages, "number of pages in the buddy pool.")
	flagSet.Int("max-order", def.MaxOrder, "number of block orders in the buddy pool.")
	flagSet.Uint64("kernel-map-va", uint64(def.KernelMapVA), "virtual start of the kernel space mapped at boot.")
	flagSet.Uint64("kernel-map-pa", uint64(def.KernelMapPA), "physical start of the kernel space mapped at boot.")
	flagSet.Uint64("kernel-map-length", def.KernelMapLength, "length of the kernel space mapped at boot; 0 maps nothing.")
	flagSet.Int("cpus", def.CPUs, "number of simulated cores.")
	flagSet.Bool("debug-checks", false, "check allocator invariants after every mutation; a failure panics.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the file named by --config for flags not set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if err := applyFile(flagSet); err != nil {
		return nil, err
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// fileConfig is the layout of a --config file.
type fileConfig struct {
	// Flags maps flag names to values. They are converted to --key=value
	// directly.
	Flags map[string]any `toml:"flags"`
}

// applyFile sets the flags listed in the --config file that were not set on
// the command line.
func applyFile(flagSet *flag.FlagSet) error {
	fl := flagSet.Lookup("config")
	if fl == nil {
		return nil
	}
	path := flag.Get(fl.Value).(string)
	if path == "" {
		return nil
	}

	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for name, v := range fc.Flags {
		if name == "config" {
			return fmt.Errorf("config file %q cannot set --config", path)
		}
		if explicit[name] {
			continue
		}
		if err := flagSet.Set(name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %q: setting %s=%v: %w", path, name, v, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting those at their default values.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
