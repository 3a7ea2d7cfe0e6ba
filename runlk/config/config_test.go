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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"labkernel.dev/labkernel/pkg/mm"
	"labkernel.dev/labkernel/runlk/flag"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if got, want := c.ToOpts(nil), mm.DefaultOpts(); got != want {
		t.Errorf("ToOpts() = %+v, want: %+v", got, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, value := range map[string]string{
		"debug":     "true",
		"pages":     "0x1000",
		"max-order": "11",
		"cpus":      "2",
	} {
		if err := testFlags.Set(name, value); err != nil {
			t.Fatalf("Flag set %s=%s: %v", name, value, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := uint64(4096); c.Pages != want {
		t.Errorf("Pages=%v, want: %v", c.Pages, want)
	}
	if want := 11; c.MaxOrder != want {
		t.Errorf("MaxOrder=%v, want: %v", c.MaxOrder, want)
	}

	want := []string{"--debug=true", "--pages=4096", "--max-order=11", "--cpus=2"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{"log format", map[string]string{"log-format": "xml"}, "invalid log format"},
		{"no cpus", map[string]string{"cpus": "0"}, "--cpus"},
		{"max order", map[string]string{"max-order": "21"}, "--max-order"},
		{"no pages", map[string]string{"pages": "0"}, "--pages"},
		{"unaligned pool", map[string]string{"pool-start": "0x1800001"}, "--pool-start"},
		{"unaligned block", map[string]string{"kernel-map-pa": "0x1000"}, "--kernel-map-pa"},
		{"user kernel map", map[string]string{"kernel-map-va": "0x200000"}, "not a kernel address"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Errorf("Flag set %s=%s: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() got err %v, want containing %q", err, tc.error)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runlk.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
[flags]
pages = 8192
cpus = 8
debug-checks = true
log-format = "json"
`)
	testFlags := newFlags(t)
	testFlags.Set("config", path)
	// Explicit flags win over the file.
	testFlags.Set("cpus", "3")

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(8192); c.Pages != want {
		t.Errorf("Pages=%v, want: %v", c.Pages, want)
	}
	if want := 3; c.CPUs != want {
		t.Errorf("CPUs=%v, want: %v", c.CPUs, want)
	}
	if !c.DebugChecks {
		t.Errorf("DebugChecks=false, want: true")
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		error   string
	}{
		{"unknown flag", "[flags]\nswap = true\n", "setting swap"},
		{"unknown table", "[machine]\npages = 1\n", "unknown keys"},
		{"recursive", "[flags]\nconfig = \"other.toml\"\n", "cannot set --config"},
		{"bad value", "[flags]\npages = \"many\"\n", "setting pages"},
		{"syntax", "[flags\n", "reading config file"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			testFlags.Set("config", writeConfig(t, tc.content))
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() got err %v, want containing %q", err, tc.error)
			}
		})
	}
}
