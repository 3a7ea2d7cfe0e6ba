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

package mm

import (
	"labkernel.dev/labkernel/pkg/metric"
)

const (
	freeBytesMetric  = "/mm/free_bytes"
	tablePagesMetric = "/mm/table_pages"
)

// registerMetrics exports the gauges of m to reg.
func (m *MemoryManager) registerMetrics(reg *metric.Registry) error {
	if err := reg.RegisterCustomUint64Metric(freeBytesMetric, false, "Bytes in free pool blocks.", func(...string) uint64 {
		return m.FreeBytes()
	}); err != nil {
		return err
	}
	if err := reg.RegisterCustomUint64Metric(tablePagesMetric, false, "Pool frames holding page tables.", func(...string) uint64 {
		m.lock(nil)
		defer m.unlock()
		return uint64(m.tables.live())
	}); err != nil {
		reg.Unregister(freeBytesMetric)
		return err
	}
	return nil
}

func (m *MemoryManager) unregisterMetrics(reg *metric.Registry) {
	reg.Unregister(freeBytesMetric)
	reg.Unregister(tablePagesMetric)
}
