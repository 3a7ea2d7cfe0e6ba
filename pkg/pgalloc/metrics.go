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

package pgalloc

import (
	"strconv"

	"labkernel.dev/labkernel/pkg/metric"
)

var orderValues = func() []string {
	v := make([]string, MaxOrderLimit)
	for i := range v {
		v[i] = strconv.Itoa(i)
	}
	return v
}()

func orderField(order int) string {
	return orderValues[order]
}

var (
	allocations = metric.MustCreateNewUint64Metric("/pgalloc/allocations", "Number of blocks handed out, by order.",
		metric.NewField("order", orderValues))
	frees = metric.MustCreateNewUint64Metric("/pgalloc/frees", "Number of blocks returned, by order.",
		metric.NewField("order", orderValues))
	splits        = metric.MustCreateNewUint64Metric("/pgalloc/splits", "Number of block splits.")
	merges        = metric.MustCreateNewUint64Metric("/pgalloc/merges", "Number of buddy merges, including those made while building a pool.")
	allocFailures = metric.MustCreateNewUint64Metric("/pgalloc/alloc_failures", "Number of allocations that failed for lack of memory.")
)
