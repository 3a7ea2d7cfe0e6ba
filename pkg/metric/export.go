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

package metric

import (
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// ExportOptions configures Prometheus exposition.
type ExportOptions struct {
	// Namespace is prepended to every metric name, separated by '_'.
	Namespace string

	// ExtraLabels are added to every sample.
	ExtraLabels map[string]string
}

// promName converts a metric name such as "/pgalloc/allocs" into a
// Prometheus name such as "labkernel_pgalloc_allocs".
func promName(namespace, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if namespace == "" {
		return n
	}
	return namespace + "_" + n
}

func labelPairs(labels ...map[string]string) []*dto.LabelPair {
	var pairs []*dto.LabelPair
	for _, m := range labels {
		for k, v := range m {
			pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs
}

// MetricFamilies converts a sample of the registry into Prometheus metric
// families, one per metric name, sorted by name.
func (r *Registry) MetricFamilies(opts ExportOptions) []*dto.MetricFamily {
	var families []*dto.MetricFamily
	byName := make(map[string]*dto.MetricFamily)
	for _, v := range r.Values() {
		mf, ok := byName[v.Name]
		if !ok {
			typ := dto.MetricType_GAUGE
			if v.Cumulative {
				typ = dto.MetricType_COUNTER
			}
			mf = &dto.MetricFamily{
				Name: proto.String(promName(opts.Namespace, v.Name)),
				Help: proto.String(v.Description),
				Type: typ.Enum(),
			}
			byName[v.Name] = mf
			families = append(families, mf)
		}
		m := &dto.Metric{Label: labelPairs(v.Labels, opts.ExtraLabels)}
		if v.Cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(float64(v.Value))}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(float64(v.Value))}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return families
}

// WriteText writes the registry in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer, opts ExportOptions) (int, error) {
	written := 0
	for _, mf := range r.MetricFamilies(opts) {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ParseText parses Prometheus text exposition, as produced by WriteText.
func ParseText(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var p expfmt.TextParser
	return p.TextToMetricFamilies(r)
}
