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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"labkernel.dev/labkernel/pkg/atomicbitops"
	"labkernel.dev/labkernel/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	metadata

	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// metadata describes a registered metric. It is immutable.
type metadata struct {
	name        string
	description string
	cumulative  bool
}

type customUint64Metric struct {
	metadata
	fieldMapper fieldMapper

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper. This *must* be called with
// the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue IdxLookup
			}
		}
		panic(fmt.Sprintf("disallowed field value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// keyToMultiField is the reverse of lookup. The returned list of field values
// corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 && key == 0 {
		return nil
	}
	depth := len(m.fields)
	fields := make([]string, depth)
	remaining := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remaining /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remaining]
		key = key % remaining
	}
	return fields
}

// Registry is a set of named metrics.
type Registry struct {
	mu sync.Mutex

	// uint64Metrics and customMetrics are keyed by name; a name appears in
	// at most one of them.
	uint64Metrics map[string]*Uint64Metric
	customMetrics map[string]customUint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		uint64Metrics: make(map[string]*Uint64Metric),
		customMetrics: make(map[string]customUint64Metric),
	}
}

// Default is the registry used by the package-level functions.
var Default = NewRegistry()

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) == 1 {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return false
		}
	}
	return true
}

// checkNameLocked returns an error if name cannot be registered.
//
// Preconditions: r.mu is locked.
func (r *Registry) checkNameLocked(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := r.uint64Metrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	if _, ok := r.customMetrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return nil, err
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		metadata:    metadata{name: name, description: description, cumulative: true},
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
		fieldMapper: f,
	}
	r.uint64Metrics[name] = m
	return m, nil
}

// RegisterCustomUint64Metric registers a metric whose value is computed by
// value at export time. Non-cumulative custom metrics are exported as
// gauges.
//
// Preconditions:
//   - value is expected to accept exactly len(fields) arguments.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	r.customMetrics[name] = customUint64Metric{
		metadata:    metadata{name: name, description: description, cumulative: cumulative},
		fieldMapper: f,
		value:       value,
	}
	return nil
}

// Unregister removes the named metric. It returns false if no such metric
// exists.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uint64Metrics[name]; ok {
		delete(r.uint64Metrics, name)
		return true
	}
	if _, ok := r.customMetrics[name]; ok {
		delete(r.customMetrics, name)
		return true
	}
	return false
}

// Value is one sample of a metric for one field combination.
type Value struct {
	Name        string
	Description string
	Cumulative  bool

	// Labels maps field names to values.
	Labels map[string]string
	Value  uint64
}

func labelsFor(f fieldMapper, key int) map[string]string {
	vals := f.keyToMultiField(key)
	if len(vals) == 0 {
		return nil
	}
	labels := make(map[string]string, len(vals))
	for i, v := range vals {
		labels[f.fields[i].name] = v
	}
	return labels
}

// Values samples every metric in the registry, sorted by name.
func (r *Registry) Values() []Value {
	r.mu.Lock()
	defer r.mu.Unlock()

	var vals []Value
	for _, m := range r.uint64Metrics {
		for key := range m.fields {
			vals = append(vals, Value{
				Name:        m.name,
				Description: m.description,
				Cumulative:  m.cumulative,
				Labels:      labelsFor(m.fieldMapper, key),
				Value:       m.fields[key].Load(),
			})
		}
	}
	for _, m := range r.customMetrics {
		for key := 0; key < m.fieldMapper.numKeys(); key++ {
			vals = append(vals, Value{
				Name:        m.name,
				Description: m.description,
				Cumulative:  m.cumulative,
				Labels:      labelsFor(m.fieldMapper, key),
				Value:       m.value(m.fieldMapper.keyToMultiField(key)...),
			})
		}
	}
	// Sorting is stable so that field combinations keep key order.
	sort.SliceStable(vals, func(i, j int) bool { return vals[i].Name < vals[j].Name })
	return vals
}

// NewUint64Metric registers a metric in the Default registry.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	return Default.NewUint64Metric(name, description, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a custom metric in the Default
// registry.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	return Default.RegisterCustomUint64Metric(name, cumulative, description, value, fields...)
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookup(fieldValues...)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(v)
}
