// Package model defines the domain types shared by the trainer components:
// records, models and worker results, and the iteration and run bookkeeping.
package model

import (
	"fmt"
	"math"
	"slices"
)

// Record maps a field name to a scalar or blob value. It is schema-less in transit
// and validated only against the target table's columns at insert time.
type Record map[string]interface{}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Keys returns the field names of r in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Metrics maps a metric name to its value. NaN marks an undefined value.
type Metrics map[string]float64

// Value returns the metric called name. Missing metrics are reported as NaN.
func (m Metrics) Value(name string) float64 {
	v, ok := m[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// Tensor is one learnable unit: a flat value slice with its shape.
type Tensor struct {
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values"`
}

// Size returns the element count implied by Shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return len(t.Values)
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate reports a Tensor whose values do not match its shape.
func (t Tensor) Validate() error {
	if t.Size() != len(t.Values) {
		return fmt.Errorf("shape %v implies %d values, got %d", t.Shape, t.Size(), len(t.Values))
	}
	return nil
}

// Model is the trained artifact of a worker: named learnable units plus opaque metadata.
type Model struct {
	Parameters map[string]Tensor      `json:"parameters"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// UnitNames returns the learnable unit names in sorted order.
func (m *Model) UnitNames() []string {
	names := make([]string, 0, len(m.Parameters))
	for n := range m.Parameters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// WorkerResult is the output of one training worker.
type WorkerResult struct {
	// Worker is the worker index inside the iteration.
	Worker  int
	Model   *Model
	Metrics Metrics
}

// CombinedResult is the merged output of the workers of one iteration.
type CombinedResult struct {
	Model *Model
	// Metrics is nil when the combined model still has to be evaluated.
	Metrics Metrics
	// Strategy names the combination strategy that produced the result.
	Strategy string
	// Sources lists the worker indexes that contributed.
	Sources []int
}
