// Package combiner merges the outputs of the parallel workers of one iteration.
package combiner

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

const module = "combiner"

// Capability is the combination strategy a Combiner implements.
type Capability string

const (
	ParameterAveraging Capability = "parameter_averaging"
	BestOfN            Capability = "best_of_n"
)

// Combiner merges worker results into one CombinedResult.
type Combiner interface {
	// Capability declares the strategy.
	Capability() Capability
	// Combine merges results. It never mutates its input.
	Combine(results []model.WorkerResult) (*model.CombinedResult, error)
}

// New returns the Combiner for capability. metric is the comparison metric of BestOfN.
func New(capability Capability, metric string) (Combiner, error) {
	switch capability {
	case ParameterAveraging:
		return Averaging{}, nil
	case BestOfN:
		return Best{Metric: metric}, nil
	}
	return nil, exception.Newf(exception.ErrConfiguration, module, "unknown combiner %q", capability)
}

// Averaging computes the element-wise mean of every learnable unit.
// The combined model has no metrics and must be evaluated by the caller.
type Averaging struct{}

// Capability implements Combiner.
func (Averaging) Capability() Capability { return ParameterAveraging }

// Combine implements Combiner. Every model must have the same unit names and shapes.
func (Averaging) Combine(results []model.WorkerResult) (*model.CombinedResult, error) {
	if len(results) == 0 {
		return nil, exception.New(exception.ErrTraining, module, "no worker results to combine", nil)
	}
	ref := results[0].Model
	if ref == nil {
		return nil, exception.Newf(exception.ErrStructuralMismatch, module, "worker %d returned no model", results[0].Worker)
	}
	units := ref.UnitNames()
	for _, r := range results[1:] {
		if err := sameStructure(ref, r); err != nil {
			return nil, exception.Newf(exception.ErrStructuralMismatch, module, "worker %d vs worker %d", results[0].Worker, r.Worker, err)
		}
	}

	n := float64(len(results))
	params := make(map[string]model.Tensor, len(units))
	for _, u := range units {
		t := ref.Parameters[u]
		if err := t.Validate(); err != nil {
			return nil, exception.Newf(exception.ErrStructuralMismatch, module, "unit %s", u, err)
		}
		sum := make([]float64, len(t.Values))
		for _, r := range results {
			for i, v := range r.Model.Parameters[u].Values {
				sum[i] += v
			}
		}
		for i := range sum {
			sum[i] /= n
		}
		params[u] = model.Tensor{Shape: slices.Clone(t.Shape), Values: sum}
	}

	sources := make([]int, len(results))
	for i, r := range results {
		sources[i] = r.Worker
	}
	return &model.CombinedResult{
		Model:    &model.Model{Parameters: params, Meta: maps.Clone(ref.Meta)},
		Strategy: string(ParameterAveraging),
		Sources:  sources,
	}, nil
}

func sameStructure(ref *model.Model, r model.WorkerResult) error {
	if r.Model == nil {
		return fmt.Errorf("worker %d returned no model", r.Worker)
	}
	if !slices.Equal(ref.UnitNames(), r.Model.UnitNames()) {
		return fmt.Errorf("units %v differ from %v", r.Model.UnitNames(), ref.UnitNames())
	}
	for name, t := range ref.Parameters {
		o := r.Model.Parameters[name]
		if !slices.Equal(t.Shape, o.Shape) || len(t.Values) != len(o.Values) {
			return fmt.Errorf("unit %s has shape %v, want %v", name, o.Shape, t.Shape)
		}
	}
	return nil
}

// Best selects the worker with the highest Metric. Ties go to the lowest
// worker index; a NaN or missing metric ranks below every number.
type Best struct {
	Metric string
}

// Capability implements Combiner.
func (Best) Capability() Capability { return BestOfN }

// Combine implements Combiner.
func (b Best) Combine(results []model.WorkerResult) (*model.CombinedResult, error) {
	if len(results) == 0 {
		return nil, exception.New(exception.ErrTraining, module, "no worker results to combine", nil)
	}
	best := -1
	bestVal := math.Inf(-1)
	for i, r := range results {
		v := r.Metrics.Value(b.Metric)
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > bestVal || (v == bestVal && r.Worker < results[best].Worker) {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		// Nothing is comparable: fall back to the lowest worker index.
		best = 0
		for i, r := range results {
			if r.Worker < results[best].Worker {
				best = i
			}
		}
	}
	w := results[best]
	return &model.CombinedResult{
		Model:    w.Model,
		Metrics:  w.Metrics,
		Strategy: string(BestOfN),
		Sources:  []int{w.Worker},
	}, nil
}
