// Package majority provides a majority-class baseline Trainer. It predicts the
// most frequent value of a label field and reports accuracy.
package majority

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/trainer"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/configbinder"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

const (
	// Name is the model name this trainer is registered under.
	Name = "majority"

	module = "majority"
	// unitPrior is the learnable unit holding the class frequencies.
	unitPrior   = "class_prior"
	metaClasses = "classes"
	metaLabel   = "label_field"
)

// Properties are the model properties accepted by the majority trainer.
type Properties struct {
	LabelField string `yaml:"label_field"`
	Seed       int64  `yaml:"seed"`
	// Bootstrap resamples the records per worker so parallel workers differ.
	Bootstrap bool `yaml:"bootstrap"`
	// Holdout is the share of records, taken from the tail, kept out of
	// training and used for evaluation. Zero trains and evaluates on all.
	Holdout float64 `yaml:"holdout"`
}

// Trainer is the majority-class baseline.
type Trainer struct {
	props Properties
}

// New binds properties onto the defaults and returns a Trainer.
func New(properties map[string]interface{}) (trainer.Trainer, error) {
	props := Properties{LabelField: "label", Seed: 42, Bootstrap: true}
	if err := configbinder.BindProperties(properties, &props); err != nil {
		return nil, err
	}
	if props.LabelField == "" {
		return nil, fmt.Errorf("label_field must not be empty")
	}
	if math.IsNaN(props.Holdout) || props.Holdout < 0 || props.Holdout >= 1 {
		return nil, fmt.Errorf("holdout must be in [0, 1), got %v", props.Holdout)
	}
	return &Trainer{props: props}, nil
}

// Train counts label frequencies over a bootstrap sample of the training
// split. The class list is taken from all records so every worker produces
// the same shape.
func (t *Trainer) Train(ctx context.Context, worker int, records []model.Record) (*model.WorkerResult, error) {
	all := t.labels(records)
	train, _ := t.split(records)
	labels := t.labels(train)
	if len(labels) == 0 {
		return nil, exception.Newf(exception.ErrTraining, module, "no training record carries label field %q", t.props.LabelField)
	}
	classes := distinct(all)
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	sample := labels
	if t.props.Bootstrap {
		rng := rand.New(rand.NewPCG(uint64(t.props.Seed), uint64(worker)))
		sample = make([]string, len(labels))
		for i := range sample {
			sample[i] = labels[rng.IntN(len(labels))]
		}
	}

	freq := make([]float64, len(classes))
	for i, l := range sample {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, exception.New(exception.ErrTraining, module, "training cancelled", err)
			}
		}
		freq[index[l]]++
	}
	for i := range freq {
		freq[i] /= float64(len(sample))
	}

	m := &model.Model{
		Parameters: map[string]model.Tensor{
			unitPrior: {Shape: []int{len(classes)}, Values: freq},
		},
		Meta: map[string]interface{}{
			metaClasses: classes,
			metaLabel:   t.props.LabelField,
		},
	}
	metrics, err := t.Evaluate(ctx, m, records)
	if err != nil {
		return nil, err
	}
	return &model.WorkerResult{Worker: worker, Model: m, Metrics: metrics}, nil
}

// Evaluate reports the accuracy of always predicting the most frequent class,
// and the share of records carrying a label, over the holdout split. Accuracy
// is NaN when no evaluated record is labelled.
func (t *Trainer) Evaluate(ctx context.Context, m *model.Model, records []model.Record) (model.Metrics, error) {
	predicted, err := predict(m)
	if err != nil {
		return nil, err
	}
	_, records = t.split(records)
	labels := t.labels(records)
	metrics := model.Metrics{"accuracy": math.NaN(), "coverage": 0}
	if len(records) > 0 {
		metrics["coverage"] = float64(len(labels)) / float64(len(records))
	}
	if len(labels) == 0 {
		return metrics, nil
	}
	hits := 0
	for _, l := range labels {
		if l == predicted {
			hits++
		}
	}
	metrics["accuracy"] = float64(hits) / float64(len(labels))
	return metrics, nil
}

// predict returns the class with the highest prior. Ties go to the class that
// sorts first.
func predict(m *model.Model) (string, error) {
	if m == nil {
		return "", exception.New(exception.ErrTraining, module, "no model to evaluate", nil)
	}
	prior, ok := m.Parameters[unitPrior]
	if !ok {
		return "", exception.Newf(exception.ErrStructuralMismatch, module, "model has no %s unit", unitPrior)
	}
	classes, err := classList(m.Meta[metaClasses])
	if err != nil {
		return "", exception.New(exception.ErrStructuralMismatch, module, "invalid class list", err)
	}
	if len(classes) != len(prior.Values) || len(classes) == 0 {
		return "", exception.Newf(exception.ErrStructuralMismatch, module, "%d classes for %d prior values", len(classes), len(prior.Values))
	}
	best := 0
	for i, v := range prior.Values {
		if v > prior.Values[best] {
			best = i
		}
	}
	return classes[best], nil
}

func classList(v interface{}) ([]string, error) {
	switch c := v.(type) {
	case []string:
		return c, nil
	case []interface{}:
		out := make([]string, len(c))
		for i, x := range c {
			out[i] = fmt.Sprint(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected type %T", v)
}

// split divides records into a training head and an evaluation tail. Without
// a holdout, or with fewer than two records, both are the full set.
func (t *Trainer) split(records []model.Record) (train, eval []model.Record) {
	n := len(records)
	if t.props.Holdout == 0 || n < 2 {
		return records, records
	}
	k := min(max(int(math.Round(t.props.Holdout*float64(n))), 1), n-1)
	return records[:n-k], records[n-k:]
}

// labels returns the label of every record that has one, as text.
func (t *Trainer) labels(records []model.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		v, ok := r[t.props.LabelField]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func distinct(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

var _ trainer.Trainer = (*Trainer)(nil)
