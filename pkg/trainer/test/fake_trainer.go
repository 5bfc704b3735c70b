package test

import (
	"context"
	"sync"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/trainer"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

// TrainCall describes one Train invocation.
type TrainCall struct {
	Round   int
	Worker  int
	Records int
}

// FakeTrainer produces one-unit models whose single parameter is the metric
// value returned by TrainFunc. Evaluate reports that parameter, so an averaged
// model evaluates to the mean of its workers.
//
// Rounds are counted from Train calls: call k belongs to round k/Instances.
// Iterations run one after another, so a round is an iteration as long as
// every worker is dispatched.
type FakeTrainer struct {
	Metric    string
	Instances int
	// TrainFunc returns the metric of worker in round. A nil TrainFunc yields 1.
	TrainFunc func(ctx context.Context, round, worker int) (float64, error)
	// EvaluateErr fails every Evaluate call.
	EvaluateErr error

	mu    sync.Mutex
	calls []TrainCall
}

// NewFakeTrainer returns a FakeTrainer reporting metric.
func NewFakeTrainer(metric string, instances int, fn func(ctx context.Context, round, worker int) (float64, error)) *FakeTrainer {
	return &FakeTrainer{Metric: metric, Instances: instances, TrainFunc: fn}
}

func (f *FakeTrainer) Train(ctx context.Context, worker int, records []model.Record) (*model.WorkerResult, error) {
	f.mu.Lock()
	per := max(f.Instances, 1)
	round := len(f.calls) / per
	f.calls = append(f.calls, TrainCall{Round: round, Worker: worker, Records: len(records)})
	f.mu.Unlock()

	value := 1.0
	if f.TrainFunc != nil {
		v, err := f.TrainFunc(ctx, round, worker)
		if err != nil {
			return nil, err
		}
		value = v
	}
	return &model.WorkerResult{
		Worker: worker,
		Model: &model.Model{Parameters: map[string]model.Tensor{
			"w": {Shape: []int{1}, Values: []float64{value}},
		}},
		Metrics: model.Metrics{f.Metric: value},
	}, nil
}

func (f *FakeTrainer) Evaluate(ctx context.Context, m *model.Model, records []model.Record) (model.Metrics, error) {
	if f.EvaluateErr != nil {
		return nil, f.EvaluateErr
	}
	t, ok := m.Parameters["w"]
	if !ok || len(t.Values) != 1 {
		return nil, exception.New(exception.ErrStructuralMismatch, "fake", "model has no w unit", nil)
	}
	return model.Metrics{f.Metric: t.Values[0]}, nil
}

// Calls returns every Train invocation so far.
func (f *FakeTrainer) Calls() []TrainCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TrainCall(nil), f.calls...)
}

var _ trainer.Trainer = (*FakeTrainer)(nil)
