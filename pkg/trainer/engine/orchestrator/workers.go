package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/go-pkgz/syncs"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

type outcome struct {
	result *model.WorkerResult
	err    error
}

// train runs InstancesPerIteration workers over the shared snapshot, at most
// MaxWorkers at a time. Each worker reports through its own one-shot channel;
// the results are returned in worker order. Any worker failure fails the
// whole step with the error of the lowest failing worker.
func (o *Orchestrator) train(ctx context.Context, records []model.Record) ([]model.WorkerResult, error) {
	n := o.opts.InstancesPerIteration
	if n == 1 {
		out := o.trainWorker(ctx, 0, records)
		if out.err != nil {
			return nil, out.err
		}
		return []model.WorkerResult{*out.result}, nil
	}

	gr := syncs.NewSizedGroup(min(o.opts.MaxWorkers, n), syncs.Context(ctx))
	slots := make([]chan outcome, n)
	for w := 0; w < n; w++ {
		slots[w] = make(chan outcome, 1)
		if ctx.Err() != nil {
			logger.Warnf("Training cancelled before worker %d was dispatched.", w)
			break
		}
		slot := slots[w]
		worker := w
		gr.Go(func(ctx context.Context) {
			slot <- o.trainWorker(ctx, worker, records)
		})
	}
	gr.Wait()

	results := make([]model.WorkerResult, 0, n)
	for w, slot := range slots {
		var out outcome
		select {
		case out = <-slot:
		default:
			// The group never started this worker.
			out.err = fmt.Errorf("worker %d was not run: %w", w, context.Cause(ctx))
		}
		if out.err != nil {
			return nil, out.err
		}
		results = append(results, *out.result)
	}
	return results, nil
}

// trainWorker runs one Train call and normalizes its outcome.
func (o *Orchestrator) trainWorker(ctx context.Context, worker int, records []model.Record) (out outcome) {
	err := guard(fmt.Sprintf("worker %d", worker), func() (err error) {
		out.result, err = o.deps.Trainer.Train(ctx, worker, records)
		return err
	})
	if err != nil {
		return outcome{err: err}
	}
	if out.result == nil {
		return outcome{err: exception.Newf(exception.ErrTraining, module, "worker %d returned no result", worker)}
	}
	out.result.Worker = worker
	logger.Debugf("Worker %d finished: %v", worker, out.result.Metrics)
	return out
}

// guard runs fn, turning a panic into a TrainingError and tagging untyped
// errors as TrainingError.
func guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s panicked: %v\n%s", what, r, debug.Stack())
			err = exception.Newf(exception.ErrTraining, module, "%s panicked: %v", what, r)
		}
	}()
	if err = fn(); err != nil && exception.KindOf(err) == nil && !exception.IsCancellation(err) {
		err = exception.Newf(exception.ErrTraining, module, "%s failed", what, err)
	}
	return err
}
