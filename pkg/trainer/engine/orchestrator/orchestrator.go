// Package orchestrator drives training iterations: each one provisions an
// ephemeral resource, stages the data set into it, trains and evaluates,
// persists the outcome and always tears the resource down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/combiner"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/trainer"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/ephemeral"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/monitor"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const module = "orchestrator"

// Source is the data set staged into every iteration. Each call to All must
// start a fresh pass.
type Source interface {
	All() iter.Seq2[string, model.Record]
	Err() error
}

// Options are the run parameters.
type Options struct {
	Iterations            int
	InstancesPerIteration int
	// MaxWorkers bounds the training fan-out. Zero means runtime.NumCPU().
	MaxWorkers      int
	Metric          string
	ResourcePrefix  string
	MonitorInterval time.Duration
}

// Dependencies are the collaborators of an Orchestrator. History, Recorder and
// Tracer are optional.
type Dependencies struct {
	Backend  database.Backend
	Manager  *ephemeral.Manager
	Source   Source
	Trainer  trainer.Trainer
	Combiner combiner.Combiner
	Monitor  *monitor.Monitor
	History  repository.HistoryRepository
	Recorder metrics.MetricRecorder
	Tracer   metrics.Tracer
	// Snapshot is the redacted configuration stored with the run.
	Snapshot map[string]interface{}
}

// Orchestrator runs iterations one after another. It is not reusable
// concurrently: a single control goroutine owns the TrainingRun.
type Orchestrator struct {
	opts Options
	deps Dependencies
}

// New validates opts and returns an Orchestrator.
func New(opts Options, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Backend == nil, deps.Manager == nil, deps.Source == nil, deps.Trainer == nil, deps.Combiner == nil, deps.Monitor == nil:
		return nil, exception.New(exception.ErrConfiguration, module, "missing collaborator", nil)
	case opts.Iterations < 0:
		return nil, exception.Newf(exception.ErrConfiguration, module, "iterations must be >= 0, got %d", opts.Iterations)
	case opts.InstancesPerIteration < 1:
		return nil, exception.Newf(exception.ErrConfiguration, module, "instances_per_iteration must be >= 1, got %d", opts.InstancesPerIteration)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewNoOpMetricRecorder()
	}
	if deps.Tracer == nil {
		deps.Tracer = metrics.NewNoOpTracer()
	}
	return &Orchestrator{opts: opts, deps: deps}, nil
}

// Run executes every iteration and returns the completed TrainingRun. The
// run is returned even when err is non-nil: err reports the fatal condition
// that aborted it, and every iteration that was never attempted is recorded
// as Skipped.
func (o *Orchestrator) Run(ctx context.Context) (*model.TrainingRun, error) {
	run := model.NewTrainingRun(o.opts.Metric, o.deps.Snapshot)
	ctx, endSpan := o.deps.Tracer.StartRunSpan(ctx, run)
	defer endSpan()

	logger.Infof("Training run %s started: %d iteration(s), %d instance(s) per iteration, backend %s.",
		run.ID, o.opts.Iterations, o.opts.InstancesPerIteration, o.deps.Backend.Kind())
	o.deps.Recorder.RecordRunStart(ctx, run)
	if o.deps.History != nil {
		if err := o.deps.History.SaveRun(ctx, run); err != nil {
			logger.Warnf("Run %s could not be saved to history: %v", run.ID, err)
		}
	}

	var fatal error
	if err := o.deps.Backend.Connect(ctx); err != nil {
		fatal = err
	}

	for i := 0; i < o.opts.Iterations; i++ {
		if fatal == nil {
			fatal = o.preflight(ctx)
		}
		if fatal != nil {
			run.Abort(exception.ExtractErrorMessage(fatal))
			o.record(ctx, run, model.SkippedIteration(i, "run aborted: "+run.AbortReason))
			continue
		}

		res, err := o.runIteration(ctx, run, i)
		o.record(ctx, run, res)
		if err != nil {
			fatal = err
			logger.Errorf("Iteration %d hit a fatal condition, aborting the remaining iterations: %v", i, err)
		}
	}

	if fatal != nil {
		run.Abort(exception.ExtractErrorMessage(fatal))
	}
	run.Complete()
	o.finish(ctx, run)
	return run, fatal
}

// preflight is the capacity check and cancellation check at the top of each iteration.
func (o *Orchestrator) preflight(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", context.Cause(ctx))
	}
	if err := o.deps.Monitor.Enforce(ctx); err != nil {
		logger.Errorf("Capacity check failed before the iteration: %v", err)
		o.deps.Tracer.RecordError(ctx, module, err)
		return err
	}
	return nil
}

// record appends res to run. Results only ever arrive here in index order.
func (o *Orchestrator) record(ctx context.Context, run *model.TrainingRun, res model.IterationResult) {
	if err := run.Append(res); err != nil {
		// Append only fails on an ordering bug; the result is still logged.
		logger.Errorf("%v", err)
	}
	o.deps.Recorder.RecordIteration(ctx, res)
	switch res.Status {
	case model.IterationSuccess:
		logger.Infof("Iteration %d succeeded in %s: %v", res.Index, res.Duration.Round(time.Millisecond), res.Metrics)
	case model.IterationFailed:
		logger.Warnf("Iteration %d failed in state %s: %s", res.Index, res.FinalState, res.Error)
	default:
		logger.Warnf("Iteration %d skipped: %s", res.Index, res.SkipReason)
	}
}

func (o *Orchestrator) finish(ctx context.Context, run *model.TrainingRun) {
	ctx = context.WithoutCancel(ctx)
	if o.deps.History != nil {
		if err := o.deps.History.UpdateRun(ctx, run); err != nil {
			logger.Warnf("Run %s could not be updated in history: %v", run.ID, err)
		}
	}
	o.deps.Recorder.RecordRunEnd(ctx, run)
	if err := o.deps.Manager.Close(); err != nil {
		logger.Errorf("Run %s finished with leaked resources: %v", run.ID, err)
	}
	provisioned, tornDown := o.deps.Manager.Stats()
	logger.Infof("Training run %s finished: %d succeeded, %d failed, %d skipped, aggregate %s=%v, resources %d/%d torn down.",
		run.ID, run.Count(model.IterationSuccess), run.Count(model.IterationFailed), run.Count(model.IterationSkipped),
		run.Metric, run.AggregateMetric, tornDown, provisioned)
}

// runIteration drives the state machine of iteration i. The returned error is
// non-nil only for conditions fatal to the whole run.
func (o *Orchestrator) runIteration(ctx context.Context, run *model.TrainingRun, i int) (model.IterationResult, error) {
	ctx, endSpan := o.deps.Tracer.StartIterationSpan(ctx, i)
	defer endSpan()

	exec := model.NewIterationExecution(i)
	iterCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var breach atomic.Pointer[error]
	stopWatch := o.deps.Monitor.Watch(iterCtx, o.opts.MonitorInterval, func(err error) {
		logger.Errorf("Capacity breach during iteration %d: %v", i, err)
		breach.Store(&err)
		cancel(err)
	})

	stateStart := time.Now()
	err := o.deps.Manager.WithResource(iterCtx, o.opts.ResourcePrefix, func(ctx context.Context, h *ephemeral.Handle) error {
		exec.Resource = h.Name
		o.observeState(ctx, exec.State, stateStart)
		return o.work(ctx, run, exec, h)
	})
	stopWatch()

	if err != nil {
		err = causeOf(iterCtx, err)
		if exec.State == model.StateProvisioning {
			exec.Fail(err, false)
		} else if exec.Err == nil {
			exec.Fail(err, true)
		}
	}
	exec.Finish()
	res := exec.Result()

	if p := breach.Load(); p != nil {
		return res, *p
	}
	if exception.IsFatal(res.Err) {
		return res, res.Err
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("run cancelled: %w", context.Cause(ctx))
	}
	return res, nil
}

// work runs Loading through Persisting on the provisioned resource h and
// leaves the execution in TearingDown. The resource itself is removed by
// the caller after work returns.
func (o *Orchestrator) work(ctx context.Context, run *model.TrainingRun, exec *model.IterationExecution, h *ephemeral.Handle) error {
	fail := func(e error) error {
		e = causeOf(ctx, e)
		o.deps.Tracer.RecordError(ctx, module, e)
		exec.Fail(e, true)
		return e
	}

	scoped, err := o.deps.Backend.Scoped(ctx, h.Resource())
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := scoped.Close(); cerr != nil {
			logger.Warnf("Closing the connection to %s failed: %v", h, cerr)
		}
	}()

	var records []model.Record
	var results []model.WorkerResult
	var combined *model.CombinedResult
	steps := []struct {
		state model.IterationState
		run   func(ctx context.Context) error
	}{
		{model.StateLoading, func(ctx context.Context) (err error) {
			records, err = o.stage(ctx, scoped)
			return err
		}},
		{model.StateTraining, func(ctx context.Context) (err error) {
			if results, err = o.train(ctx, records); err != nil {
				return err
			}
			combined, err = o.deps.Combiner.Combine(results)
			return err
		}},
		{model.StateEvaluating, func(ctx context.Context) error {
			return guard("evaluation", func() (err error) {
				exec.Metrics, err = o.deps.Trainer.Evaluate(ctx, combined.Model, records)
				return err
			})
		}},
		{model.StatePersisting, func(ctx context.Context) error {
			return o.persist(ctx, run, exec, combined)
		}},
	}

	for _, step := range steps {
		if err := exec.TransitionTo(step.state); err != nil {
			return fail(err)
		}
		sctx, endSpan := o.deps.Tracer.StartStateSpan(ctx, step.state)
		start := time.Now()
		err := step.run(sctx)
		o.observeState(sctx, step.state, start)
		endSpan()
		if err != nil {
			return fail(err)
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
	}
	if combined != nil {
		o.deps.Tracer.RecordEvent(ctx, "iteration.combined", map[string]interface{}{
			"strategy": combined.Strategy,
			"sources":  fmt.Sprint(combined.Sources),
		})
	}
	return exec.TransitionTo(model.StateTearingDown)
}

func (o *Orchestrator) persist(ctx context.Context, run *model.TrainingRun, exec *model.IterationExecution, combined *model.CombinedResult) error {
	if o.deps.History == nil {
		return nil
	}
	units := make(map[string]int)
	if combined.Model != nil {
		for name, t := range combined.Model.Parameters {
			units[name] = len(t.Values)
		}
	}
	return o.deps.History.SaveIteration(ctx, &repository.IterationRecord{
		RunID:    run.ID,
		Index:    exec.Index,
		Resource: exec.Resource,
		Strategy: combined.Strategy,
		Sources:  combined.Sources,
		Metrics:  exec.Metrics,
		Units:    units,
	})
}

func (o *Orchestrator) observeState(ctx context.Context, state model.IterationState, start time.Time) {
	o.deps.Recorder.RecordDuration(ctx, "iteration_state", time.Since(start), map[string]string{"state": state.String()})
}

// causeOf prefers the cancellation cause of ctx, such as a capacity breach,
// over the error it provoked.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return err
	}
	return cause
}
