package app

import (
	"context"
	"runtime/debug"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Runner executes a training run.
type Runner interface {
	Run(ctx context.Context) (*model.TrainingRun, error)
}

// Publisher writes the outputs of a finished run.
type Publisher interface {
	Publish(ctx context.Context, run *model.TrainingRun) error
}

// TrainingRunner runs the orchestrator once and publishes its result.
type TrainingRunner struct {
	orchestrator Runner
	publisher    Publisher

	done     chan struct{}
	exitCode int
	run      *model.TrainingRun
}

// NewTrainingRunner creates a TrainingRunner.
func NewTrainingRunner(orchestrator Runner, publisher Publisher) *TrainingRunner {
	return &TrainingRunner{orchestrator: orchestrator, publisher: publisher, done: make(chan struct{})}
}

// Run executes the run and publishes it, then closes Done. The result is
// published even when ctx was cancelled.
func (r *TrainingRunner) Run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Panic recovered in training run: %v\n%s", p, debug.Stack())
			r.exitCode = ExitAborted
		}
	}()

	run, err := r.orchestrator.Run(ctx)
	r.run = run
	if err != nil {
		logger.Errorf("Training run aborted: %v", err)
		r.exitCode = ExitAborted
	}
	if run == nil {
		return
	}
	if run.Degraded {
		logger.Warnf("Training run %s is degraded: no iteration produced %s.", run.ID, run.Metric)
	}

	if err := r.publisher.Publish(context.WithoutCancel(ctx), run); err != nil {
		logger.Errorf("Failed to write the result of run %s: %v", run.ID, err)
		if r.exitCode == ExitOK {
			r.exitCode = ExitResultFailed
		}
	}
}

// Done is closed when Run returns.
func (r *TrainingRunner) Done() <-chan struct{} {
	return r.done
}

// ExitCode is valid after Done is closed.
func (r *TrainingRunner) ExitCode() int {
	return r.exitCode
}

// Result is the finished run, valid after Done is closed.
func (r *TrainingRunner) Result() *model.TrainingRun {
	return r.run
}
