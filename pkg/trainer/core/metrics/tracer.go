package metrics

import (
	"context"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// Tracer is an abstract interface for distributed tracing of runs and iterations.
type Tracer interface {
	// StartRunSpan starts a span for a TrainingRun. The returned function ends it.
	StartRunSpan(ctx context.Context, run *model.TrainingRun) (context.Context, func())

	// StartIterationSpan starts a child span for one iteration.
	StartIterationSpan(ctx context.Context, index int) (context.Context, func())

	// StartStateSpan starts a span covering one state of the iteration state machine.
	StartStateSpan(ctx context.Context, state model.IterationState) (context.Context, func())

	// RecordError records an error in the current span.
	RecordError(ctx context.Context, module string, err error)

	// RecordEvent records an event in the current span.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
