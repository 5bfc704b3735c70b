package model

import (
	"fmt"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// IterationStatus is the final outcome of an iteration.
type IterationStatus string

const (
	IterationSuccess IterationStatus = "Success"
	IterationFailed  IterationStatus = "Failed"
	IterationSkipped IterationStatus = "Skipped"
)

// String returns the string representation of the IterationStatus.
func (s IterationStatus) String() string {
	return string(s)
}

// IterationState is a step of the per-iteration state machine.
type IterationState string

const (
	StateProvisioning IterationState = "Provisioning"
	StateLoading      IterationState = "Loading"
	StateTraining     IterationState = "Training"
	StateEvaluating   IterationState = "Evaluating"
	StatePersisting   IterationState = "Persisting"
	StateTearingDown  IterationState = "TearingDown"
	StateDone         IterationState = "Done"
	StateFailed       IterationState = "Failed"
)

// String returns the string representation of the IterationState.
func (s IterationState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s IterationState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// isValidIterationTransition checks a state machine edge. Every working state
// can fall back to TearingDown, and every non-terminal state can fail.
func isValidIterationTransition(current, next IterationState) bool {
	if current.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	switch current {
	case StateProvisioning:
		return next == StateLoading || next == StateTearingDown
	case StateLoading:
		return next == StateTraining || next == StateTearingDown
	case StateTraining:
		return next == StateEvaluating || next == StateTearingDown
	case StateEvaluating:
		return next == StatePersisting || next == StateTearingDown
	case StatePersisting:
		return next == StateTearingDown
	case StateTearingDown:
		return next == StateDone
	}
	return false
}

// IterationExecution tracks one iteration while it runs.
type IterationExecution struct {
	Index     int
	State     IterationState
	Resource  string
	StartTime time.Time
	// Err is the first error that moved the iteration off its success path.
	Err     error
	Metrics Metrics
	// History records every state entered, in order.
	History []IterationState
}

// NewIterationExecution creates an execution in the Provisioning state.
func NewIterationExecution(index int) *IterationExecution {
	return &IterationExecution{
		Index:     index,
		State:     StateProvisioning,
		StartTime: time.Now(),
		History:   []IterationState{StateProvisioning},
	}
}

// TransitionTo moves the execution to next, rejecting edges the state machine does not allow.
func (ie *IterationExecution) TransitionTo(next IterationState) error {
	if !isValidIterationTransition(ie.State, next) {
		return fmt.Errorf("iteration %d: invalid state transition: %s -> %s", ie.Index, ie.State, next)
	}
	logger.Debugf("Iteration %d: %s -> %s", ie.Index, ie.State, next)
	ie.State = next
	ie.History = append(ie.History, next)
	return nil
}

// Fail records err (the first one wins) and moves to TearingDown when a
// resource is still open, or straight to Failed otherwise.
func (ie *IterationExecution) Fail(err error, resourceOpen bool) {
	if ie.Err == nil {
		ie.Err = err
	}
	target := StateFailed
	if resourceOpen && ie.State != StateTearingDown {
		target = StateTearingDown
	}
	if terr := ie.TransitionTo(target); terr != nil {
		logger.Warnf("%v", terr)
	}
}

// Finish leaves TearingDown for Done, or Failed when an error was recorded.
func (ie *IterationExecution) Finish() {
	target := StateDone
	if ie.Err != nil {
		target = StateFailed
	}
	if ie.State.IsTerminal() {
		return
	}
	if err := ie.TransitionTo(target); err != nil {
		logger.Warnf("%v", err)
		ie.State = target
	}
}

// Result converts the finished execution into its IterationResult.
func (ie *IterationExecution) Result() IterationResult {
	res := IterationResult{
		Index:      ie.Index,
		Status:     IterationSuccess,
		Metrics:    ie.Metrics,
		Duration:   time.Since(ie.StartTime),
		FinalState: ie.State,
		Resource:   ie.Resource,
	}
	if ie.Err != nil || ie.State != StateDone {
		res.Status = IterationFailed
		res.Err = ie.Err
		if res.Err == nil {
			res.Err = fmt.Errorf("iteration ended in state %s", ie.State)
		}
		res.Error = exception.ExtractErrorMessage(res.Err)
	}
	return res
}

// IterationResult is the recorded outcome of one iteration.
type IterationResult struct {
	Index   int
	Status  IterationStatus
	Metrics Metrics
	Err     error
	// Error is set iff Status is Failed.
	Error string
	// SkipReason is set iff Status is Skipped.
	SkipReason string
	Duration   time.Duration
	// FinalState is Done or Failed for attempted iterations and empty for skipped ones.
	FinalState IterationState
	Resource   string
}

// SkippedIteration builds the result of an iteration that was never attempted.
func SkippedIteration(index int, reason string) IterationResult {
	return IterationResult{Index: index, Status: IterationSkipped, SkipReason: reason}
}
