// Package exception provides the error kinds raised by the trainer and the
// TrainerError type that carries them. Kinds are sentinel errors, so callers
// classify failures with errors.Is regardless of how deeply they are wrapped.
package exception

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// Error kinds. A TrainerError reports the kind it was created with through Is.
var (
	ErrConnection         = errors.New("ConnectionError")
	ErrPoolExhausted      = errors.New("PoolExhausted")
	ErrQuery              = errors.New("QueryError")
	ErrProvision          = errors.New("ProvisionError")
	ErrTeardown           = errors.New("TeardownError")
	ErrCapacity           = errors.New("CapacityError")
	ErrStructuralMismatch = errors.New("StructuralMismatch")
	ErrTraining           = errors.New("TrainingError")
	ErrResourceNotFound   = errors.New("ResourceNotFound")
	ErrConfiguration      = errors.New("ConfigurationError")
)

// fatalKinds abort the whole run. Everything else is contained at the iteration boundary.
var fatalKinds = []error{ErrCapacity, ErrPoolExhausted}

// TrainerError is the error type produced by every trainer module.
type TrainerError struct {
	// Module indicates where the error occurred (e.g., "pool", "ephemeral", "orchestrator").
	Module string
	// Message is a concise description of the error.
	Message string
	// Kind is one of the sentinel kinds declared in this package.
	Kind error
	// OriginalErr is the wrapped cause, if any.
	OriginalErr error
	// StackTrace is the stack at construction time, for debugging.
	StackTrace string
}

// New creates a TrainerError of the given kind.
func New(kind error, module, message string, originalErr error) *TrainerError {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return &TrainerError{
		Module:      module,
		Message:     message,
		Kind:        kind,
		OriginalErr: originalErr,
		StackTrace:  string(buf[:n]),
	}
}

// Newf creates a TrainerError with a formatted message. If the last argument
// is an error it becomes the wrapped cause and is not used for formatting.
func Newf(kind error, module, format string, a ...interface{}) *TrainerError {
	var originalErr error
	if len(a) > 0 {
		if err, ok := a[len(a)-1].(error); ok {
			originalErr = err
			a = a[:len(a)-1]
		}
	}
	return New(kind, module, fmt.Sprintf(format, a...), originalErr)
}

// Error implements the error interface.
func (e *TrainerError) Error() string {
	kind := "Error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Module, kind, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Module, kind, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *TrainerError) Unwrap() error {
	return e.OriginalErr
}

// Is reports whether target is the kind of this error.
func (e *TrainerError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// KindOf returns the sentinel kind of err, or nil when err carries none.
func KindOf(err error) error {
	var te *TrainerError
	if errors.As(err, &te) {
		return te.Kind
	}
	return nil
}

// IsFatal reports whether err must abort the run rather than fail a single iteration.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, k := range fatalKinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// IsCancellation reports whether err was caused by context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ExtractErrorMessage returns the cleaner Message of a TrainerError, or err.Error() otherwise.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *TrainerError
	if errors.As(err, &te) {
		if te.OriginalErr != nil {
			return fmt.Sprintf("%s: %s: %v", te.Kind, te.Message, te.OriginalErr)
		}
		return fmt.Sprintf("%s: %s", te.Kind, te.Message)
	}
	return err.Error()
}

// CapacityKind distinguishes memory and CPU breaches.
type CapacityKind string

const (
	CapacityMemory CapacityKind = "Memory"
	CapacityCPU    CapacityKind = "CPU"
)

// CapacityError is raised when a sampled resource exceeds its ceiling.
// It matches ErrCapacity with errors.Is.
type CapacityError struct {
	Kind    CapacityKind
	Sampled float64
	Ceiling float64
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	switch e.Kind {
	case CapacityMemory:
		return fmt.Sprintf("CapacityError(Memory): process memory %.0f bytes exceeds ceiling %.0f bytes", e.Sampled, e.Ceiling)
	default:
		return fmt.Sprintf("CapacityError(%s): usage %.2f%% exceeds ceiling %.2f%%", e.Kind, e.Sampled, e.Ceiling)
	}
}

// Is makes CapacityError match ErrCapacity.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}
