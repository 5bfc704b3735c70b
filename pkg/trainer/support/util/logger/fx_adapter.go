package logger

import (
	"strings"

	"go.uber.org/fx/fxevent"
)

// fxEventLogger routes fx container events into the leveled logger.
// Wiring chatter goes to DEBUG so a normal run only shows lifecycle failures.
type fxEventLogger struct{}

// NewFxLoggerAdapter returns an fxevent.Logger backed by this package.
func NewFxLoggerAdapter() fxevent.Logger {
	return fxEventLogger{}
}

// LogEvent implements fxevent.Logger.
func (fxEventLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		Debugf("fx: starting hook %s (registered by %s)", shortFuncName(e.FunctionName), shortFuncName(e.CallerName))
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			Errorf("fx: start hook %s failed after %s: %v", shortFuncName(e.FunctionName), e.Runtime, e.Err)
			return
		}
		Debugf("fx: start hook %s done in %s", shortFuncName(e.FunctionName), e.Runtime)
	case *fxevent.OnStopExecuting:
		Debugf("fx: stopping hook %s", shortFuncName(e.FunctionName))
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			Errorf("fx: stop hook %s failed: %v", shortFuncName(e.FunctionName), e.Err)
			return
		}
		Debugf("fx: stop hook %s done in %s", shortFuncName(e.FunctionName), e.Runtime)
	case *fxevent.Supplied:
		if e.Err != nil {
			Errorf("fx: supply of %s failed: %v", e.TypeName, e.Err)
		}
	case *fxevent.Provided:
		if e.Err != nil {
			Errorf("fx: provide %s failed: %v", shortFuncName(e.ConstructorName), e.Err)
			return
		}
		for _, t := range e.OutputTypeNames {
			Debugf("fx: provided %s", t)
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			Errorf("fx: invoke %s failed: %v", shortFuncName(e.FunctionName), e.Err)
		}
	case *fxevent.Stopping:
		Infof("Received %s, stopping.", strings.ToUpper(e.Signal.String()))
	case *fxevent.Stopped:
		if e.Err != nil {
			Errorf("fx: stop failed: %v", e.Err)
		}
	case *fxevent.RollingBack:
		Errorf("fx: start failed, rolling back: %v", e.StartErr)
	case *fxevent.RolledBack:
		if e.Err != nil {
			Errorf("fx: rollback failed: %v", e.Err)
		}
	case *fxevent.Started:
		if e.Err != nil {
			Errorf("fx: start failed: %v", e.Err)
			return
		}
		Debugf("fx: container started")
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			Errorf("fx: custom logger initialization failed: %v", e.Err)
		}
	}
}

// shortFuncName strips the anonymous-closure suffix fx reports ("pkg.fn.func1" -> "pkg.fn").
func shortFuncName(name string) string {
	if idx := strings.LastIndex(name, ".func"); idx != -1 {
		return name[:idx]
	}
	return name
}
