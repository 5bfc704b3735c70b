// Package monitor samples process memory and CPU against configured ceilings.
package monitor

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Limits are the capacity ceilings. A zero ceiling disables that check.
type Limits struct {
	MemoryCeilingBytes uint64
	CPUCeilingPercent  float64
}

// Monitor raises CapacityError when a sample exceeds its ceiling.
type Monitor struct {
	sampler  Sampler
	limits   Limits
	recorder metrics.MetricRecorder
	reclaim  func()

	mu   sync.Mutex
	last Sample
}

// New returns a Monitor. recorder may be nil.
func New(sampler Sampler, limits Limits, recorder metrics.MetricRecorder) *Monitor {
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	return &Monitor{sampler: sampler, limits: limits, recorder: recorder, reclaim: reclaimMemory}
}

// WithReclaim replaces the reclamation pass. Tests use it to observe calls.
func (m *Monitor) WithReclaim(fn func()) *Monitor {
	m.reclaim = fn
	return m
}

// Enabled reports whether any ceiling is configured.
func (m *Monitor) Enabled() bool {
	return m.limits.MemoryCeilingBytes > 0 || m.limits.CPUCeilingPercent > 0
}

// Last returns the most recent sample.
func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check samples once. It returns a *exception.CapacityError on a breach.
// A failed sample is logged and not treated as a breach.
func (m *Monitor) Check(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		logger.Warnf("Resource sample failed: %v", err)
		return nil
	}
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	m.recorder.RecordCapacitySample(ctx, s.RSSBytes, s.CPUPercent)

	if c := m.limits.MemoryCeilingBytes; c > 0 && s.RSSBytes > c {
		return &exception.CapacityError{Kind: exception.CapacityMemory, Sampled: float64(s.RSSBytes), Ceiling: float64(c)}
	}
	if c := m.limits.CPUCeilingPercent; c > 0 && s.CPUPercent > c {
		return &exception.CapacityError{Kind: exception.CapacityCPU, Sampled: s.CPUPercent, Ceiling: c}
	}
	return nil
}

// Reclaim forces a garbage collection and returns freed memory to the OS.
func (m *Monitor) Reclaim() {
	m.reclaim()
}

func reclaimMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Enforce applies the capacity policy. A memory breach gets one reclamation
// pass and one re-sample; if usage is still above the ceiling the breach is
// returned. A CPU breach is returned immediately.
func (m *Monitor) Enforce(ctx context.Context) error {
	err := m.Check(ctx)
	var ce *exception.CapacityError
	if !errors.As(err, &ce) || ce.Kind != exception.CapacityMemory {
		return err
	}
	logger.Warnf("%v; forcing a reclamation pass and sampling again.", ce)
	m.Reclaim()
	if err := m.Check(ctx); err != nil {
		return err
	}
	logger.Infof("Memory back under the ceiling after reclamation (%d bytes).", m.Last().RSSBytes)
	return nil
}

// Watch enforces the policy every interval until ctx ends or the returned stop
// function is called. onBreach is called at most once, with the fatal error.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onBreach func(error)) (stop func()) {
	if !m.Enabled() || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Enforce(ctx); err != nil {
					onBreach(err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
