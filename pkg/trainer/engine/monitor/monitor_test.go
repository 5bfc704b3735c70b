package monitor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

// scriptedSampler returns its samples in order and then repeats the last one.
type scriptedSampler struct {
	mu      sync.Mutex
	samples []Sample
	calls   int
}

func (s *scriptedSampler) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.samples)-1)
	s.calls++
	return s.samples[i], nil
}

type failingSampler struct{}

func (failingSampler) Sample(ctx context.Context) (Sample, error) {
	return Sample{}, errors.New("no procfs")
}

func TestCheck_UnderCeilings(t *testing.T) {
	m := New(&scriptedSampler{samples: []Sample{{RSSBytes: 100, CPUPercent: 10}}}, Limits{MemoryCeilingBytes: 200, CPUCeilingPercent: 50}, nil)
	assert.NoError(t, m.Check(context.Background()))
	assert.Equal(t, uint64(100), m.Last().RSSBytes)
}

func TestCheck_DisabledCeilingsNeverSample(t *testing.T) {
	s := &scriptedSampler{samples: []Sample{{RSSBytes: 1 << 40, CPUPercent: 100}}}
	m := New(s, Limits{}, nil)
	assert.NoError(t, m.Enforce(context.Background()))
	assert.Zero(t, s.calls)
}

func TestCheck_SampleFailureIsNotABreach(t *testing.T) {
	m := New(failingSampler{}, Limits{MemoryCeilingBytes: 1}, nil)
	assert.NoError(t, m.Check(context.Background()))
}

func TestEnforce_MemoryBreachRecoveredByReclaim(t *testing.T) {
	s := &scriptedSampler{samples: []Sample{{RSSBytes: 300}, {RSSBytes: 150}}}
	var reclaims int
	m := New(s, Limits{MemoryCeilingBytes: 200}, nil).WithReclaim(func() { reclaims++ })

	assert.NoError(t, m.Enforce(context.Background()))
	assert.Equal(t, 1, reclaims)
	assert.Equal(t, 2, s.calls)
}

func TestEnforce_MemoryBreachPersistsIsFatal(t *testing.T) {
	s := &scriptedSampler{samples: []Sample{{RSSBytes: 300}, {RSSBytes: 290}, {RSSBytes: 100}}}
	var reclaims int
	m := New(s, Limits{MemoryCeilingBytes: 200}, nil).WithReclaim(func() { reclaims++ })

	err := m.Enforce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrCapacity)
	assert.True(t, exception.IsFatal(err))
	var ce *exception.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, exception.CapacityMemory, ce.Kind)
	assert.Equal(t, 1, reclaims, "exactly one reclamation pass")
	assert.Equal(t, 2, s.calls, "exactly one re-sample")
}

func TestEnforce_CPUBreachIsImmediate(t *testing.T) {
	s := &scriptedSampler{samples: []Sample{{RSSBytes: 10, CPUPercent: 95}, {CPUPercent: 5}}}
	var reclaims int
	m := New(s, Limits{MemoryCeilingBytes: 200, CPUCeilingPercent: 80}, nil).WithReclaim(func() { reclaims++ })

	err := m.Enforce(context.Background())
	var ce *exception.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, exception.CapacityCPU, ce.Kind)
	assert.Zero(t, reclaims)
	assert.Equal(t, 1, s.calls)
}

func TestWatch_ReportsBreachOnce(t *testing.T) {
	s := &scriptedSampler{samples: []Sample{{CPUPercent: 10}, {CPUPercent: 10}, {CPUPercent: 99}}}
	m := New(s, Limits{CPUCeilingPercent: 50}, nil)

	var breaches atomic.Int32
	got := make(chan error, 1)
	stop := m.Watch(context.Background(), 5*time.Millisecond, func(err error) {
		breaches.Add(1)
		got <- err
	})
	defer stop()

	select {
	case err := <-got:
		assert.ErrorIs(t, err, exception.ErrCapacity)
	case <-time.After(2 * time.Second):
		t.Fatal("breach not reported")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), breaches.Load())
}

func TestWatch_StopEndsPolling(t *testing.T) {
	s := &scriptedSampler{samples: []Sample{{CPUPercent: 1}}}
	m := New(s, Limits{CPUCeilingPercent: 50}, nil)

	stop := m.Watch(context.Background(), time.Millisecond, func(error) { t.Error("unexpected breach") })
	time.Sleep(10 * time.Millisecond)
	stop()

	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, calls, s.calls)
}

func TestProcessSampler_ReadsThisProcess(t *testing.T) {
	ps, err := NewProcessSampler(context.Background())
	require.NoError(t, err)
	s, err := ps.Sample(context.Background())
	require.NoError(t, err)
	assert.Positive(t, s.RSSBytes)
	assert.GreaterOrEqual(t, s.CPUPercent, 0.0)
}

// spin keeps n goroutines busy until d has passed.
func spin(n int, d time.Duration) {
	deadline := time.Now().Add(d)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x := 0
			for time.Now().Before(deadline) {
				x++
			}
			_ = x
		}()
	}
	wg.Wait()
}

func TestProcessSampler_FirstCheckSeesLoad(t *testing.T) {
	ps, err := NewProcessSampler(context.Background())
	require.NoError(t, err)

	busy := runtime.GOMAXPROCS(0)
	spin(busy, 300*time.Millisecond)

	expected := 100 * float64(busy) / float64(runtime.NumCPU())
	m := New(ps, Limits{CPUCeilingPercent: expected / 4}, nil)

	err = m.Check(context.Background())
	var ce *exception.CapacityError
	require.ErrorAs(t, err, &ce, "first reading: %.2f%%", m.Last().CPUPercent)
	assert.Equal(t, exception.CapacityCPU, ce.Kind)
}

func TestProcessSampler_BackToBackSamplesUseAWindow(t *testing.T) {
	ps, err := NewProcessSampler(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = ps.Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), minCPUWindow)
}
