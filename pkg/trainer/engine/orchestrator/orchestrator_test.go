package orchestrator_test

import (
	"context"
	"errors"
	"iter"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/combiner"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/loader"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/ephemeral"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/monitor"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/orchestrator"
	"github.com/tigerroll/ephemeral/pkg/trainer/infrastructure/repository/inmemory"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/test"
)

type sliceSource []model.Record

func (s sliceSource) All() iter.Seq2[string, model.Record] {
	return func(yield func(string, model.Record) bool) {
		for _, r := range s {
			if !yield("memory.json", r) {
				return
			}
		}
	}
}

func (s sliceSource) Err() error { return nil }

var records = sliceSource{{"label": "a"}, {"label": "b"}, {"label": "a"}}

// fixedSampler returns samples from a script and repeats the last one.
type fixedSampler struct {
	mu      sync.Mutex
	samples []monitor.Sample
	calls   int
}

func (s *fixedSampler) Sample(ctx context.Context) (monitor.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.samples)-1)
	s.calls++
	return s.samples[i], nil
}

type spyRecorder struct {
	metrics.NoOpMetricRecorder
	mu      sync.Mutex
	loaded  []int
	results []model.IterationResult
	ended   int
}

func (r *spyRecorder) RecordRecordsLoaded(ctx context.Context, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, count)
}

func (r *spyRecorder) RecordIteration(ctx context.Context, res model.IterationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *spyRecorder) RecordRunEnd(ctx context.Context, run *model.TrainingRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

type harness struct {
	backend  *test.FakeBackend
	manager  *ephemeral.Manager
	history  *inmemory.InMemoryHistoryRepository
	recorder *spyRecorder
	trainer  *test.FakeTrainer
	monitor  *monitor.Monitor
	opts     orchestrator.Options
	source   orchestrator.Source
	comb     combiner.Combiner
}

func newHarness(iterations, instances int, fn func(ctx context.Context, round, worker int) (float64, error)) *harness {
	backend := test.NewFakeBackend(database.PooledB)
	recorder := &spyRecorder{}
	return &harness{
		backend:  backend,
		manager:  ephemeral.NewManager(backend, recorder),
		history:  inmemory.NewInMemoryHistoryRepository(),
		recorder: recorder,
		trainer:  test.NewFakeTrainer("accuracy", instances, fn),
		monitor:  monitor.New(&fixedSampler{samples: []monitor.Sample{{RSSBytes: 1}}}, monitor.Limits{}, nil),
		opts: orchestrator.Options{
			Iterations:            iterations,
			InstancesPerIteration: instances,
			MaxWorkers:            instances,
			Metric:                "accuracy",
			ResourcePrefix:        "trainer",
			MonitorInterval:       10 * time.Millisecond,
		},
		source: records,
		comb:   combiner.Best{Metric: "accuracy"},
	}
}

func (h *harness) run(t *testing.T) (*model.TrainingRun, error) {
	t.Helper()
	o, err := orchestrator.New(h.opts, orchestrator.Dependencies{
		Backend:  h.backend,
		Manager:  h.manager,
		Source:   h.source,
		Trainer:  h.trainer,
		Combiner: h.comb,
		Monitor:  h.monitor,
		History:  h.history,
		Recorder: h.recorder,
		Snapshot: map[string]interface{}{"iterations": h.opts.Iterations},
	})
	require.NoError(t, err)
	return o.Run(context.Background())
}

// assertNoLeak checks that every provisioned resource was torn down.
func (h *harness) assertNoLeak(t *testing.T) {
	t.Helper()
	creates, drops := h.backend.Calls()
	assert.Equal(t, creates, drops, "provision and teardown calls must match")
	assert.Empty(t, h.backend.Live())
	assert.Empty(t, h.manager.Leaked())
	provisioned, tornDown := h.manager.Stats()
	assert.Equal(t, provisioned, tornDown)
}

func statuses(run *model.TrainingRun) []model.IterationStatus {
	out := make([]model.IterationStatus, len(run.Iterations))
	for i, it := range run.Iterations {
		out[i] = it.Status
	}
	return out
}

func scripted(values ...float64) func(ctx context.Context, round, worker int) (float64, error) {
	return func(ctx context.Context, round, worker int) (float64, error) {
		return values[round], nil
	}
}

func TestRun_ScenarioA_AllIterationsSucceed(t *testing.T) {
	h := newHarness(3, 1, scripted(0.8, 0.6, 0.7))

	run, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []model.IterationStatus{model.IterationSuccess, model.IterationSuccess, model.IterationSuccess}, statuses(run))
	assert.InDelta(t, 0.7, run.AggregateMetric, 1e-9)
	assert.False(t, run.Degraded)
	assert.False(t, run.Aborted)
	for i, it := range run.Iterations {
		assert.Equal(t, model.StateDone, it.FinalState)
		assert.NotEmpty(t, it.Resource, "iteration %d", i)
	}
	h.assertNoLeak(t)
	creates, drops := h.backend.Calls()
	assert.Equal(t, 3, creates)
	assert.Equal(t, 3, drops)

	// Every iteration staged and read back the whole source.
	assert.Equal(t, []int{3, 3, 3}, h.recorder.loaded)
	for _, c := range h.trainer.Calls() {
		assert.Equal(t, 3, c.Records)
	}

	its, err := h.history.FindIterations(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, its, 3)
	assert.InDelta(t, 0.6, its[1].Metrics["accuracy"], 1e-9)
	stored, err := h.history.FindRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, stored.AggregateMetric, 1e-9)
}

func TestRun_ScenarioB_TrainingErrorFailsOnlyThatIteration(t *testing.T) {
	h := newHarness(3, 1, func(ctx context.Context, round, worker int) (float64, error) {
		if round == 1 {
			return 0, exception.New(exception.ErrTraining, "test", "diverged", nil)
		}
		return []float64{0.8, 0.6, 0.7}[round], nil
	})

	run, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []model.IterationStatus{model.IterationSuccess, model.IterationFailed, model.IterationSuccess}, statuses(run))
	assert.InDelta(t, 0.75, run.AggregateMetric, 1e-9)
	failed := run.Iterations[1]
	assert.Equal(t, model.StateFailed, failed.FinalState)
	assert.True(t, errors.Is(failed.Err, exception.ErrTraining))
	assert.Contains(t, failed.Error, "diverged")
	assert.Nil(t, run.Iterations[0].Err)

	_, drops := h.backend.Calls()
	assert.Equal(t, 3, drops, "teardown runs once per iteration")
	h.assertNoLeak(t)
}

func TestRun_ScenarioC_BestOfNPicksLowestWorkerOnTie(t *testing.T) {
	h := newHarness(1, 3, func(ctx context.Context, round, worker int) (float64, error) {
		return []float64{0.5, 0.9, 0.9}[worker], nil
	})

	run, err := h.run(t)
	require.NoError(t, err)

	require.Equal(t, model.IterationSuccess, run.Iterations[0].Status)
	assert.InDelta(t, 0.9, run.Iterations[0].Metrics["accuracy"], 1e-9)
	its, err := h.history.FindIterations(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, its, 1)
	assert.Equal(t, []int{1}, its[0].Sources)
	assert.Equal(t, string(combiner.BestOfN), its[0].Strategy)
	assert.Len(t, h.trainer.Calls(), 3)
	h.assertNoLeak(t)
}

func TestRun_ScenarioD_MemoryCeilingBelowUsageAborts(t *testing.T) {
	h := newHarness(3, 1, scripted(0.8, 0.6, 0.7))
	var reclaims atomic.Int32
	h.monitor = monitor.New(&fixedSampler{samples: []monitor.Sample{{RSSBytes: 1 << 30}}},
		monitor.Limits{MemoryCeilingBytes: 1 << 20}, nil).WithReclaim(func() { reclaims.Add(1) })

	run, err := h.run(t)
	require.Error(t, err)

	var ce *exception.CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, exception.CapacityMemory, ce.Kind)
	assert.Equal(t, int32(1), reclaims.Load(), "one reclamation pass before aborting")

	assert.True(t, run.Aborted)
	assert.Contains(t, run.AbortReason, "Memory")
	assert.Equal(t, 0, run.Count(model.IterationSuccess))
	assert.Equal(t, []model.IterationStatus{model.IterationSkipped, model.IterationSkipped, model.IterationSkipped}, statuses(run))
	assert.True(t, math.IsNaN(run.AggregateMetric))
	for _, it := range run.Iterations {
		assert.Empty(t, it.Error, "only failed iterations carry an error")
		assert.Contains(t, it.SkipReason, "Memory")
	}
	assert.Empty(t, h.trainer.Calls())
	creates, _ := h.backend.Calls()
	assert.Equal(t, 0, creates)
	h.assertNoLeak(t)
	assert.Equal(t, 1, h.recorder.ended)
}

func TestRun_CPUBreachDuringIterationAbortsAndTearsDown(t *testing.T) {
	h := newHarness(3, 1, func(ctx context.Context, round, worker int) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var reclaims atomic.Int32
	// The preflight sample is fine; every later one is over the CPU ceiling.
	sampler := &fixedSampler{samples: []monitor.Sample{{CPUPercent: 10}, {CPUPercent: 99}}}
	h.monitor = monitor.New(sampler, monitor.Limits{CPUCeilingPercent: 50}, nil).WithReclaim(func() { reclaims.Add(1) })
	h.opts.MonitorInterval = 5 * time.Millisecond

	run, err := h.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrCapacity))
	assert.Equal(t, int32(0), reclaims.Load(), "CPU pressure is not reclaimed")

	assert.Equal(t, []model.IterationStatus{model.IterationFailed, model.IterationSkipped, model.IterationSkipped}, statuses(run))
	assert.True(t, errors.Is(run.Iterations[0].Err, exception.ErrCapacity))
	assert.True(t, run.Aborted)
	creates, drops := h.backend.Calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, drops, "the open resource is still torn down")
	h.assertNoLeak(t)
}

func TestRun_OrderingHoldsWhenWorkersFinishOutOfOrder(t *testing.T) {
	const workers = 4
	h := newHarness(5, workers, func(ctx context.Context, round, worker int) (float64, error) {
		// Higher worker indexes finish first.
		time.Sleep(time.Duration(workers-worker) * 3 * time.Millisecond)
		return float64(worker) / 10, nil
	})
	h.comb = combiner.Averaging{}

	run, err := h.run(t)
	require.NoError(t, err)

	require.Len(t, run.Iterations, 5)
	for i, it := range run.Iterations {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, model.IterationSuccess, it.Status)
		// mean(0, .1, .2, .3)
		assert.InDelta(t, 0.15, it.Metrics["accuracy"], 1e-9)
	}
	its, err := h.history.FindIterations(context.Background(), run.ID)
	require.NoError(t, err)
	for _, it := range its {
		assert.Equal(t, []int{0, 1, 2, 3}, it.Sources)
	}
	h.assertNoLeak(t)
}

func TestRun_NaNSafeWhenNoIterationSucceeds(t *testing.T) {
	h := newHarness(5, 1, func(ctx context.Context, round, worker int) (float64, error) {
		return 0, errors.New("boom")
	})

	run, err := h.run(t)
	require.NoError(t, err, "a run without successes is degraded, not fatal")

	assert.Equal(t, 0, run.Count(model.IterationSuccess))
	assert.Equal(t, 5, run.Count(model.IterationFailed))
	assert.True(t, math.IsNaN(run.AggregateMetric))
	assert.True(t, run.Degraded)
	assert.False(t, run.Aborted)
	for _, it := range run.Iterations {
		assert.True(t, errors.Is(it.Err, exception.ErrTraining), "untyped trainer errors become TrainingError")
	}
	h.assertNoLeak(t)
}

func TestRun_NoLeakWithFaultInEveryState(t *testing.T) {
	cases := map[string]func(h *harness){
		"training": func(h *harness) {
			h.trainer.TrainFunc = func(ctx context.Context, round, worker int) (float64, error) {
				return 0, errors.New("fault")
			}
		},
		"training panic": func(h *harness) {
			h.trainer.TrainFunc = func(ctx context.Context, round, worker int) (float64, error) {
				panic("fault")
			}
		},
		"loading": func(h *harness) {
			h.backend.InsertHook = func(table string, records []model.Record) error {
				return errors.New("disk full")
			}
		},
		"evaluating": func(h *harness) {
			h.trainer.EvaluateErr = errors.New("fault")
		},
		"teardown": func(h *harness) {
			h.backend.DropHook = func(name string) error { return errors.New("server gone") }
		},
	}
	for name, inject := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(4, 2, nil)
			inject(h)

			run, err := h.run(t)
			require.NoError(t, err)
			require.Len(t, run.Iterations, 4)

			creates, drops := h.backend.Calls()
			assert.Equal(t, 4, creates)
			assert.Equal(t, 4, drops, "teardown is attempted once per provision")
			provisioned, tornDown := h.manager.Stats()
			assert.Equal(t, provisioned, tornDown)

			if name == "teardown" {
				// Teardown failures are logged and reported as leaks, never escalated.
				assert.Equal(t, 4, run.Count(model.IterationSuccess))
				assert.Len(t, h.manager.Leaked(), 4)
				return
			}
			assert.Equal(t, 4, run.Count(model.IterationFailed))
			assert.Empty(t, h.backend.Live())
			assert.Empty(t, h.manager.Leaked())
		})
	}
}

func TestRun_ProvisionErrorFailsIterationAndContinues(t *testing.T) {
	h := newHarness(3, 1, scripted(0.8, 0.6, 0.7))
	var creates atomic.Int32
	h.backend.CreateHook = func(res database.Resource) error {
		if creates.Add(1) == 2 {
			return errors.New("grant failed")
		}
		return nil
	}
	h.backend.PartialCreate = true

	run, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []model.IterationStatus{model.IterationSuccess, model.IterationFailed, model.IterationSuccess}, statuses(run))
	assert.True(t, errors.Is(run.Iterations[1].Err, exception.ErrProvision))
	assert.Equal(t, model.StateFailed, run.Iterations[1].FinalState)
	// The partially created resource of iteration 1 was removed as well.
	h.assertNoLeak(t)
}

func TestRun_PoolExhaustedIsFatal(t *testing.T) {
	h := newHarness(3, 1, scripted(0.8, 0.6, 0.7))
	h.backend.InsertHook = func(table string, records []model.Record) error {
		return exception.New(exception.ErrPoolExhausted, "test", "no connection within 5s", nil)
	}

	run, err := h.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrPoolExhausted))

	assert.Equal(t, []model.IterationStatus{model.IterationFailed, model.IterationSkipped, model.IterationSkipped}, statuses(run))
	assert.True(t, run.Aborted)
	h.assertNoLeak(t)
}

func TestRun_CancelledContextSkipsRemainingIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(3, 1, func(c context.Context, round, worker int) (float64, error) {
		if round == 0 {
			cancel()
		}
		return 0.5, nil
	})
	o, err := orchestrator.New(h.opts, orchestrator.Dependencies{
		Backend: h.backend, Manager: h.manager, Source: h.source, Trainer: h.trainer,
		Combiner: h.comb, Monitor: h.monitor,
	})
	require.NoError(t, err)

	run, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, exception.IsCancellation(err))
	require.Len(t, run.Iterations, 3)
	assert.Equal(t, model.IterationFailed, run.Iterations[0].Status)
	assert.Equal(t, model.IterationSkipped, run.Iterations[2].Status)
	h.assertNoLeak(t)
}

func TestRun_StagesFilesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`[{"label":"x"},{"label":"y"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("label,v\nx,1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`[{"label":`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.bin"), []byte{0, 1}, 0o644))

	h := newHarness(2, 1, nil)
	h.source = loader.Load(dir)

	run, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Count(model.IterationSuccess))
	// Two JSON rows, one CSV row and one opaque reference; the broken file is skipped.
	assert.Equal(t, []int{4, 4}, h.recorder.loaded)
	h.assertNoLeak(t)
}

func TestNew_RejectsMissingCollaborators(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Options{Iterations: 1, InstancesPerIteration: 1}, orchestrator.Dependencies{})
	assert.True(t, errors.Is(err, exception.ErrConfiguration))

	h := newHarness(1, 1, nil)
	h.opts.InstancesPerIteration = 0
	_, err = orchestrator.New(h.opts, orchestrator.Dependencies{
		Backend: h.backend, Manager: h.manager, Source: h.source, Trainer: h.trainer,
		Combiner: h.comb, Monitor: h.monitor,
	})
	assert.True(t, errors.Is(err, exception.ErrConfiguration))
}
