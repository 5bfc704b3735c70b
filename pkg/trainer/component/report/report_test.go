package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
	localstorage "github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage/local"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

func sampleRun() *model.TrainingRun {
	run := model.NewTrainingRun("accuracy", map[string]interface{}{"iterations": 3, "backend": "Embedded"})
	_ = run.Append(model.IterationResult{Index: 0, Status: model.IterationSuccess, Metrics: model.Metrics{"accuracy": 0.8, "loss": math.NaN()}, Duration: 1500 * time.Millisecond})
	_ = run.Append(model.IterationResult{Index: 1, Status: model.IterationFailed, Error: "worker 0 failed", Duration: 20 * time.Millisecond})
	_ = run.Append(model.SkippedIteration(2, "run aborted: CapacityError(Memory)"))
	run.Abort("CapacityError(Memory)")
	run.Complete()
	return run
}

func TestMarshal_Shape(t *testing.T) {
	data, err := Marshal(sampleRun())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.NotEmpty(t, doc["run_id"])
	assert.Equal(t, map[string]interface{}{"iterations": 3.0, "backend": "Embedded"}, doc["config_snapshot"])
	assert.InDelta(t, 0.8, doc["aggregate_metric"], 1e-9)
	assert.Equal(t, false, doc["degraded"])
	assert.Equal(t, true, doc["aborted"])
	assert.Equal(t, "CapacityError(Memory)", doc["abort_reason"])

	its := doc["iterations"].([]interface{})
	require.Len(t, its, 3)
	first := its[0].(map[string]interface{})
	assert.Equal(t, 0.0, first["index"])
	assert.Equal(t, "Success", first["status"])
	assert.Equal(t, 1500.0, first["duration_ms"])
	assert.NotContains(t, first, "error")
	metrics := first["metrics"].(map[string]interface{})
	assert.Equal(t, 0.8, metrics["accuracy"])
	assert.Contains(t, metrics, "loss")
	assert.Nil(t, metrics["loss"], "NaN metrics are written as null")

	second := its[1].(map[string]interface{})
	assert.Equal(t, "Failed", second["status"])
	assert.Equal(t, "worker 0 failed", second["error"])
	skipped := its[2].(map[string]interface{})
	assert.Equal(t, "Skipped", skipped["status"])
	assert.NotContains(t, skipped, "error")
	assert.Equal(t, "run aborted: CapacityError(Memory)", skipped["skip_reason"])
	assert.NotContains(t, first, "skip_reason")
	assert.NotContains(t, second, "skip_reason")
}

func TestMarshal_ErrorOnlyOnFailedIterations(t *testing.T) {
	run := model.NewTrainingRun("accuracy", nil)
	// A stray message on a non-failed result is not written.
	_ = run.Append(model.IterationResult{Index: 0, Status: model.IterationSuccess, Metrics: model.Metrics{"accuracy": 1}, Error: "stale"})
	_ = run.Append(model.SkippedIteration(1, "run aborted: cancelled"))
	run.Complete()

	res := FromRun(run)
	for _, it := range res.Iterations {
		assert.Empty(t, it.Error, "iteration %d", it.Index)
	}
	rows := Rows(run)
	assert.Empty(t, rows[0].Error)
	assert.Empty(t, rows[1].Error)
}

func TestMarshal_DegradedRunHasNullAggregate(t *testing.T) {
	run := model.NewTrainingRun("accuracy", nil)
	_ = run.Append(model.IterationResult{Index: 0, Status: model.IterationFailed, Error: "boom"})
	run.Complete()

	data, err := Marshal(run)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aggregate_metric": null`)
	assert.Contains(t, string(data), `"degraded": true`)
	assert.Contains(t, string(data), `"config_snapshot": {}`)
	assert.NotContains(t, string(data), "abort_reason")
}

func TestMarshalParquet_RoundTrip(t *testing.T) {
	run := sampleRun()
	data, err := MarshalParquet(run)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "iterations.parquet")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(IterationRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(3), pr.GetNumRows())
	rows := make([]IterationRow, 3)
	require.NoError(t, pr.Read(&rows))

	assert.Equal(t, run.ID, rows[0].RunID)
	require.NotNil(t, rows[0].Metric)
	assert.InDelta(t, 0.8, *rows[0].Metric, 1e-9)
	assert.Equal(t, "accuracy=0.8,loss=NaN", rows[0].Metrics)
	assert.Equal(t, int64(1), rows[1].Index)
	assert.Nil(t, rows[1].Metric)
	assert.Equal(t, "Skipped", rows[2].Status)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintSummary(&buf, sampleRun()))
	out := buf.String()
	assert.Contains(t, out, "accuracy=0.8000")
	assert.Contains(t, out, "worker 0 failed")
	assert.Contains(t, out, "1 succeeded, 1 failed, 1 skipped; accuracy = 0.8000")
	assert.Contains(t, out, "Run aborted: CapacityError(Memory)")
}

func newLocalResolver() *storage.Resolver {
	cfg := config.NewConfig().Trainer
	return storage.NewResolver(storage.ResolverParams{Providers: []storage.StorageProvider{localstorage.NewLocalProvider(&cfg)}})
}

func TestPublisher_WritesResultAndParquet(t *testing.T) {
	dir := t.TempDir()
	resultPath := filepath.Join(dir, "out", "result.json")
	parquetPath := filepath.Join(dir, "out", "iterations.parquet")
	p := NewPublisher(newLocalResolver(), resultPath, parquetPath)

	run := sampleRun()
	require.NoError(t, p.Publish(context.Background(), run))

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), run.ID))
	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, path string) (storage.StorageConnection, storage.Location, error) {
	return nil, storage.Location{}, errors.New("bucket unreachable")
}

func TestPublisher_ResultFailureIsReturned(t *testing.T) {
	p := NewPublisher(failingResolver{}, "gs://bucket/result.json", "")
	err := p.Publish(context.Background(), sampleRun())
	assert.ErrorContains(t, err, "bucket unreachable")
}
