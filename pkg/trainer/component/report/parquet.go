package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// IterationRow is one parquet row per iteration. Metrics are flattened into
// name=value pairs since their names vary by trainer.
type IterationRow struct {
	RunID      string   `parquet:"name=run_id,type=BYTE_ARRAY,convertedtype=UTF8"`
	Index      int64    `parquet:"name=iteration_index,type=INT64"`
	Status     string   `parquet:"name=status,type=BYTE_ARRAY,convertedtype=UTF8"`
	Metric     *float64 `parquet:"name=metric,type=DOUBLE,repetitiontype=OPTIONAL"`
	Metrics    string   `parquet:"name=metrics,type=BYTE_ARRAY,convertedtype=UTF8"`
	Error      string   `parquet:"name=error,type=BYTE_ARRAY,convertedtype=UTF8"`
	DurationMS int64    `parquet:"name=duration_ms,type=INT64"`
}

// Rows converts the iterations of run. Metric holds the run's comparison metric.
func Rows(run *model.TrainingRun) []IterationRow {
	rows := make([]IterationRow, 0, len(run.Iterations))
	for _, it := range run.Iterations {
		rows = append(rows, IterationRow{
			RunID:      run.ID,
			Index:      int64(it.Index),
			Status:     it.Status.String(),
			Metric:     finite(it.Metrics.Value(run.Metric)),
			Metrics:    flatten(it.Metrics),
			Error:      failure(it),
			DurationMS: it.Duration.Milliseconds(),
		})
	}
	return rows
}

// MarshalParquet encodes the iteration rows of run as a Snappy-compressed parquet file.
func MarshalParquet(run *model.TrainingRun) ([]byte, error) {
	buf := new(bytes.Buffer)
	pw, err := writer.NewParquetWriterFromWriter(buf, new(IterationRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range Rows(run) {
		if err := pw.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write iteration %d to parquet: %w", row.Index, err)
		}
	}

	// WriteStop can panic on a corrupt schema.
	var stopErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				stopErr = fmt.Errorf("parquet writer panicked: %v", r)
				logger.Errorf("Caught panic during parquet WriteStop: %v", r)
			}
		}()
		stopErr = pw.WriteStop()
	}()
	if stopErr != nil {
		return nil, fmt.Errorf("failed to stop parquet writer: %w", stopErr)
	}
	return buf.Bytes(), nil
}

func flatten(m model.Metrics) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, m[k]))
	}
	return strings.Join(parts, ",")
}
