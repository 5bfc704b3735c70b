package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/loader"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// StagingTable receives the data set inside every ephemeral resource.
const StagingTable = "training_records"

var stagingColumns = []database.Column{
	{Name: "id", Type: "integer", PrimaryKey: true},
	{Name: "source", Type: "text"},
	{Name: "kind", Type: "text"},
	{Name: "payload", Type: "text"},
}

const snapshotQuery = "SELECT id, source, kind, payload FROM " + StagingTable + " ORDER BY id"

// stage loads one pass of the source into the staging table of backend and
// reads it back as the iteration's read-only snapshot. The insert is a single
// all-or-nothing batch.
func (o *Orchestrator) stage(ctx context.Context, backend database.Backend) ([]model.Record, error) {
	if err := backend.EnsureTable(ctx, StagingTable, stagingColumns); err != nil {
		return nil, err
	}

	var rows []model.Record
	for source, rec := range o.deps.Source.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, exception.Newf(exception.ErrQuery, module, "cannot encode record from %s", source, err)
		}
		rows = append(rows, model.Record{
			"source":  source,
			"kind":    loader.KindOf(source),
			"payload": string(payload),
		})
	}
	if err := o.deps.Source.Err(); err != nil {
		logger.Warnf("Some input files were skipped: %v", err)
	}

	if len(rows) > 0 {
		n, err := backend.BulkInsert(ctx, StagingTable, rows)
		if err != nil {
			return nil, err
		}
		logger.Debugf("Staged %d record(s) into %s.", n, StagingTable)
	}

	rs, err := backend.Execute(ctx, snapshotQuery)
	if err != nil {
		return nil, err
	}
	records := make([]model.Record, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		rec, err := decodePayload(row["payload"])
		if err != nil {
			return nil, exception.Newf(exception.ErrQuery, module, "staged row %v", row["id"], err)
		}
		records = append(records, rec)
	}
	o.deps.Recorder.RecordRecordsLoaded(ctx, len(records))
	logger.Infof("Loaded %d record(s) into the ephemeral resource.", len(records))
	return records, nil
}

func decodePayload(v interface{}) (model.Record, error) {
	var raw []byte
	switch p := v.(type) {
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		return nil, fmt.Errorf("unexpected payload type %T", v)
	}
	rec := model.Record{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
