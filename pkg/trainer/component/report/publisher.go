package report

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Resolver opens the storage behind a result location.
type Resolver interface {
	Resolve(ctx context.Context, path string) (storage.StorageConnection, storage.Location, error)
}

// Publisher writes the outputs of a finished run.
type Publisher struct {
	resolver    Resolver
	resultPath  string
	parquetPath string
}

// NewPublisher returns a Publisher. An empty parquetPath disables the parquet export.
func NewPublisher(resolver Resolver, resultPath, parquetPath string) *Publisher {
	return &Publisher{resolver: resolver, resultPath: resultPath, parquetPath: parquetPath}
}

// NewPublisherFromConfig builds the Publisher of the configured paths.
func NewPublisherFromConfig(resolver *storage.Resolver, cfg *config.TrainerConfig) *Publisher {
	return NewPublisher(resolver, cfg.ResultPath, cfg.ParquetPath)
}

// Publish writes the JSON result file, the parquet export when configured,
// and prints the summary table to stdout. The parquet export and the summary
// are best effort; a failed result file is returned.
func (p *Publisher) Publish(ctx context.Context, run *model.TrainingRun) error {
	data, err := Marshal(run)
	if err != nil {
		return fmt.Errorf("encode the result file: %w", err)
	}
	if err := p.upload(ctx, p.resultPath, data, "application/json"); err != nil {
		return err
	}
	logger.Infof("Result of run %s written to %s.", run.ID, p.resultPath)

	if p.parquetPath != "" {
		if data, err := MarshalParquet(run); err != nil {
			logger.Warnf("Parquet export of run %s failed: %v", run.ID, err)
		} else if err := p.upload(ctx, p.parquetPath, data, "application/vnd.apache.parquet"); err != nil {
			logger.Warnf("Parquet export of run %s failed: %v", run.ID, err)
		} else {
			logger.Infof("Iterations of run %s exported to %s.", run.ID, p.parquetPath)
		}
	}

	if err := PrintSummary(os.Stdout, run); err != nil {
		logger.Warnf("Cannot print the run summary: %v", err)
	}
	return nil
}

func (p *Publisher) upload(ctx context.Context, path string, data []byte, contentType string) error {
	conn, loc, err := p.resolver.Resolve(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warnf("Closing %s storage failed: %v", conn.Type(), cerr)
		}
	}()
	if err := conn.Upload(ctx, loc.Bucket, loc.Object, bytes.NewReader(data), contentType); err != nil {
		return fmt.Errorf("write %s: %w", loc, err)
	}
	return nil
}

// Module provides the Publisher.
var Module = fx.Options(
	fx.Provide(NewPublisherFromConfig),
)
