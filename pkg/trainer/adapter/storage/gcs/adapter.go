// Package gcs provides the Google Cloud Storage implementation of the storage adapter interfaces.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	storageAdapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// gcsAdapter implements storage.StorageConnection on a Cloud Storage client.
type gcsAdapter struct {
	client *storage.Client
}

var _ storageAdapter.StorageConnection = (*gcsAdapter)(nil)

// NewGCSAdapter creates a client. Without a credentials file the client uses
// Application Default Credentials.
func NewGCSAdapter(ctx context.Context, credentialsFile string) (storageAdapter.StorageConnection, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs storage: failed to create client: %w", err)
	}
	return &gcsAdapter{client: client}, nil
}

// Close closes the underlying client.
func (a *gcsAdapter) Close() error {
	return a.client.Close()
}

// Type returns "gcs".
func (a *gcsAdapter) Type() string {
	return storageAdapter.TypeGCS
}

// Upload streams data into gs://bucket/objectName. The object only becomes
// visible when the writer is closed successfully.
func (a *gcsAdapter) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	w := a.client.Bucket(bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload gs://%s/%s: %w", bucket, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", bucket, objectName, err)
	}
	logger.Debugf("Uploaded data to 'gs://%s/%s'.", bucket, objectName)
	return nil
}

// Download opens a reader on gs://bucket/objectName.
func (a *gcsAdapter) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	r, err := a.client.Bucket(bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, objectName, err)
	}
	return r, nil
}

// ListObjects calls fn for each object under prefix.
func (a *gcsAdapter) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	it := a.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		if err := fn(attrs.Name); err != nil {
			return err
		}
	}
}

// DeleteObject deletes the object. A missing object is logged and ignored.
func (a *gcsAdapter) DeleteObject(ctx context.Context, bucket, objectName string) error {
	err := a.client.Bucket(bucket).Object(objectName).Delete(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotExist):
		logger.Warnf("Attempted to delete non-existent object 'gs://%s/%s'.", bucket, objectName)
		return nil
	default:
		return fmt.Errorf("failed to delete gs://%s/%s: %w", bucket, objectName, err)
	}
}

// GCSProvider implements storage.StorageProvider for gs:// locations.
type GCSProvider struct {
	credentialsFile string
}

// NewGCSProvider creates a provider from the storage configuration.
func NewGCSProvider(cfg *config.TrainerConfig) *GCSProvider {
	return &GCSProvider{credentialsFile: cfg.Storage.CredentialsFile}
}

// Type returns "gcs".
func (p *GCSProvider) Type() string {
	return storageAdapter.TypeGCS
}

// Open creates a client. Results are written once per run, so the client is
// not cached.
func (p *GCSProvider) Open(ctx context.Context, loc storageAdapter.Location) (storageAdapter.StorageConnection, error) {
	return NewGCSAdapter(ctx, p.credentialsFile)
}
