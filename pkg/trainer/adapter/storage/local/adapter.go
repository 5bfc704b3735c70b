// Package local provides a local file system implementation of the storage adapter interfaces.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	storageAdapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// localAdapter implements the storage.StorageConnection interface for local file system operations.
// The bucket is treated as a directory.
type localAdapter struct {
	// baseDir, when set, confines every resolved path.
	baseDir string
}

// Verify that localAdapter implements the storage.StorageConnection interface.
var _ storageAdapter.StorageConnection = (*localAdapter)(nil)

// NewLocalAdapter creates a new localAdapter instance. An empty baseDir
// leaves paths unconfined; otherwise baseDir is created if it doesn't exist.
func NewLocalAdapter(baseDir string) (storageAdapter.StorageConnection, error) {
	if baseDir == "" {
		return &localAdapter{}, nil
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("local storage: failed to create BaseDir '%s': %w", baseDir, err)
		}
	case err != nil:
		return nil, fmt.Errorf("local storage: failed to stat BaseDir '%s': %w", baseDir, err)
	case !info.IsDir():
		return nil, fmt.Errorf("local storage: BaseDir '%s' is not a directory", baseDir)
	}
	return &localAdapter{baseDir: baseDir}, nil
}

// Close does nothing for the local file system adapter as it holds no special resources.
func (a *localAdapter) Close() error {
	return nil
}

// Type returns the type of the adapter, which is "local".
func (a *localAdapter) Type() string {
	return storageAdapter.TypeLocal
}

// Upload writes data to a temporary file next to the target and renames it
// into place, so readers never observe a partial object.
func (a *localAdapter) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	fullPath, err := a.resolvePath(bucket, objectName)
	if err != nil {
		return fmt.Errorf("failed to resolve path for upload: %w", err)
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in '%s': %w", dir, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data to '%s': %w", fullPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush '%s': %w", fullPath, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set permissions on '%s': %w", fullPath, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("failed to move data into '%s': %w", fullPath, err)
	}
	logger.Debugf("Uploaded data to '%s' (local storage).", fullPath)
	return nil
}

// Download opens the file behind bucket/objectName.
// The returned io.ReadCloser must be closed by the caller.
func (a *localAdapter) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	fullPath, err := a.resolvePath(bucket, objectName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path for download: %w", err)
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file '%s': %w", fullPath, err)
	}
	return file, nil
}

// ListObjects walks the bucket directory and calls fn for each file whose
// slash-separated name relative to the bucket starts with prefix.
func (a *localAdapter) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	basePath, err := a.resolvePath(bucket, "")
	if err != nil {
		return fmt.Errorf("failed to resolve base path for listing: %w", err)
	}

	err = filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		objectName, err := filepath.Rel(basePath, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for '%s' from '%s': %w", path, basePath, err)
		}
		objectName = filepath.ToSlash(objectName)
		if !strings.HasPrefix(objectName, prefix) {
			return nil
		}
		return fn(objectName)
	})
	if err != nil {
		return fmt.Errorf("failed to list objects in '%s' with prefix '%s': %w", basePath, prefix, err)
	}
	return nil
}

// DeleteObject deletes the file. If it does not exist, a warning is logged and nil returned.
func (a *localAdapter) DeleteObject(ctx context.Context, bucket, objectName string) error {
	fullPath, err := a.resolvePath(bucket, objectName)
	if err != nil {
		return fmt.Errorf("failed to resolve path for delete: %w", err)
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("Attempted to delete non-existent object '%s' (local storage).", fullPath)
			return nil
		}
		return fmt.Errorf("failed to delete file '%s': %w", fullPath, err)
	}
	logger.Debugf("Deleted object '%s' (local storage).", fullPath)
	return nil
}

// resolvePath joins baseDir, bucket and objectName and rejects paths that
// escape baseDir.
func (a *localAdapter) resolvePath(bucket, objectName string) (string, error) {
	if a.baseDir == "" {
		if bucket == "" {
			bucket = "."
		}
		return filepath.Join(bucket, objectName), nil
	}

	fullPath := filepath.Join(a.baseDir, bucket, objectName)
	absBaseDir, err := filepath.Abs(a.baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for BaseDir '%s': %w", a.baseDir, err)
	}
	absFullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for '%s': %w", fullPath, err)
	}
	rel, err := filepath.Rel(absBaseDir, absFullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resolved path '%s' is outside of BaseDir '%s'", fullPath, a.baseDir)
	}
	return fullPath, nil
}

// LocalProvider implements the storage.StorageProvider interface for the local file system.
type LocalProvider struct {
	baseDir string
}

// NewLocalProvider creates a new LocalProvider from the storage configuration.
func NewLocalProvider(cfg *config.TrainerConfig) *LocalProvider {
	return &LocalProvider{baseDir: cfg.Storage.BaseDir}
}

// Type returns the type of resource handled by this provider, which is "local".
func (p *LocalProvider) Type() string {
	return storageAdapter.TypeLocal
}

// Open returns a local connection. Local connections hold no state, so one
// is created per call.
func (p *LocalProvider) Open(ctx context.Context, loc storageAdapter.Location) (storageAdapter.StorageConnection, error) {
	return NewLocalAdapter(p.baseDir)
}
