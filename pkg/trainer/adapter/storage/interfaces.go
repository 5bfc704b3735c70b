// Package storage defines the object storage abstraction used to publish run
// results. A result location is either a local path or a gs://bucket/object URL.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

// StorageExecutor defines generic storage operations.
type StorageExecutor interface {
	// Upload writes data to bucket/objectName. contentType is the MIME type of the data.
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	// Download returns a ReadCloser which must be closed by the caller after use.
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for each object under prefix.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error
	// DeleteObject deletes the object. A missing object is not an error.
	DeleteObject(ctx context.Context, bucket, objectName string) error
}

// StorageConnection is an open storage backend.
type StorageConnection interface {
	StorageExecutor
	// Type returns the provider type, "local" or "gcs".
	Type() string
	Close() error
}

// Location is a parsed result destination.
type Location struct {
	// Scheme is "gs" for Cloud Storage and empty for the local file system.
	Scheme string
	// Bucket is the GCS bucket, or the directory of a local path.
	Bucket string
	// Object is the object name, or the file name of a local path.
	Object string
}

// IsRemote reports whether the location is in Cloud Storage.
func (l Location) IsRemote() bool {
	return l.Scheme == SchemeGCS
}

// String returns the location in its configured form.
func (l Location) String() string {
	if l.IsRemote() {
		return SchemeGCS + "://" + l.Bucket + "/" + l.Object
	}
	if l.Bucket == "" {
		return l.Object
	}
	return strings.TrimSuffix(l.Bucket, "/") + "/" + l.Object
}

// SchemeGCS is the URL scheme of Cloud Storage locations.
const SchemeGCS = "gs"

// ParseLocation splits path into a Location.
func ParseLocation(path string) (Location, error) {
	if path == "" {
		return Location{}, exception.New(exception.ErrConfiguration, "storage", "empty result location", nil)
	}
	if rest, ok := strings.CutPrefix(path, SchemeGCS+"://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
			return Location{}, exception.Newf(exception.ErrConfiguration, "storage", "invalid Cloud Storage location %q, want gs://bucket/object", path)
		}
		return Location{Scheme: SchemeGCS, Bucket: bucket, Object: object}, nil
	}
	if strings.Contains(path, "://") {
		return Location{}, exception.Newf(exception.ErrConfiguration, "storage", "unsupported location scheme in %q", path)
	}
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return Location{Bucket: "", Object: path}, nil
	}
	if i == len(path)-1 {
		return Location{}, exception.Newf(exception.ErrConfiguration, "storage", "location %q names a directory", path)
	}
	if i == 0 {
		return Location{Bucket: path[:1], Object: path[1:]}, nil
	}
	return Location{Bucket: path[:i], Object: path[i+1:]}, nil
}

// StorageProvider opens connections of one Type.
type StorageProvider interface {
	// Type returns the type of resource handled by this provider, e.g. "local" or "gcs".
	Type() string
	// Open returns a connection that can reach loc.
	Open(ctx context.Context, loc Location) (StorageConnection, error)
}
