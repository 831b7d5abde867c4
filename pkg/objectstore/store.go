// Package objectstore is the pluggable blob-storage seam the gateway's
// upload worker and export pipeline write through. The interface and the
// ReceiveStat/Stat shape are adapted from perkeep/pkg/blobserver.Storage —
// perkeep addresses blobs by content hash where this gateway addresses
// objects by caller-supplied key (bucket/path), so Fetch/Receive/Stat take
// an explicit key rather than a blob.Ref, but the read/write/stat/remove
// split and the io.Reader-based Receive are kept as-is.
package objectstore

import (
	"context"
	"io"
)

// ObjectInfo describes a stored object without fetching its bytes.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the storage backend abstraction spec.md section 1 calls the
// object-storage layer: S3 (or S3-compatible) buckets in production, local
// disk or in-memory for development and tests.
type Store interface {
	// Put uploads data to key in bucket, returning the stored size.
	Put(ctx context.Context, bucket, key string, data io.Reader, size int64) (int64, error)
	// Get opens key in bucket for reading. Callers must close the returned
	// reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// Stat returns metadata for key without reading its body.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Remove deletes key from bucket. Removing an absent key is not an
	// error, matching S3 DeleteObject semantics.
	Remove(ctx context.Context, bucket, key string) error
	// List returns every key in bucket with the given prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}
