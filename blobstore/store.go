// Package blobstore provides pluggable object storage for segment
// snapshots. The local and memory stores cover embedded use; the s3
// and minio subpackages archive snapshots to object storage.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is an object store for snapshot blobs. Keys are slash-separated
// paths relative to the store root.
type Store interface {
	// Put writes a blob under key, replacing any existing blob. size may
	// be -1 when the length is unknown up front.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens a blob for reading. Returns ErrNotFound if the key does
	// not exist. The caller must close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
