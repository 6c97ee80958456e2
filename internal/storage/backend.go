// Package storage defines the Backend interface for durable file content and
// a factory selecting the configured implementation.
package storage

import (
	"context"
	"io"
	"io/fs"
)

// ErrNotFound matches (via errors.Is) the error GetObject returns when no
// object exists at the key. Backends wrap fs.ErrNotExist.
var ErrNotFound = fs.ErrNotExist

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O (local filesystem, S3).
// Document metadata is handled separately by persist.Repository.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject writes content to the given key, replacing any previous
	// object in a single step.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
