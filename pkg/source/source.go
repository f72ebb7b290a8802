// Package source abstracts where uploaded batch files live before import:
// a local upload directory or an S3-compatible bucket.
package source

import (
	"context"
	"io"
	"time"
)

// FileInfo describes one stored upload.
type FileInfo struct {
	// Key is the store-relative path of the upload.
	Key string

	// Size is the stored size in bytes.
	Size int64

	// ETag is the store's content tag, when the backend has one.
	ETag string

	// LastModified is the store's modification timestamp.
	LastModified time.Time

	// ContentType is the stored MIME type, when the backend tracks one.
	ContentType string
}

// Store fetches uploaded files by key.
//
// Implementations must be safe for concurrent use; a batch may fetch
// several uploads at once.
type Store interface {
	// Fetch opens the upload for reading. The caller owns the reader.
	Fetch(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error)

	// Stat returns metadata without opening the body.
	Stat(ctx context.Context, key string) (*FileInfo, error)

	// List enumerates uploads under a prefix, used when a resume has to
	// re-discover the files a prior batch covered.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Close releases any resources held by the store.
	Close() error
}
