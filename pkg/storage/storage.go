// Package storage defines the FileStore interface for reading and writing
// remote files. It abstracts the backing store so that callers can swap
// between local disk and S3-compatible object stores without changing
// application code.
//
// The primary use within recserve is fetching packaged index bundles and
// probing their last-modified timestamps to detect staleness of a locally
// cached copy.
package storage

import (
	"context"
	"io"
	"time"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing.
	// If the file already exists it is truncated.
	// Parent directories are created automatically.
	// The caller must close the returned WriteCloser to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// ModTime returns the last-modified timestamp of the named file.
	// If the file does not exist, an error wrapping os.ErrNotExist is
	// returned. ModTime never mutates store state; it is the staleness
	// probe used to decide whether a cached copy must be refetched.
	ModTime(ctx context.Context, path string) (time.Time, error)
}
