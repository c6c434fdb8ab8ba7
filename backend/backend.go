// Package backend provides the local storage layer fetched resources are
// written into.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Writer returns a PendingWriter for the given key.
	// The write is only committed when Close returns nil.
	Writer(ctx context.Context, key string) (PendingWriter, error)

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)

	// Path returns the local filesystem path for key.
	Path(key string) string
}

// PendingWriter is a write that becomes visible under its key only once Close
// returns nil. Abort discards it.
type PendingWriter interface {
	io.WriteCloser
	Abort() error
}
