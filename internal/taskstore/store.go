// Package taskstore is the durable key-value state store with optimistic
// concurrency and prefix watches, plus the typed repository on top of it.
package taskstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("taskstore: not found")
	// ErrConflict is returned when the expected version does not match
	ErrConflict = errors.New("taskstore: version conflict")
	// ErrUnavailable wraps failures of the backing storage
	ErrUnavailable = errors.New("taskstore: unavailable")
)

// Record is a stored value with its version. Version 0 means absent.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Change is one committed mutation observed through Watch
type Change struct {
	Seq     int64
	Key     string
	Value   []byte
	Version int64
	Deleted bool
}

// Store is the durable state store contract
type Store interface {
	// Get returns the current value and version of key, or ErrNotFound
	Get(ctx context.Context, key string) (Record, error)

	// CompareAndSet writes value if the current version equals expected
	// (0 for "must not exist") and returns the new version, or ErrConflict
	CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (int64, error)

	// Delete removes key if its version equals expected, or returns ErrConflict
	Delete(ctx context.Context, key string, expected int64) error

	// List returns all records whose key starts with prefix, ordered by key
	List(ctx context.Context, prefix string) ([]Record, error)

	// Watch streams changes under prefix committed after the call until ctx is
	// cancelled. Re-issuing Watch restarts the stream.
	Watch(ctx context.Context, prefix string) (<-chan Change, error)

	Close() error
}

var errClosed = errors.New("store closed")

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
