// Package kv defines the narrow persistence contract every other component
// is built against: get, set, delete, and prefix list of opaque byte values
// keyed by string. Three backends implement it: an in-process map for tests
// and single-node development, an embedded SQLite file, and Redis for
// multi-instance deployments.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is a sentinel for an absent key. None of the backends in this
// package returns it from Get: absence is reported through Get's ok bool.
var ErrNotFound = errors.New("kv: key not found")

// Store is the contract every component persists through. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the value for key and true, or nil and false if absent.
	// An error indicates the backend itself failed, not that the key is
	// missing.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value under key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix. Ordering is
	// unspecified. Used only by index-rebuild and cleanup paths, never
	// on the request hot path.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Closer is implemented by backends that hold an underlying connection or
// file handle.
type Closer interface {
	Close() error
}
