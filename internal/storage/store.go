// Package storage is the metadata key-value layer. It knows nothing about record
// semantics; callers pass fully qualified keys built with Key.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")
)

// Store is the set of primitives the object lifecycle needs from the metadata
// store. Every method is a single atomic operation at the store level; there are
// no cross-call transactions.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX stores value only if key is absent and reports whether it did. A
	// positive ttl expires the key unless a later Set replaces it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns every key matching a glob pattern such as "ihacdn*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	// MGet returns one entry per key, nil where the key is absent.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Close() error
}

// Key namespaces an identifier.
func Key(prefix, id string) string {
	return prefix + id
}
