// Package infra provides the shared key-value store used by the kill-switch
// controller and the rate limiter. Production uses Redis via go-redis v9;
// tests and single-node development fall back to the in-memory store.
package infra

import (
	"context"
	"time"
)

// KV is the minimal shared-store surface the gateway hot path depends on.
// All operations must be atomic per key on the backing store.
type KV interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// IncrWindow atomically increments a counter that expires window after
	// its first increment, returning the post-increment count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

// errKeyNotFound distinguishes absence from transport failure; the
// kill-switch controller treats only the latter as retryable.
type errKeyNotFound struct{ key string }

func (e *errKeyNotFound) Error() string { return "key not found: " + e.key }

// ErrKeyNotFound reports whether err is a key-absence error.
func ErrKeyNotFound(err error) bool {
	_, ok := err.(*errKeyNotFound)
	return ok
}

// NotFound constructs a key-absence error (exported for alternate backends).
func NotFound(key string) error { return &errKeyNotFound{key: key} }
