// Package kv provides the key-value persistence substrate for the local
// cache. The substrate is a synchronous store with a per-origin capacity
// limit and no built-in expiry; namespacing, expiry, and eviction are
// layered on top by the cache package.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// ErrQuotaExceeded is returned when a write would exceed the store's
// capacity limit.
var ErrQuotaExceeded = errors.New("kv: quota exceeded")

// Store defines the key-value capability the cache is built on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value at key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key, overwriting any existing value.
	// Returns ErrQuotaExceeded when capacity is exhausted.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value at key. Removing an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Usage describes store capacity as reported by a QuotaEstimator.
type Usage struct {
	// UsedBytes is the number of bytes currently stored.
	UsedBytes int64

	// AvailableBytes is the estimated remaining capacity, zero when the
	// store cannot estimate it.
	AvailableBytes int64
}

// QuotaEstimator is an optional capability for stores that can estimate
// remaining capacity. Estimation is best-effort; callers must treat its
// absence as "unknown" and only disable proactive low-space warnings.
type QuotaEstimator interface {
	Estimate(ctx context.Context) (Usage, error)
}
