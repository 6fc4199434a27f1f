package cache

import (
	"context"
	"time"
)

// Cache is the subset of redis used by the judge service: submission status
// snapshots, per-user sync locks and rate limit counters.
type Cache interface {
	BasicOps
	LockOps
	CounterOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key; a missing key yields "" and no error
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// LockOps defines owner-aware distributed lock operations.
// The owner token must be unique per holder; only the holder can release or extend.
type LockOps interface {
	// TryLock attempts to acquire the lock, returning false when someone else holds it
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Unlock releases the lock if owner still holds it. Returns false when the lock
	// had expired or passed to another holder.
	Unlock(ctx context.Context, key, owner string) (bool, error)

	// ExtendLock resets the TTL if owner still holds the lock
	ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// CounterOps defines fixed-window counters.
type CounterOps interface {
	// IncrWindow increments key and returns the new count. The first increment of a
	// window starts its expiry.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}
