// Package statestore provides the shared key-value store used for all
// mutable routing state (sessions, SLA counters, token buckets).
//
// The production backend is Redis. When Redis is unreachable the Failover
// wrapper transparently degrades to an in-process store with identical
// semantics (TTL expiry, versioned compare-and-swap, atomic increment), so
// callers never see availability errors — only a changed Health() report.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Store is the capability set every backend must provide. Implementations
// must be safe for concurrent use.
//
// Versions start at 1 on first write and increase by 1 per successful
// write. CompareAndSwap with expectedVersion 0 creates the key only if it
// does not exist yet.
type Store interface {
	// Get returns the value and its version. found is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (value []byte, version int64, found bool, err error)

	// Set writes the value unconditionally, bumping the version.
	// ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr atomically adds by to an integer counter key and returns the
	// new total, refreshing the TTL when ttl > 0.
	Incr(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error)

	// Counter reads an Incr counter without modifying it. Missing or
	// expired counters read as zero.
	Counter(ctx context.Context, key string) (int64, error)

	// CompareAndSwap writes value only if the stored version equals
	// expectedVersion. Returns false (no error) on version mismatch.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Health reports which backend is serving requests.
	Health() Health
}

// Backend identifies a concrete store implementation.
type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// Health describes the live backend of a store.
type Health struct {
	Backend Backend `json:"backend"`
}

// ErrUnavailable marks infrastructure failures of the primary backend.
// It never escapes the Failover wrapper.
var ErrUnavailable = errors.New("statestore: backend unavailable")
