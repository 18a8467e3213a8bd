// Package storage defines the key-value store contract failwatch relies on and
// ships Redis and in-memory implementations of it.
package storage

//go:generate mockgen -source=storage.go -destination=mocks/mock_store.go -package=mocks Store,FailureRecorder

import (
	"context"
	"time"
)

// NoExpiry is reported by TTL for a key that exists but never expires.
const NoExpiry time.Duration = -1

// Store defines the operations the tracker and the identity codec need from a
// TTL-capable key-value store. Implementations must be safe for concurrent use
// and must never retry an operation on their own.
//
// A Store alone only supports the tracker's sequential failure path, where a
// failure racing a promotion can leave a fresh watchlist counter beside the
// new blacklist entry. Adapters should also implement FailureRecorder.
type Store interface {
	// Get returns the value stored under key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// SetWithTTL overwrites key unconditionally. A zero ttl stores the key without expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when key does not exist yet and reports
	// whether this call created it.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrementWithTTL atomically creates or increments an integer counter,
	// (re)applies ttl and returns the post-increment value.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Expire sets a new ttl on key and reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time to live of key. found is false when the
	// key is absent; a key without expiry reports NoExpiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, found bool, err error)

	// Ping checks connectivity to the backend
	Ping(ctx context.Context) error

	// Close releases any resources
	Close() error
}

// FailureRecorder is implemented by stores that can run the whole
// check-increment-promote sequence of a failure report as one atomic unit.
// Only with it is a blocked identifier guaranteed to have no watchlist entry.
// MemoryStore and RedisStore both implement it.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, req FailureRequest) (FailureResult, error)
}

// FailureRequest describes one failure report against a pair of keys.
type FailureRequest struct {
	WatchKey     string
	BlockKey     string
	Threshold    int64
	WatchTTL     time.Duration
	BlockTTL     time.Duration
	BlockedValue []byte
}

// FailureStatus is the state a failure report left the identifier in.
type FailureStatus int

const (
	// StatusWatched means the watchlist counter was created or incremented.
	StatusWatched FailureStatus = iota
	// StatusPromoted means the counter reached the threshold: the blacklist
	// entry was written and the watchlist entry removed.
	StatusPromoted
	// StatusAlreadyBlocked means a blacklist entry existed and nothing changed.
	StatusAlreadyBlocked
)

// String returns the wire name of the status
func (s FailureStatus) String() string {
	switch s {
	case StatusWatched:
		return "watched"
	case StatusPromoted:
		return "promoted"
	case StatusAlreadyBlocked:
		return "already_blocked"
	default:
		return "unknown"
	}
}

// FailureResult is the outcome of RecordFailure. Count is the post-increment
// watchlist value; it is zero for StatusAlreadyBlocked.
type FailureResult struct {
	Status FailureStatus
	Count  int64
}
