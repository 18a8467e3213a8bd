package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-memory implementation of Store and FailureRecorder.
// It serialises every operation behind one mutex, which makes RecordFailure
// atomic for a single process.
type MemoryStore struct {
	mu              sync.Mutex
	entries         map[string]*memoryEntry
	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// WithCleanupInterval sets how often expired entries are purged.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.cleanupInterval = d
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries:         make(map[string]*memoryEntry),
		now:             time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}

	// Start background cleanup goroutine
	go store.cleanupLoop()

	return store
}

// lookup returns the live entry for key, dropping it if it has expired.
// Callers must hold m.mu.
func (m *MemoryStore) lookup(key string, now time.Time) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get returns the value stored under key
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, wrap(ErrBackendUnavailable, "get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.now())
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(e.value), true, nil
}

// SetWithTTL overwrites key unconditionally
func (m *MemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return wrap(ErrBackendUnavailable, "set", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = &memoryEntry{value: cloneBytes(value), expiresAt: expiryFrom(now, ttl)}
	return nil
}

// SetIfAbsent stores value only if key is absent
func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap(ErrBackendUnavailable, "setnx", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, ok := m.lookup(key, now); ok {
		return false, nil
	}
	m.entries[key] = &memoryEntry{value: cloneBytes(value), expiresAt: expiryFrom(now, ttl)}
	return true, nil
}

// IncrementWithTTL creates or increments a counter and reapplies ttl
func (m *MemoryStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap(ErrBackendUnavailable, "incr", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.incrementLocked(key, ttl, m.now())
}

func (m *MemoryStore) incrementLocked(key string, ttl time.Duration, now time.Time) (int64, error) {
	var count int64
	if e, ok := m.lookup(key, now); ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, wrap(ErrBackendProtocolError, "incr", err)
		}
		count = n
	}
	count++
	m.entries[key] = &memoryEntry{
		value:     []byte(strconv.FormatInt(count, 10)),
		expiresAt: expiryFrom(now, ttl),
	}
	return count, nil
}

// Delete removes keys, ignoring missing ones
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return wrap(ErrBackendUnavailable, "del", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Expire refreshes the TTL of key if it exists
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap(ErrBackendUnavailable, "expire", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok {
		return false, nil
	}
	e.expiresAt = expiryFrom(now, ttl)
	return true, nil
}

// Exists reports whether key is present
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap(ErrBackendUnavailable, "exists", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key, m.now())
	return ok, nil
}

// TTL returns the remaining lifetime of key
func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, wrap(ErrBackendUnavailable, "ttl", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, true, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

// RecordFailure runs the failure transition under the store lock
func (m *MemoryStore) RecordFailure(ctx context.Context, req FailureRequest) (FailureResult, error) {
	if err := ctx.Err(); err != nil {
		return FailureResult{}, wrap(ErrBackendUnavailable, "record_failure", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, blocked := m.lookup(req.BlockKey, now); blocked {
		return FailureResult{Status: StatusAlreadyBlocked}, nil
	}

	count, err := m.incrementLocked(req.WatchKey, req.WatchTTL, now)
	if err != nil {
		return FailureResult{}, err
	}
	if count < req.Threshold {
		return FailureResult{Status: StatusWatched, Count: count}, nil
	}

	m.entries[req.BlockKey] = &memoryEntry{
		value:     cloneBytes(req.BlockedValue),
		expiresAt: expiryFrom(now, req.BlockTTL),
	}
	delete(m.entries, req.WatchKey)
	return FailureResult{Status: StatusPromoted, Count: count}, nil
}

// Ping always succeeds for the in-memory store
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrap(ErrBackendUnavailable, "ping", err)
	}
	return nil
}

// Cleanup removes expired entries
func (m *MemoryStore) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
		}
	}
}

// Size returns the number of stored entries, expired or not
func (m *MemoryStore) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the cleanup goroutine
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
	})
	return nil
}

// cleanupLoop periodically cleans up expired entries
func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}
