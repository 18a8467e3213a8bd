package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store implementation must
// share. newStore returns an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing key reports not found", func(t *testing.T) {
		s := newStore(t)
		value, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, value)
	})

	t.Run("set then get returns value and ttl", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetWithTTL(ctx, "k", []byte("v\x00\xff"), time.Minute))

		value, found, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("v\x00\xff"), value)

		ttl, found, err := s.TTL(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 2)
	})

	t.Run("set without ttl never expires", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetWithTTL(ctx, "persistent", []byte("x"), 0))

		ttl, found, err := s.TTL(ctx, "persistent")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, NoExpiry, ttl)
	})

	t.Run("ttl of missing key reports not found", func(t *testing.T) {
		s := newStore(t)
		_, found, err := s.TTL(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("set if absent only writes once", func(t *testing.T) {
		s := newStore(t)
		created, err := s.SetIfAbsent(ctx, "salt", []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.SetIfAbsent(ctx, "salt", []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, created)

		value, _, err := s.Get(ctx, "salt")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), value)
	})

	t.Run("increment creates and counts", func(t *testing.T) {
		s := newStore(t)
		for want := int64(1); want <= 3; want++ {
			got, err := s.IncrementWithTTL(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		ttl, found, err := s.TTL(ctx, "counter")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		s := newStore(t)
		const workers = 50
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementWithTTL(ctx, "hot", time.Minute)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		value, found, err := s.Get(ctx, "hot")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fmt.Sprint(workers), string(value))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetWithTTL(ctx, "a", []byte("1"), time.Minute))
		require.NoError(t, s.Delete(ctx, "a", "never-existed"))
		require.NoError(t, s.Delete(ctx, "a"))

		exists, err := s.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("expire reports whether the key existed", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Expire(ctx, "missing", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		exists, err := s.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists, "expire must not create keys")

		require.NoError(t, s.SetWithTTL(ctx, "k", []byte("1"), time.Second))
		ok, err = s.Expire(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ttl, _, err := s.TTL(ctx, "k")
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)
	})

	t.Run("ping succeeds", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("record failure walks watched then promoted then blocked", func(t *testing.T) {
		s := newStore(t)
		recorder, ok := s.(FailureRecorder)
		require.True(t, ok, "store must implement FailureRecorder")

		req := FailureRequest{
			WatchKey:     "w:a",
			BlockKey:     "b:a",
			Threshold:    3,
			WatchTTL:     time.Minute,
			BlockTTL:     time.Hour,
			BlockedValue: []byte("1700000000"),
		}

		for want := int64(1); want <= 2; want++ {
			res, err := recorder.RecordFailure(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, StatusWatched, res.Status)
			assert.Equal(t, want, res.Count)
		}

		res, err := recorder.RecordFailure(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, StatusPromoted, res.Status)
		assert.Equal(t, int64(3), res.Count)

		watched, err := s.Exists(ctx, "w:a")
		require.NoError(t, err)
		assert.False(t, watched)

		blockTTL, found, err := s.TTL(ctx, "b:a")
		require.NoError(t, err)
		require.True(t, found)
		assert.InDelta(t, time.Hour.Seconds(), blockTTL.Seconds(), 2)

		res, err = recorder.RecordFailure(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, StatusAlreadyBlocked, res.Status)

		watched, err = s.Exists(ctx, "w:a")
		require.NoError(t, err)
		assert.False(t, watched, "failures against a blocked key must not recreate the watchlist")
	})

	t.Run("concurrent record failure promotes exactly once", func(t *testing.T) {
		s := newStore(t)
		recorder := s.(FailureRecorder)
		req := FailureRequest{
			WatchKey:     "w:race",
			BlockKey:     "b:race",
			Threshold:    5,
			WatchTTL:     time.Minute,
			BlockTTL:     time.Hour,
			BlockedValue: []byte("0"),
		}

		const workers = 20
		results := make(chan FailureResult, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := recorder.RecordFailure(ctx, req)
				assert.NoError(t, err)
				results <- res
			}()
		}
		wg.Wait()
		close(results)

		counts := map[FailureStatus]int{}
		for res := range results {
			counts[res.Status]++
			assert.LessOrEqual(t, res.Count, req.Threshold)
		}
		assert.Equal(t, 1, counts[StatusPromoted])
		assert.Equal(t, 4, counts[StatusWatched])
		assert.Equal(t, workers-5, counts[StatusAlreadyBlocked])
	})
}
