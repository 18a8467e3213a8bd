package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions holds Redis connection settings
type RedisOptions struct {
	// Network is "tcp" or "unix". For "unix", Address is the socket path.
	Network      string
	Address      string
	Username     string
	Password     string //#nosec G117 -- Password field is intentional for Redis auth
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// recordFailureScript applies one failure report atomically.
// KEYS[1] watchlist key, KEYS[2] blacklist key.
// ARGV[1] threshold, ARGV[2] watch ttl ms, ARGV[3] block ttl ms, ARGV[4] blacklist value.
// Reply: {status, count} with status 0 watched, 1 promoted, 2 already blocked.
var recordFailureScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {2, 0}
end
local count = redis.call('INCR', KEYS[1])
if count >= tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return {1, count}
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {0, count}
`)

// RedisStore is a Redis-based implementation of Store and FailureRecorder
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection and credentials
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	client := redis.NewClient(&redis.Options{
		Network:      network,
		Addr:         opts.Address,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		// Retrying a non-idempotent INCR could count one failure twice.
		MaxRetries: -1,
	})

	store := NewRedisStoreFromClient(client)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the value stored under key
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyRedisError("get", err)
	}
	return value, true, nil
}

// SetWithTTL overwrites key unconditionally
func (r *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classifyRedisError("set", err)
	}
	return nil
}

// SetIfAbsent stores value only if key is absent
func (r *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classifyRedisError("setnx", err)
	}
	return created, nil
}

// IncrementWithTTL runs INCR and PEXPIRE inside one MULTI/EXEC
func (r *RedisStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, classifyRedisError("incr", err)
	}
	return incr.Val(), nil
}

// Delete removes keys, ignoring missing ones
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return classifyRedisError("del", err)
	}
	return nil
}

// Expire refreshes the TTL of key if it exists
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, classifyRedisError("expire", err)
	}
	return ok, nil
}

// Exists reports whether key is present
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, classifyRedisError("exists", err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key
func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, classifyRedisError("ttl", err)
	}
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return NoExpiry, true, nil
	}
	if d < 0 {
		return 0, false, wrap(ErrBackendProtocolError, "ttl", fmt.Errorf("unexpected reply %d", d))
	}
	return d, true, nil
}

// RecordFailure runs the failure transition as a Lua script
func (r *RedisStore) RecordFailure(ctx context.Context, req FailureRequest) (FailureResult, error) {
	reply, err := recordFailureScript.Run(ctx, r.client,
		[]string{req.WatchKey, req.BlockKey},
		req.Threshold,
		req.WatchTTL.Milliseconds(),
		req.BlockTTL.Milliseconds(),
		req.BlockedValue,
	).Slice()
	if err != nil {
		return FailureResult{}, classifyRedisError("record_failure", err)
	}
	return parseFailureReply(reply)
}

func parseFailureReply(reply []interface{}) (FailureResult, error) {
	if len(reply) != 2 {
		return FailureResult{}, wrap(ErrBackendProtocolError, "record_failure",
			fmt.Errorf("expected 2 reply elements, got %d", len(reply)))
	}
	status, ok := reply[0].(int64)
	if !ok {
		return FailureResult{}, wrap(ErrBackendProtocolError, "record_failure",
			fmt.Errorf("status has type %T", reply[0]))
	}
	count, ok := reply[1].(int64)
	if !ok {
		return FailureResult{}, wrap(ErrBackendProtocolError, "record_failure",
			fmt.Errorf("count has type %T", reply[1]))
	}

	result := FailureResult{Status: FailureStatus(status), Count: count}
	switch result.Status {
	case StatusWatched, StatusPromoted, StatusAlreadyBlocked:
		return result, nil
	default:
		return FailureResult{}, wrap(ErrBackendProtocolError, "record_failure",
			fmt.Errorf("unknown status %s", strconv.FormatInt(status, 10)))
	}
}

// Ping checks the connection and credentials
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classifyRedisError("ping", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// classifyRedisError maps a go-redis error onto a backend sentinel. Server
// replies are auth or protocol errors; everything else (dial, timeout,
// closed pool, cancelled context) means the backend could not be reached.
func classifyRedisError(op string, err error) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		if isAuthReply(replyErr.Error()) {
			return wrap(ErrBackendAuthFailure, op, err)
		}
		return wrap(ErrBackendProtocolError, op, err)
	}
	return wrap(ErrBackendUnavailable, op, err)
}

func isAuthReply(msg string) bool {
	for _, marker := range []string{"NOAUTH", "WRONGPASS", "invalid password", "invalid username-password", "NOPERM"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
