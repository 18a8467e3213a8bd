// Package tracker implements the watchlist/blacklist state machine.
//
// An identifier is CLEAN when neither key exists, WATCHED(n) while its
// watchlist counter holds n, and BLOCKED while its blacklist entry exists.
// Reporting a failure moves CLEAN to WATCHED(1), increments the counter, and
// once the counter reaches the threshold writes the blacklist entry and
// removes the counter. Failures against a BLOCKED identifier are ignored.
//
// The tracker holds no per-identifier state of its own; every decision is made
// by the store, so any number of processes can share one store.
package tracker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfi/failwatch/pkg/identity"
	"github.com/hfi/failwatch/pkg/storage"
)

// State is the state a failure report left an identifier in
type State int

const (
	Watched State = iota
	Promoted
	AlreadyBlocked
)

func (s State) String() string {
	switch s {
	case Watched:
		return "watched"
	case Promoted:
		return "promoted"
	case AlreadyBlocked:
		return "already_blocked"
	default:
		return "unknown"
	}
}

// Outcome describes the effect of one ReportFailure call. Count is the
// watchlist counter after the report; it is zero for AlreadyBlocked.
type Outcome struct {
	State State
	Count int64
}

// Tracker is the violation tracker. It is safe for concurrent use.
type Tracker struct {
	store    storage.Store
	recorder storage.FailureRecorder
	codec    *identity.Codec
	cfg      Config
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger for state transitions and backend errors
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithObserver registers an observer for tracker events
func WithObserver(observer Observer) Option {
	return func(t *Tracker) {
		if observer != nil {
			t.observer = observer
		}
	}
}

// WithClock sets the clock used for the promotion timestamp
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a tracker over store. When store also implements
// storage.FailureRecorder, failure reports run as one atomic store operation.
func New(store storage.Store, cfg Config, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := identity.New(store, cfg.Anonymization)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		store:    store,
		codec:    codec,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		now:      time.Now,
	}
	if recorder, ok := store.(storage.FailureRecorder); ok {
		t.recorder = recorder
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns a copy of the tracker's policy
func (t *Tracker) Config() Config {
	return t.cfg
}

// Encode returns the storage form of identifier
func (t *Tracker) Encode(ctx context.Context, identifier string) (string, error) {
	return t.codec.Encode(ctx, identifier)
}

// WatchlistKey returns the store key for an already encoded identifier
func (t *Tracker) WatchlistKey(encoded string) string {
	return t.cfg.WatchlistPrefix + ":" + encoded
}

// BlacklistKey returns the store key for an already encoded identifier
func (t *Tracker) BlacklistKey(encoded string) string {
	return t.cfg.BlacklistPrefix + ":" + encoded
}

// encode validates and encodes identifier, turning failures into an OpError.
func (t *Tracker) encode(ctx context.Context, op, identifier string, start time.Time) (string, error) {
	encoded, err := t.codec.Encode(ctx, identifier)
	if err == nil {
		return encoded, nil
	}
	if errors.Is(err, ErrInvalidInput) {
		return "", &OpError{Op: op, Err: err}
	}
	// Only salt lookups fail here, so the identifier is anonymized and the
	// plaintext must not be reported.
	return "", t.backendError(ctx, op, "", err, start)
}

func (t *Tracker) backendError(ctx context.Context, op, encoded string, err error, start time.Time) error {
	t.logger.Error().
		Err(err).
		Str("op", op).
		Str("identifier", encoded).
		Str("class", storage.Class(err)).
		Msg("store operation failed")
	t.observer.Observe(ctx, Event{
		Type:       EventBackendError,
		Op:         op,
		Identifier: encoded,
		Duration:   time.Since(start),
		Err:        err,
	})
	return &OpError{Op: op, Identifier: encoded, Err: err}
}

// IsBlocked reports whether identifier is on the blacklist. With
// RefreshOnHit a hit also slides the blacklist TTL back to the full block
// window; both happen in a single store call. The watchlist is not touched.
func (t *Tracker) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	start := time.Now()
	encoded, err := t.encode(ctx, OpIsBlocked, identifier, start)
	if err != nil {
		return false, err
	}
	key := t.BlacklistKey(encoded)

	var blocked bool
	if t.cfg.RefreshOnHit {
		blocked, err = t.store.Expire(ctx, key, t.cfg.BlockWindow)
	} else {
		blocked, err = t.store.Exists(ctx, key)
	}
	if err != nil {
		return false, t.backendError(ctx, OpIsBlocked, encoded, err, start)
	}

	t.observer.Observe(ctx, Event{
		Type:       EventBlockChecked,
		Op:         OpIsBlocked,
		Identifier: encoded,
		Blocked:    blocked,
		Duration:   time.Since(start),
	})
	return blocked, nil
}

// IsNotBlocked is the negation of IsBlocked, with the same single side effect.
func (t *Tracker) IsNotBlocked(ctx context.Context, identifier string) (bool, error) {
	blocked, err := t.IsBlocked(ctx, identifier)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// ReportFailure records one failure for identifier and promotes it to the
// blacklist when the watchlist counter reaches the threshold. Reports against
// a blocked identifier change nothing; in particular they never extend the
// blacklist TTL.
func (t *Tracker) ReportFailure(ctx context.Context, identifier string) (Outcome, error) {
	start := time.Now()
	encoded, err := t.encode(ctx, OpReportFailure, identifier, start)
	if err != nil {
		return Outcome{}, err
	}

	req := storage.FailureRequest{
		WatchKey:     t.WatchlistKey(encoded),
		BlockKey:     t.BlacklistKey(encoded),
		Threshold:    int64(t.cfg.Threshold),
		WatchTTL:     t.cfg.WatchWindow,
		BlockTTL:     t.cfg.BlockWindow,
		BlockedValue: []byte(strconv.FormatInt(t.now().Unix(), 10)),
	}

	var res storage.FailureResult
	if t.recorder != nil {
		res, err = t.recorder.RecordFailure(ctx, req)
	} else {
		res, err = t.recordFailureSequential(ctx, req)
	}
	if err != nil {
		return Outcome{}, t.backendError(ctx, OpReportFailure, encoded, err, start)
	}

	outcome := Outcome{State: stateFromStatus(res.Status), Count: res.Count}
	event := Event{
		Op:         OpReportFailure,
		Identifier: encoded,
		Count:      outcome.Count,
		Duration:   time.Since(start),
	}
	switch outcome.State {
	case Promoted:
		event.Type = EventPromoted
		event.Blocked = true
		t.logger.Info().
			Str("identifier", encoded).
			Int64("count", outcome.Count).
			Dur("block_window", t.cfg.BlockWindow).
			Msg("identifier promoted to blacklist")
	case AlreadyBlocked:
		event.Type = EventFailureIgnored
		event.Blocked = true
		t.logger.Debug().Str("identifier", encoded).Msg("failure ignored, identifier already blocked")
	default:
		event.Type = EventFailureRecorded
		t.logger.Debug().Str("identifier", encoded).Int64("count", outcome.Count).Msg("failure recorded")
	}
	t.observer.Observe(ctx, event)

	return outcome, nil
}

// recordFailureSequential is used for stores without an atomic failure
// primitive. The increment itself is atomic, so exactly one caller sees the
// counter reach the threshold and performs the promotion. The blacklist entry
// is written before the watchlist entry is removed, so an interruption leaves
// the identifier blocked with a stale counter that expires on its own.
func (t *Tracker) recordFailureSequential(ctx context.Context, req storage.FailureRequest) (storage.FailureResult, error) {
	blocked, err := t.store.Exists(ctx, req.BlockKey)
	if err != nil {
		return storage.FailureResult{}, err
	}
	if blocked {
		return storage.FailureResult{Status: storage.StatusAlreadyBlocked}, nil
	}

	count, err := t.store.IncrementWithTTL(ctx, req.WatchKey, req.WatchTTL)
	if err != nil {
		return storage.FailureResult{}, err
	}
	if count < req.Threshold {
		return storage.FailureResult{Status: storage.StatusWatched, Count: count}, nil
	}

	if count > req.Threshold {
		// Someone else crossed the threshold first. Only step in if their
		// promotion never landed.
		blocked, err := t.store.Exists(ctx, req.BlockKey)
		if err != nil {
			return storage.FailureResult{}, err
		}
		if blocked {
			return storage.FailureResult{Status: storage.StatusAlreadyBlocked}, nil
		}
	}

	if err := t.store.SetWithTTL(ctx, req.BlockKey, req.BlockedValue, req.BlockTTL); err != nil {
		return storage.FailureResult{}, err
	}
	if err := t.store.Delete(ctx, req.WatchKey); err != nil {
		return storage.FailureResult{}, err
	}
	return storage.FailureResult{Status: storage.StatusPromoted, Count: count}, nil
}

func stateFromStatus(s storage.FailureStatus) State {
	switch s {
	case storage.StatusPromoted:
		return Promoted
	case storage.StatusAlreadyBlocked:
		return AlreadyBlocked
	default:
		return Watched
	}
}

// Rehabilitate clears both the watchlist and the blacklist entry of
// identifier. It is idempotent.
func (t *Tracker) Rehabilitate(ctx context.Context, identifier string) error {
	start := time.Now()
	encoded, err := t.encode(ctx, OpRehabilitate, identifier, start)
	if err != nil {
		return err
	}

	if err := t.store.Delete(ctx, t.WatchlistKey(encoded), t.BlacklistKey(encoded)); err != nil {
		return t.backendError(ctx, OpRehabilitate, encoded, err, start)
	}

	t.logger.Info().Str("identifier", encoded).Msg("identifier rehabilitated")
	t.observer.Observe(ctx, Event{
		Type:       EventRehabilitated,
		Op:         OpRehabilitate,
		Identifier: encoded,
		Duration:   time.Since(start),
	})
	return nil
}

// RemainingWatchlistTime returns how long the watchlist counter of identifier
// lives on. found is false when the identifier is not watched.
func (t *Tracker) RemainingWatchlistTime(ctx context.Context, identifier string) (time.Duration, bool, error) {
	return t.remaining(ctx, OpWatchlistTTL, identifier, t.WatchlistKey)
}

// RemainingBlacklistTime returns how long identifier stays blocked unless the
// block is refreshed. found is false when the identifier is not blocked.
func (t *Tracker) RemainingBlacklistTime(ctx context.Context, identifier string) (time.Duration, bool, error) {
	return t.remaining(ctx, OpBlacklistTTL, identifier, t.BlacklistKey)
}

func (t *Tracker) remaining(ctx context.Context, op, identifier string, keyFor func(string) string) (time.Duration, bool, error) {
	start := time.Now()
	encoded, err := t.encode(ctx, op, identifier, start)
	if err != nil {
		return 0, false, err
	}
	ttl, found, err := t.store.TTL(ctx, keyFor(encoded))
	if err != nil {
		return 0, false, t.backendError(ctx, op, encoded, err, start)
	}
	return ttl, found, nil
}

// Ping checks the store
func (t *Tracker) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}
