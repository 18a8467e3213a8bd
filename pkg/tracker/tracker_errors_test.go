package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/hfi/failwatch/pkg/storage"
	"github.com/hfi/failwatch/pkg/storage/mocks"
)

// =============================================================================
// Error propagation suite
// =============================================================================
// Justification: backend failures must surface unchanged and must never be
// read as "absent"; invalid input must be rejected before any store call.

type TrackerErrorSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	store   *mocks.MockStore
	events  *eventLog
	tracker *Tracker
	ctx     context.Context
}

func TestTrackerErrorSuite(t *testing.T) {
	suite.Run(t, new(TrackerErrorSuite))
}

func (s *TrackerErrorSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.events = &eventLog{}

	var err error
	s.tracker, err = New(s.store, DefaultConfig(),
		WithObserver(s.events),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	s.Require().NoError(err)
}

func (s *TrackerErrorSuite) TearDownTest() {
	s.ctrl.Finish()
}

func unavailable(op string) error {
	return fmt.Errorf("%s: %w: %w", op, storage.ErrBackendUnavailable, errors.New("dial tcp: connection refused"))
}

func (s *TrackerErrorSuite) TestInvalidInputBeforeStoreAccess() {
	// No expectations are set: any store call fails the test.
	_, err := s.tracker.IsBlocked(s.ctx, "")
	s.ErrorIs(err, ErrInvalidInput)

	_, err = s.tracker.IsNotBlocked(s.ctx, "")
	s.ErrorIs(err, ErrInvalidInput)

	_, err = s.tracker.ReportFailure(s.ctx, "")
	s.ErrorIs(err, ErrInvalidInput)

	err = s.tracker.Rehabilitate(s.ctx, "")
	s.ErrorIs(err, ErrInvalidInput)

	_, _, err = s.tracker.RemainingWatchlistTime(s.ctx, "")
	s.ErrorIs(err, ErrInvalidInput)

	_, _, err = s.tracker.RemainingBlacklistTime(s.ctx, "")
	s.ErrorIs(err, ErrInvalidInput)

	var opErr *OpError
	s.Require().ErrorAs(err, &opErr)
	s.Equal(OpBlacklistTTL, opErr.Op)
	s.Empty(s.events.types(), "invalid input emits no events")
}

func (s *TrackerErrorSuite) TestIsBlockedPropagatesBackendError() {
	s.store.EXPECT().
		Expire(gomock.Any(), "failwatch:blacklist:10.0.0.1", DefaultBlockWindow).
		Return(false, unavailable("expire"))

	blocked, err := s.tracker.IsBlocked(s.ctx, "10.0.0.1")
	s.False(blocked)
	s.ErrorIs(err, ErrBackendUnavailable)

	var opErr *OpError
	s.Require().ErrorAs(err, &opErr)
	s.Equal(OpIsBlocked, opErr.Op)
	s.Equal("10.0.0.1", opErr.Identifier)
	s.Equal([]EventType{EventBackendError}, s.events.types())
}

func (s *TrackerErrorSuite) TestIsNotBlockedDoesNotTreatErrorAsClean() {
	s.store.EXPECT().
		Expire(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(false, fmt.Errorf("expire: %w", storage.ErrBackendAuthFailure))

	notBlocked, err := s.tracker.IsNotBlocked(s.ctx, "10.0.0.1")
	s.False(notBlocked)
	s.ErrorIs(err, ErrBackendAuthFailure)
}

func (s *TrackerErrorSuite) TestIsBlockedSingleStoreCall() {
	s.store.EXPECT().
		Expire(gomock.Any(), "failwatch:blacklist:u", DefaultBlockWindow).
		Return(true, nil).
		Times(1)

	blocked, err := s.tracker.IsBlocked(s.ctx, "u")
	s.NoError(err)
	s.True(blocked)
}

func (s *TrackerErrorSuite) TestSequentialPromotionOrder() {
	gomock.InOrder(
		s.store.EXPECT().Exists(gomock.Any(), "failwatch:blacklist:p").Return(false, nil),
		s.store.EXPECT().IncrementWithTTL(gomock.Any(), "failwatch:watchlist:p", DefaultWatchWindow).Return(int64(3), nil),
		s.store.EXPECT().SetWithTTL(gomock.Any(), "failwatch:blacklist:p", []byte("1700000000"), DefaultBlockWindow).Return(nil),
		s.store.EXPECT().Delete(gomock.Any(), "failwatch:watchlist:p").Return(nil),
	)

	outcome, err := s.tracker.ReportFailure(s.ctx, "p")
	s.NoError(err)
	s.Equal(Outcome{State: Promoted, Count: 3}, outcome)
}

func (s *TrackerErrorSuite) TestSequentialPromotionInterrupted() {
	gomock.InOrder(
		s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil),
		s.store.EXPECT().IncrementWithTTL(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(3), nil),
		s.store.EXPECT().SetWithTTL(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
		s.store.EXPECT().Delete(gomock.Any(), gomock.Any()).Return(unavailable("del")),
	)

	_, err := s.tracker.ReportFailure(s.ctx, "p")
	s.ErrorIs(err, ErrBackendUnavailable)
}

func (s *TrackerErrorSuite) TestSequentialLaggardDefersToPromotion() {
	gomock.InOrder(
		s.store.EXPECT().Exists(gomock.Any(), "failwatch:blacklist:lag").Return(false, nil),
		s.store.EXPECT().IncrementWithTTL(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(4), nil),
		s.store.EXPECT().Exists(gomock.Any(), "failwatch:blacklist:lag").Return(true, nil),
	)

	outcome, err := s.tracker.ReportFailure(s.ctx, "lag")
	s.NoError(err)
	s.Equal(AlreadyBlocked, outcome.State)
}

func (s *TrackerErrorSuite) TestSequentialLaggardRepairsMissingPromotion() {
	gomock.InOrder(
		s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil),
		s.store.EXPECT().IncrementWithTTL(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(5), nil),
		s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil),
		s.store.EXPECT().SetWithTTL(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
		s.store.EXPECT().Delete(gomock.Any(), gomock.Any()).Return(nil),
	)

	outcome, err := s.tracker.ReportFailure(s.ctx, "lag")
	s.NoError(err)
	s.Equal(Outcome{State: Promoted, Count: 5}, outcome)
}

func (s *TrackerErrorSuite) TestReportFailureIncrementError() {
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil)
	s.store.EXPECT().IncrementWithTTL(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(int64(0), fmt.Errorf("incr: %w", storage.ErrBackendProtocolError))

	_, err := s.tracker.ReportFailure(s.ctx, "p")
	s.ErrorIs(err, ErrBackendProtocolError)
}

func (s *TrackerErrorSuite) TestRehabilitateDeletesBothKeysAtOnce() {
	s.store.EXPECT().
		Delete(gomock.Any(), "failwatch:watchlist:r", "failwatch:blacklist:r").
		Return(nil)

	s.NoError(s.tracker.Rehabilitate(s.ctx, "r"))
}

func (s *TrackerErrorSuite) TestRehabilitateError() {
	s.store.EXPECT().Delete(gomock.Any(), gomock.Any(), gomock.Any()).Return(unavailable("del"))

	err := s.tracker.Rehabilitate(s.ctx, "r")
	s.ErrorIs(err, ErrBackendUnavailable)
}

func (s *TrackerErrorSuite) TestRemainingTimeError() {
	s.store.EXPECT().TTL(gomock.Any(), "failwatch:watchlist:t").Return(time.Duration(0), false, unavailable("ttl"))

	_, found, err := s.tracker.RemainingWatchlistTime(s.ctx, "t")
	s.False(found)
	s.ErrorIs(err, ErrBackendUnavailable)
}

func (s *TrackerErrorSuite) TestAnonymizedErrorsHidePlaintext() {
	cfg := DefaultConfig()
	cfg.Anonymization.Enabled = true
	tr, err := New(s.store, cfg)
	s.Require().NoError(err)

	s.store.EXPECT().Get(gomock.Any(), cfg.Anonymization.SaltKey).Return(nil, false, unavailable("get"))

	_, err = tr.IsBlocked(s.ctx, "alice@example.com")
	s.ErrorIs(err, ErrBackendUnavailable)
	s.NotContains(err.Error(), "alice@example.com")
}

func (s *TrackerErrorSuite) TestSaltFailureReportsOperationDuration() {
	cfg := DefaultConfig()
	cfg.Anonymization.Enabled = true
	tr, err := New(s.store, cfg, WithObserver(s.events))
	s.Require().NoError(err)

	s.store.EXPECT().Get(gomock.Any(), cfg.Anonymization.SaltKey).
		DoAndReturn(func(context.Context, string) ([]byte, bool, error) {
			time.Sleep(20 * time.Millisecond)
			return nil, false, unavailable("get")
		})

	_, err = tr.ReportFailure(s.ctx, "alice")
	s.Require().ErrorIs(err, ErrBackendUnavailable)

	s.Require().Len(s.events.events, 1)
	ev := s.events.events[0]
	s.Equal(EventBackendError, ev.Type)
	s.Equal(OpReportFailure, ev.Op)
	s.GreaterOrEqual(ev.Duration, 20*time.Millisecond)
}

// =============================================================================
// Atomic recorder
// =============================================================================

type recordingStore struct {
	*mocks.MockStore
	*mocks.MockFailureRecorder
}

func TestReportFailure_UsesAtomicRecorder(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := recordingStore{mocks.NewMockStore(ctrl), mocks.NewMockFailureRecorder(ctrl)}

	tr, err := New(store, DefaultConfig(), WithClock(func() time.Time { return time.Unix(42, 0) }))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	store.MockFailureRecorder.EXPECT().
		RecordFailure(gomock.Any(), storage.FailureRequest{
			WatchKey:     "failwatch:watchlist:id",
			BlockKey:     "failwatch:blacklist:id",
			Threshold:    DefaultThreshold,
			WatchTTL:     DefaultWatchWindow,
			BlockTTL:     DefaultBlockWindow,
			BlockedValue: []byte("42"),
		}).
		Return(storage.FailureResult{Status: storage.StatusWatched, Count: 2}, nil)

	outcome, err := tr.ReportFailure(context.Background(), "id")
	if err != nil {
		t.Fatalf("ReportFailure() error: %v", err)
	}
	if outcome != (Outcome{State: Watched, Count: 2}) {
		t.Errorf("ReportFailure() = %+v", outcome)
	}
}
