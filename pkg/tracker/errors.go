package tracker

import (
	"fmt"

	"github.com/hfi/failwatch/pkg/identity"
	"github.com/hfi/failwatch/pkg/storage"
)

// Error taxonomy. Use errors.Is against these; they are re-exported so
// callers only need this package.
var (
	ErrInvalidInput         = identity.ErrInvalidInput
	ErrBackendUnavailable   = storage.ErrBackendUnavailable
	ErrBackendAuthFailure   = storage.ErrBackendAuthFailure
	ErrBackendProtocolError = storage.ErrBackendProtocolError
)

// Operation names used in errors, events and metrics
const (
	OpIsBlocked     = "is_blocked"
	OpReportFailure = "report_failure"
	OpRehabilitate  = "rehabilitate"
	OpWatchlistTTL  = "watchlist_ttl"
	OpBlacklistTTL  = "blacklist_ttl"
)

// OpError records the tracker operation and the identifier it failed for.
// Identifier is the encoded form, so it never leaks a plaintext identifier
// while anonymization is on.
type OpError struct {
	Op         string
	Identifier string
	Err        error
}

func (e *OpError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("tracker %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tracker %s %q: %v", e.Op, e.Identifier, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
