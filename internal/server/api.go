package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hfi/failwatch/internal/audit"
	"github.com/hfi/failwatch/pkg/storage"
	"github.com/hfi/failwatch/pkg/tracker"
)

// Tracker is the subset of *tracker.Tracker the API serves
type Tracker interface {
	IsBlocked(ctx context.Context, identifier string) (bool, error)
	ReportFailure(ctx context.Context, identifier string) (tracker.Outcome, error)
	Rehabilitate(ctx context.Context, identifier string) error
	RemainingWatchlistTime(ctx context.Context, identifier string) (time.Duration, bool, error)
	RemainingBlacklistTime(ctx context.Context, identifier string) (time.Duration, bool, error)
}

// BlockedResponse is returned by GET /v1/identifiers/{id}/blocked
type BlockedResponse struct {
	Identifier string `json:"identifier"`
	Blocked    bool   `json:"blocked"`
}

// FailureResponse is returned by POST /v1/identifiers/{id}/failures
type FailureResponse struct {
	Identifier string `json:"identifier"`
	State      string `json:"state"`
	Count      int64  `json:"count"`
}

// TTLResponse is returned by GET /v1/identifiers/{id}/ttl. A nil field means
// the identifier is not on that list.
type TTLResponse struct {
	Identifier       string   `json:"identifier"`
	WatchlistSeconds *float64 `json:"watchlist_seconds"`
	BlacklistSeconds *float64 `json:"blacklist_seconds"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// API exposes the tracker over HTTP
type API struct {
	tracker Tracker
	logger  zerolog.Logger
}

// NewAPI creates the decision API
func NewAPI(t Tracker, logger zerolog.Logger) *API {
	return &API{tracker: t, logger: logger}
}

// Register mounts the API routes on the router
func (a *API) Register(r chi.Router) {
	r.Route("/v1/identifiers/{id}", func(r chi.Router) {
		r.Get("/blocked", a.handleBlocked)
		r.Post("/failures", a.handleFailure)
		r.Get("/ttl", a.handleTTL)
		r.Delete("/", a.handleRehabilitate)
	})
}

// identifier returns the decoded {id} path parameter
func identifier(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return raw
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func (a *API) handleBlocked(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	blocked, err := a.tracker.IsBlocked(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BlockedResponse{Identifier: id, Blocked: blocked})
}

func (a *API) handleFailure(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	outcome, err := a.tracker.ReportFailure(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FailureResponse{
		Identifier: id,
		State:      outcome.State.String(),
		Count:      outcome.Count,
	})
}

func (a *API) handleRehabilitate(w http.ResponseWriter, r *http.Request) {
	if err := a.tracker.Rehabilitate(r.Context(), identifier(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTTL(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	resp := TTLResponse{Identifier: id}

	watch, found, err := a.tracker.RemainingWatchlistTime(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if found {
		resp.WatchlistSeconds = seconds(watch)
	}

	block, found, err := a.tracker.RemainingBlacklistTime(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if found {
		resp.BlacklistSeconds = seconds(block)
	}

	writeJSON(w, http.StatusOK, resp)
}

func seconds(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}

// StatusFor maps a tracker error to an HTTP status code
func StatusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput):
		return http.StatusBadRequest
	case !storage.IsBackendError(err):
		return http.StatusInternalServerError
	case storage.Class(err) == "protocol":
		return http.StatusBadGateway
	default:
		// unavailable or auth
		return http.StatusServiceUnavailable
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	requestID := audit.RequestIDFrom(r.Context())

	msg := http.StatusText(code)
	if code == http.StatusBadRequest {
		msg = err.Error()
	} else {
		a.logger.Error().
			Err(err).
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", code).
			Msg("tracker request failed")
	}

	writeJSON(w, code, ErrorResponse{Error: msg, RequestID: requestID})
}
