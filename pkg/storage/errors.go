package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend failures. Stores wrap the underlying client
// error with exactly one of these so callers can branch with errors.Is.
//
// A backend failure is never reported as an absent key.
var (
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrBackendAuthFailure   = errors.New("backend authentication failed")
	ErrBackendProtocolError = errors.New("backend protocol error")
)

// wrap tags err with a sentinel and the store operation that produced it.
func wrap(sentinel error, op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}

// IsBackendError reports whether err carries one of the backend sentinels.
func IsBackendError(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrBackendAuthFailure) ||
		errors.Is(err, ErrBackendProtocolError)
}

// Class returns a short label for the backend error class, used in metrics
// and logs. It returns "" for errors that are not backend errors.
func Class(err error) string {
	switch {
	case errors.Is(err, ErrBackendAuthFailure):
		return "auth"
	case errors.Is(err, ErrBackendProtocolError):
		return "protocol"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	default:
		return ""
	}
}
