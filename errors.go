package keyshift

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned when a key or its data is absent where presence
	// was required. Lookups that commonly miss report absence as a result
	// value instead.
	ErrNotFound = errors.New("keyshift: not found")

	// ErrProtocol is returned when a peer response matches none of the
	// expected shapes, or a forward chain cannot be resolved. It aborts the
	// migration attempt in progress.
	ErrProtocol = errors.New("keyshift: protocol error")

	// ErrValidation is returned when a finalize request lacks its token or
	// forward target. Nothing is mutated.
	ErrValidation = errors.New("keyshift: validation error")

	// ErrConfiguration is returned when no peer client accepts a URI.
	ErrConfiguration = errors.New("keyshift: configuration error")
)

// StatusCode maps an error to the HTTP status reported to callers.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
