// Package errs contains the error taxonomy shared by the battle core, the HTTP surface and the client.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes. Every error returned by the core wraps exactly one of them.
var (
	// ErrValidation is bad input. Permanent.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is an unknown battle, room code or entry. Permanent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is a state clash such as a full room or a double match. Permanent.
	ErrConflict = errors.New("conflict")
	// ErrTransientNetwork is retryable.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrOpponentLeft is terminal for the battle.
	ErrOpponentLeft = errors.New("opponent left")
	// ErrState is an operation that is invalid for the current phase. Permanent.
	ErrState = errors.New("invalid state")
)

var (
	ErrRoomFull       = fmt.Errorf("room full: %w", ErrConflict)
	ErrAlreadyQueued  = fmt.Errorf("already queued: %w", ErrConflict)
	ErrAlreadyStarted = fmt.Errorf("already started: %w", ErrConflict)
	ErrNotYourTurn    = fmt.Errorf("not your turn: %w", ErrState)
)

// Validation builds a validation error with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// State builds a phase error with a formatted reason.
func State(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// Permanent reports whether retrying the same action can never succeed.
func Permanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrOpponentLeft),
		errors.Is(err, ErrState):
		return true
	}

	return false
}

// HTTPStatus maps an error class to the status written by the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrOpponentLeft):
		return http.StatusGone
	case errors.Is(err, ErrTransientNetwork):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus is the inverse of HTTPStatus used by clients. Server errors are treated as transient.
func FromHTTPStatus(code int, msg string) error {
	var class error
	switch {
	case code < 400:
		return nil
	case code == http.StatusBadRequest:
		class = ErrValidation
	case code == http.StatusNotFound:
		class = ErrNotFound
	case code == http.StatusConflict:
		class = ErrConflict
	case code == http.StatusUnprocessableEntity:
		class = ErrState
	case code == http.StatusGone:
		class = ErrOpponentLeft
	case code == http.StatusTooManyRequests, code >= 500:
		class = ErrTransientNetwork
	default:
		class = ErrValidation
	}

	if msg == "" {
		return class
	}

	return fmt.Errorf("%w: %s", class, msg)
}
