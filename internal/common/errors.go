package common

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrCapacity     = errors.New("capacity exceeded")
	ErrRateLimited  = errors.New("rate limited")
	ErrValidation   = errors.New("validation error")

	// ErrBackendUnavailable is fatal on the upload path and absorbed into
	// pending deletion on the release path.
	ErrBackendUnavailable = errors.New("content backend unavailable")
)

// ValidationError carries a client-facing message and matches ErrValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Code returns the stable wire code for err, used by both the HTTP and
// WebSocket surfaces.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrCapacity):
		return "CAPACITY"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrBackendUnavailable):
		return "BACKEND_UNAVAILABLE"
	default:
		return "SERVER_ERROR"
	}
}
