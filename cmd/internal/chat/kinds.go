package chat

import (
	"context"
	"errors"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	ErrInvalidParticipants = errors.New("invalid_participants")
	ErrInvalidMessage      = errors.New("invalid_message")
	ErrNotFound            = errors.New("not_found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrUnavailable         = errors.New("unavailable")
)

var kinds = []error{
	ErrInvalidParticipants,
	ErrInvalidMessage,
	ErrNotFound,
	ErrForbidden,
	ErrConflict,
	ErrUnavailable,
}

// Codes for a request that ended with its context rather than with a domain outcome.
const (
	CodeCanceled = "canceled"
	CodeTimeout  = "timeout"
)

// Code returns the stable wire code for err, or "internal" when err carries no known kind.
// Context cancellation and deadlines get their own codes outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return "internal"
}

// IsContextDone reports whether err ended because its context was canceled or timed out.
func IsContextDone(err error) bool {
	c := Code(err)
	return c == CodeCanceled || c == CodeTimeout
}

// IsValidation reports whether err was caused by caller input rather than storage.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidParticipants) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden)
}
