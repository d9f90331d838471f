package auth

import "errors"

var (
	// ErrUnauthenticated is returned when a request carries no usable credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid verifier configuration.
	ErrConfig = errors.New("invalid auth config")
)
