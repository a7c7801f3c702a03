package auth

import "errors"

// Sentinel errors returned by the token manager.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified,
	// or carries no username.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrInvalidRole is returned when a token is requested for an unknown role.
	ErrInvalidRole = errors.New("auth: invalid role")
)
