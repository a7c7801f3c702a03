package connection

import "errors"

// Sentinel errors returned by the connection manager and the transport.
// Callers should use errors.Is for comparison.
var (
	// ErrNotConnected is returned when publishing while the manager is not
	// CONNECTED. Messages are never queued for later delivery.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrAuthRejected is returned when the server refuses the handshake
	// (HTTP 401/403) or no usable token is available. It is terminal: the
	// manager does not retry.
	ErrAuthRejected = errors.New("connection: authentication rejected")

	// ErrConnectionLost is surfaced once when the reconnect budget has been
	// exhausted. It wraps the error of the last attempt.
	ErrConnectionLost = errors.New("connection: connection lost")

	// ErrClosed is returned by Connect when Disconnect interrupted it.
	ErrClosed = errors.New("connection: closed")

	// ErrMissingToken is returned when Connect is called without a token.
	ErrMissingToken = errors.New("connection: missing token")

	// ErrMissingUsername is returned when Connect is called without a username.
	ErrMissingUsername = errors.New("connection: missing username")

	// ErrUserMismatch is returned when Connect is called for a different user
	// while a connection for another user is live.
	ErrUserMismatch = errors.New("connection: already connected as another user")
)
