package message

import "errors"

// Sentinel errors returned when an envelope or stored entry is unusable.
// Callers should use errors.Is for comparison.
var (
	// ErrMissingContent is returned when a message has no visible content.
	ErrMissingContent = errors.New("message: missing content")

	// ErrMissingSender is returned when neither "sender" nor "from" is set.
	ErrMissingSender = errors.New("message: missing sender")
)
