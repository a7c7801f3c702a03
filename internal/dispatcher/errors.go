package dispatcher

import (
	"errors"

	"github.com/arkeep-io/parley/internal/connection"
)

var (
	// ErrNotConnected is returned synchronously when sending while the
	// connection is not live. Nothing is queued.
	ErrNotConnected = connection.ErrNotConnected

	ErrEmptyContent     = errors.New("dispatcher: empty content")
	ErrContentTooLong   = errors.New("dispatcher: content too long")
	ErrInvalidRecipient = errors.New("dispatcher: invalid recipient")
	ErrInvalidSender    = errors.New("dispatcher: invalid sender")
)
