package bus

import (
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
)

// Notification announces an unread message in a conversation the user does
// not have open.
type Notification struct {
	// Counterpart is the conversation the message belongs to: the sender
	// for a private message, the broadcast marker for a broadcast.
	Counterpart string
	Message     message.Message
	Unread      int
}

// Bus groups the message, connection and notification registries.
type Bus struct {
	messages      *Registry[message.Message]
	states        *Registry[connection.Status]
	notifications *Registry[Notification]
}

// New creates a Bus with empty registries.
func New(logger *zap.Logger) *Bus {
	logger = logger.Named("bus")
	return &Bus{
		messages:      NewRegistry[message.Message]("messages", logger),
		states:        NewRegistry[connection.Status]("connection", logger),
		notifications: NewRegistry[Notification]("notifications", logger),
	}
}

// OnMessage registers a handler for every accepted inbound message.
func (b *Bus) OnMessage(fn func(message.Message)) Unsubscribe {
	return b.messages.Register(fn)
}

// OnConnectionChange registers a handler for connection state transitions.
func (b *Bus) OnConnectionChange(fn func(connection.Status)) Unsubscribe {
	return b.states.Register(fn)
}

// OnNotification registers a handler for unread-message notifications.
func (b *Bus) OnNotification(fn func(Notification)) Unsubscribe {
	return b.notifications.Register(fn)
}

// PublishMessage delivers m to every message handler.
func (b *Bus) PublishMessage(m message.Message) {
	b.messages.Dispatch(m)
}

// PublishState implements connection.StateListener.
func (b *Bus) PublishState(s connection.Status) {
	b.states.Dispatch(s)
}

// PublishNotification delivers n to every notification handler.
func (b *Bus) PublishNotification(n Notification) {
	b.notifications.Dispatch(n)
}
