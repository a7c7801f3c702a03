// Package chat assembles the client: connection manager, subscription
// router, message bus, conversation cache and outbound dispatcher behind one
// injectable Service.
//
// Inbound messages flow router -> bus. The service registers the first bus
// listener itself; it records every message in the conversation cache and
// raises a notification when the message lands unread. Application
// listeners registered afterwards therefore always observe a cache that
// already contains the message.
package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/arkeep-io/parley/internal/bus"
	"github.com/arkeep-io/parley/internal/cache"
	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/dispatcher"
	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/router"
	"github.com/arkeep-io/parley/internal/store"
)

// storeTimeout bounds cache writes made from the delivery path, which has
// no caller context.
const storeTimeout = 5 * time.Second

// Config groups the settings of the client components.
type Config struct {
	Connection connection.Config
	Dispatcher dispatcher.Config
}

// Service is one chat client session.
type Service struct {
	bus        *bus.Bus
	router     *router.Router
	manager    *connection.Manager
	cache      *cache.Cache
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// New wires a Service. dialer opens the transport and s holds conversation
// history. m may be nil.
func New(cfg Config, dialer connection.Dialer, s store.Store, m *metrics.Client, logger *zap.Logger) *Service {
	b := bus.New(logger)
	r := router.New(b, m, logger)
	mgr := connection.New(cfg.Connection, dialer, r, b, m, logger)
	c := cache.New(s, logger)

	svc := &Service{
		bus:        b,
		router:     r,
		manager:    mgr,
		cache:      c,
		dispatcher: dispatcher.New(cfg.Dispatcher, mgr, c, m, logger),
		logger:     logger.Named("chat"),
	}
	b.OnMessage(svc.record)
	return svc
}

// Open connects as username with a static bearer token.
func (s *Service) Open(ctx context.Context, token, username string) error {
	return s.manager.Connect(ctx, token, username)
}

// OpenWithTokenSource connects as username, asking ts for a token on every
// (re)connect.
func (s *Service) OpenWithTokenSource(ctx context.Context, ts oauth2.TokenSource, username string) error {
	return s.manager.ConnectWithTokenSource(ctx, ts, username)
}

// Close disconnects. Conversation history is kept.
func (s *Service) Close() {
	s.manager.Disconnect()
}

// Logout disconnects and deletes the conversation history of the user.
func (s *Service) Logout(ctx context.Context) error {
	username := s.manager.Username()
	s.manager.Disconnect()
	if username == "" {
		return nil
	}
	if err := s.cache.Clear(ctx, username); err != nil {
		return fmt.Errorf("chat: clear history: %w", err)
	}
	return nil
}

// Status returns the connection state.
func (s *Service) Status() connection.Status {
	return s.manager.Status()
}

// Username returns the user of the current or last connection.
func (s *Service) Username() string {
	return s.manager.Username()
}

// OnMessage registers a handler for every accepted inbound message.
func (s *Service) OnMessage(fn func(message.Message)) bus.Unsubscribe {
	return s.bus.OnMessage(fn)
}

// OnConnectionChange registers a handler for connection state transitions.
func (s *Service) OnConnectionChange(fn func(connection.Status)) bus.Unsubscribe {
	return s.bus.OnConnectionChange(fn)
}

// OnNotification registers a handler for messages that arrive unread.
func (s *Service) OnNotification(fn func(bus.Notification)) bus.Unsubscribe {
	return s.bus.OnNotification(fn)
}

// SendPrivate sends content to recipient as the connected user.
func (s *Service) SendPrivate(ctx context.Context, recipient, content string) (message.Message, error) {
	if !s.manager.Status().Connected() {
		return message.Message{}, dispatcher.ErrNotConnected
	}
	return s.dispatcher.SendPrivate(ctx, recipient, content, s.manager.Username())
}

// SendBroadcast sends content to every connected user. The relay only
// accepts it from admins.
func (s *Service) SendBroadcast(ctx context.Context, content string) error {
	return s.dispatcher.SendBroadcast(ctx, content)
}

// PrivateConversation returns the key of the conversation with counterpart.
func (s *Service) PrivateConversation(counterpart string) cache.Key {
	return cache.PrivateKey(s.manager.Username(), counterpart)
}

// BroadcastConversation returns the key of the broadcast conversation.
func (s *Service) BroadcastConversation() cache.Key {
	return cache.BroadcastKey(s.manager.Username())
}

// OpenConversation marks key as the conversation on screen: its history is
// marked read and returned, and new messages for it arrive read.
func (s *Service) OpenConversation(ctx context.Context, key cache.Key) ([]message.Message, error) {
	return s.cache.OpenConversation(ctx, key)
}

// CloseConversation clears the conversation on screen.
func (s *Service) CloseConversation() {
	s.cache.CloseConversation()
}

// History returns the stored messages of key, oldest first.
func (s *Service) History(ctx context.Context, key cache.Key) ([]message.Message, error) {
	return s.cache.Load(ctx, key)
}

// MarkRead marks the first upTo messages of key read.
func (s *Service) MarkRead(ctx context.Context, key cache.Key, upTo int) error {
	return s.cache.MarkRead(ctx, key, upTo)
}

// UnreadCounts returns the unread count per conversation of the user.
func (s *Service) UnreadCounts(ctx context.Context) (map[cache.Key]int, error) {
	return s.cache.UnreadCounts(ctx, s.manager.Username())
}

// record stores an inbound message and raises a notification when it is
// unread.
func (s *Service) record(m message.Message) {
	username := s.manager.Username()
	if username == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	key := cache.KeyFor(username, m)
	unread, err := s.cache.Append(ctx, key, m)
	if err != nil {
		s.logger.Error("failed to record message", zap.Stringer("conversation", key), zap.Error(err))
		return
	}
	if !unread {
		return
	}

	n, err := s.cache.UnreadCount(ctx, key)
	if err != nil {
		s.logger.Warn("failed to count unread messages", zap.Stringer("conversation", key), zap.Error(err))
	}
	s.bus.PublishNotification(bus.Notification{
		Counterpart: key.Label(),
		Message:     m,
		Unread:      n,
	})
}
