// Package router subscribes a live connection to the user's topics and turns
// inbound MESSAGE frames into canonical messages.
//
// Every session subscribes to exactly two topics: the user's private topic
// and the broadcast topic. Frames are matched to a subscription by id; a
// frame whose id belongs to no live subscription is stale and is dropped.
// The message type is decided by the topic, never by the payload.
package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/protocol"
)

// Sink receives accepted messages.
type Sink interface {
	PublishMessage(m message.Message)
}

// Subscription is one live topic subscription.
type Subscription struct {
	ID    string
	Topic string
}

// Router implements connection.SessionHandler.
type Router struct {
	sink    Sink
	metrics *metrics.Client
	logger  *zap.Logger
	now     func() time.Time

	// mu protects conn and subs, which are replaced on every session.
	mu   sync.Mutex
	conn connection.Conn
	subs map[string]string // subscription id -> topic
}

// New creates a Router delivering to sink. m may be nil.
func New(sink Sink, m *metrics.Client, logger *zap.Logger) *Router {
	return &Router{
		sink:    sink,
		metrics: m,
		logger:  logger.Named("router"),
		now:     time.Now,
		subs:    make(map[string]string),
	}
}

// Established subscribes conn to the private topic of username and to the
// broadcast topic. Subscriptions left over from a previous session are torn
// down first so at most one subscription per topic is ever live.
func (r *Router) Established(conn connection.Conn, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teardownLocked()

	for _, topic := range []string{protocol.PrivateTopic(username), protocol.BroadcastTopic} {
		id := uuid.NewString()
		if err := conn.WriteFrame(protocol.Subscribe(id, topic)); err != nil {
			r.subs = make(map[string]string)
			return fmt.Errorf("router: subscribe %s: %w", topic, err)
		}
		r.subs[id] = topic
		r.logger.Debug("subscribed", zap.String("topic", topic), zap.String("subscription_id", id))
	}
	r.conn = conn
	return nil
}

// Closed forgets every subscription of the ended session.
func (r *Router) Closed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

// teardownLocked sends a best-effort UNSUBSCRIBE for every live
// subscription and clears them. The transport is usually already gone, so
// write errors are ignored.
func (r *Router) teardownLocked() {
	if r.conn != nil {
		for id := range r.subs {
			_ = r.conn.WriteFrame(protocol.Unsubscribe(id))
		}
	}
	r.conn = nil
	r.subs = make(map[string]string)
}

// HandleFrame routes one inbound frame.
func (r *Router) HandleFrame(f protocol.Frame) {
	if f.Command != protocol.CmdMessage {
		r.logger.Debug("ignoring frame", zap.String("command", string(f.Command)))
		return
	}

	r.mu.Lock()
	topic, ok := r.subs[f.ID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("dropping frame for stale subscription",
			zap.String("subscription_id", f.ID),
			zap.String("destination", f.Destination),
		)
		r.metrics.Dropped("stale_subscription")
		return
	}

	var env message.Envelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		r.logger.Warn("dropping frame with unparseable body", zap.String("topic", topic), zap.Error(err))
		r.metrics.Dropped("malformed")
		return
	}

	t := message.TypePrivate
	if topic == protocol.BroadcastTopic {
		t = message.TypeBroadcast
	}

	msg, err := env.Normalize(t, r.now())
	if err != nil {
		r.logger.Warn("dropping invalid message", zap.String("topic", topic), zap.Error(err))
		r.metrics.Dropped("invalid_message")
		return
	}

	r.metrics.Received(string(msg.Type))
	r.sink.PublishMessage(msg)
}

// Subscriptions returns the live subscriptions ordered by topic.
func (r *Router) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.subs))
	for id, topic := range r.subs {
		out = append(out, Subscription{ID: id, Topic: topic})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
