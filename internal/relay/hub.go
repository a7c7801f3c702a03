// Package relay implements the server side of the chat protocol: a topic hub
// that accepts SUBSCRIBE, UNSUBSCRIBE and SEND frames from authenticated
// WebSocket clients and fans SEND bodies out as MESSAGE frames.
//
// Routing:
//
//	chat.private.<user>    ->  private.<user>    any authenticated client
//	chat.admin.broadcast   ->  admin.broadcast   admin role only
//
// A client may only subscribe to its own private topic and to the broadcast
// topic. The relay rewrites the author of every SEND with the authenticated
// username, so a client cannot speak for someone else.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/protocol"
)

// ErrHubStopped is returned by Register once the hub's Run loop has exited.
var ErrHubStopped = errors.New("relay: hub stopped")

// Hub is the central pub/sub broker for relay clients.
//
// Registration and topic subscriptions are applied under mu. Removal of a
// client goes through the Run loop via the unregister channel, which is the
// only place a client's send channel is closed. Publish and deliver hold the
// read lock while doing non-blocking sends, so a send can never race with
// that close.
type Hub struct {
	clients map[*Client]struct{}

	// topics maps each topic to the clients holding at least one
	// subscription on it. The subscription ids live on the client.
	topics map[string]map[*Client]struct{}

	mu   sync.RWMutex
	done bool

	unregister chan *Client
	stopped    chan struct{}

	metrics *metrics.Relay
	logger  *zap.Logger
	now     func() time.Time
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(m *metrics.Relay, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		metrics:    m,
		logger:     logger.Named("relay"),
		now:        time.Now,
	}
}

// Run processes client removals until ctx is cancelled, then closes every
// connected client.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.metrics.SetConnected(len(h.clients))
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.remove(c)
			}
			h.done = true
			h.metrics.SetConnected(0)
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a client to the hub. It has no subscriptions yet.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHubStopped
	}
	h.clients[c] = struct{}{}
	h.metrics.SetConnected(len(h.clients))
	return nil
}

// Unregister schedules removal of c from the hub and all of its topics.
// It is safe to call more than once and after the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c)
	for _, topic := range c.subs {
		h.detach(c, topic)
	}
	c.subs = nil
	close(c.send)
}

// detach must be called with mu held.
func (h *Hub) detach(c *Client, topic string) {
	delete(h.topics[topic], c)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

// subscribe records subscription id on topic for c. Reusing an id moves it
// to the new topic.
func (h *Hub) subscribe(c *Client, id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false
	}
	if old, ok := c.subs[id]; ok {
		if old == topic {
			return true
		}
		h.unsubscribeLocked(c, id)
	}
	c.subs[id] = topic
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	return true
}

// unsubscribe removes subscription id from c. Unknown ids are ignored.
func (h *Hub) unsubscribe(c *Client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.closed {
		h.unsubscribeLocked(c, id)
	}
}

func (h *Hub) unsubscribeLocked(c *Client, id string) {
	topic, ok := c.subs[id]
	if !ok {
		return
	}
	delete(c.subs, id)
	for _, t := range c.subs {
		if t == topic {
			return
		}
	}
	h.detach(c, topic)
}

// Publish sends body as a MESSAGE frame to every subscription on topic and
// returns the number of frames queued. Clients whose send buffer is full are
// disconnected so a slow consumer cannot stall the others.
func (h *Hub) Publish(topic string, body json.RawMessage) int {
	var slow []*Client
	queued := 0

	h.mu.RLock()
	for c := range h.topics[topic] {
		for id, t := range c.subs {
			if t != topic {
				continue
			}
			select {
			case c.send <- protocol.Frame{Command: protocol.CmdMessage, ID: id, Destination: topic, Body: body}:
				queued++
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", zap.String("username", c.username))
		h.Unregister(c)
	}
	return queued
}

// deliver queues a single frame for c.
func (h *Hub) deliver(c *Client, f protocol.Frame) bool {
	h.mu.RLock()
	if c.closed {
		h.mu.RUnlock()
		return false
	}
	select {
	case c.send <- f:
		h.mu.RUnlock()
		return true
	default:
		h.mu.RUnlock()
		h.Unregister(c)
		return false
	}
}

// ConnectedCount returns the number of registered clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats is a point-in-time view of the hub for the admin API.
type Stats struct {
	Clients int      `json:"clients"`
	Topics  int      `json:"topics"`
	Users   []string `json:"users"`
}

// Stats returns a snapshot of the hub. Users is sorted and deduplicated.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	seen := make(map[string]struct{}, len(h.clients))
	for c := range h.clients {
		seen[c.username] = struct{}{}
	}
	s := Stats{Clients: len(h.clients), Topics: len(h.topics), Users: make([]string, 0, len(seen))}
	h.mu.RUnlock()

	for u := range seen {
		s.Users = append(s.Users, u)
	}
	sort.Strings(s.Users)
	return s
}
