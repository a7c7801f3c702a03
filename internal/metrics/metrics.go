// Package metrics defines the Prometheus collectors exported by the chat
// client and the relay.
//
// Each instance owns its own registry instead of registering on the global
// default, so independent clients (and tests) never collide on metric names.
// All recording methods are safe on a nil receiver; components accept a nil
// *Client or *Relay when metrics are not wanted.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Client holds the collectors for one chat client process.
type Client struct {
	registry *prometheus.Registry

	state      prometheus.Gauge
	reconnects prometheus.Counter
	received   *prometheus.CounterVec
	sent       *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

// NewClient creates the client collectors and registers them on a fresh
// registry together with the Go runtime collectors.
func NewClient() *Client {
	c := &Client{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made after an unexpected transport drop.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "messages_received_total",
			Help:      "Inbound messages accepted by the subscription router.",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "messages_sent_total",
			Help:      "Outbound messages published by the dispatcher.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before reaching listeners.",
		}, []string{"reason"}),
	}

	c.registry.MustRegister(
		c.state, c.reconnects, c.received, c.sent, c.dropped,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler exposes the registry in the Prometheus text format.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Client) SetState(v int) {
	if c == nil {
		return
	}
	c.state.Set(float64(v))
}

func (c *Client) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Client) Received(msgType string) {
	if c == nil {
		return
	}
	c.received.WithLabelValues(msgType).Inc()
}

func (c *Client) Sent(msgType string) {
	if c == nil {
		return
	}
	c.sent.WithLabelValues(msgType).Inc()
}

// Dropped records a frame discarded for reason (e.g. "malformed",
// "stale_subscription", "invalid_message").
func (c *Client) Dropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

// Relay holds the collectors for the relay server.
type Relay struct {
	registry *prometheus.Registry

	connected prometheus.Gauge
	published *prometheus.CounterVec
	rejected  *prometheus.CounterVec
}

// NewRelay creates the relay collectors on a fresh registry.
func NewRelay() *Relay {
	r := &Relay{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "WebSocket clients currently registered with the hub.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_published_total",
			Help:      "Messages routed from a destination to a topic.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Client frames answered with an ERROR frame.",
		}, []string{"reason"}),
	}

	r.registry.MustRegister(
		r.connected, r.published, r.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler exposes the registry in the Prometheus text format.
func (r *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Relay) SetConnected(n int) {
	if r == nil {
		return
	}
	r.connected.Set(float64(n))
}

func (r *Relay) Published(msgType string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(msgType).Inc()
}

func (r *Relay) Rejected(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}
