package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Records(t *testing.T) {
	c := NewClient()

	c.SetState(2)
	c.ReconnectAttempt()
	c.ReconnectAttempt()
	c.Received("PRIVATE")
	c.Dropped("malformed")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.state))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.received.WithLabelValues("PRIVATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped.WithLabelValues("malformed")))
}

func TestNilReceivers(t *testing.T) {
	var c *Client
	var r *Relay
	assert.NotPanics(t, func() {
		c.SetState(1)
		c.ReconnectAttempt()
		c.Received("PRIVATE")
		c.Sent("BROADCAST")
		c.Dropped("x")
		r.SetConnected(3)
		r.Published("PRIVATE")
		r.Rejected("forbidden")
	})
}

func TestRelay_Handler(t *testing.T) {
	r := NewRelay()
	r.SetConnected(4)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "parley_relay_connected_clients 4")
}
