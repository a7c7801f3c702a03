package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/auth"
	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/protocol"
)

// startRelay serves the hub without JWT checks: the bearer token is
// "<username>:<role>".
func startRelay(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(metrics.NewRelay(), zap.NewNop())
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, role, _ := strings.Cut(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), ":")
		c, err := NewClient(h, w, r, &auth.Claims{Username: user, Role: role}, zap.NewNop())
		if err != nil {
			return
		}
		c.Run()
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, url, identity string) connection.Conn {
	t.Helper()
	d := &connection.WebsocketDialer{URL: url}
	conn, err := d.Dial(context.Background(), identity)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn connection.Conn) protocol.Frame {
	t.Helper()
	type result struct {
		f   protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.Frame{}
}

func waitSubscribers(t *testing.T, h *Hub, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.topics[topic]) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, conn connection.Conn, dest string, env message.Envelope) {
	t.Helper()
	f, err := protocol.Send(dest, env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(f))
}

func envelopeOf(t *testing.T, f protocol.Frame) message.Envelope {
	t.Helper()
	var env message.Envelope
	require.NoError(t, json.Unmarshal(f.Body, &env))
	return env
}

func TestRelay_PrivateMessageRewritesAuthor(t *testing.T) {
	h, url, _ := startRelay(t)
	alice := dial(t, url, "alice:user")
	bob := dial(t, url, "bob:user")

	require.NoError(t, alice.WriteFrame(protocol.Subscribe("sub-a", "private.alice")))
	waitSubscribers(t, h, "private.alice", 1)

	send(t, bob, "chat.private.alice", message.Envelope{Content: "hi", From: "mallory", Sender: "eve"})

	f := next(t, alice)
	assert.Equal(t, protocol.CmdMessage, f.Command)
	assert.Equal(t, "sub-a", f.ID)
	assert.Equal(t, "private.alice", f.Destination)

	env := envelopeOf(t, f)
	assert.Equal(t, "hi", env.Content)
	assert.Equal(t, "bob", env.From)
	assert.Empty(t, env.Sender)
	assert.Equal(t, message.TypePrivate, env.Type)
	assert.Equal(t, "2026-01-02T03:04:05Z", env.Timestamp)
}

func TestRelay_KeepsValidTimestamp(t *testing.T) {
	h, url, _ := startRelay(t)
	alice := dial(t, url, "alice:user")
	require.NoError(t, alice.WriteFrame(protocol.Subscribe("s", "private.alice")))
	waitSubscribers(t, h, "private.alice", 1)

	send(t, alice, "chat.private.alice", message.Envelope{Content: "note to self", Timestamp: "2025-05-05T10:00:00Z"})
	assert.Equal(t, "2025-05-05T10:00:00Z", envelopeOf(t, next(t, alice)).Timestamp)
}

func TestRelay_ForbiddenTopic(t *testing.T) {
	_, url, _ := startRelay(t)
	bob := dial(t, url, "bob:user")

	require.NoError(t, bob.WriteFrame(protocol.Subscribe("s", "private.alice")))
	f := next(t, bob)
	assert.Equal(t, protocol.CmdError, f.Command)
	assert.Equal(t, "forbidden topic private.alice", f.Message)
}

func TestRelay_BroadcastIsAdminOnly(t *testing.T) {
	h, url, _ := startRelay(t)
	root := dial(t, url, "root:admin")
	alice := dial(t, url, "alice:user")

	require.NoError(t, root.WriteFrame(protocol.Subscribe("r", protocol.BroadcastTopic)))
	require.NoError(t, alice.WriteFrame(protocol.Subscribe("a", protocol.BroadcastTopic)))
	waitSubscribers(t, h, protocol.BroadcastTopic, 2)

	send(t, alice, protocol.BroadcastDestination, message.Envelope{Content: "everyone!"})
	f := next(t, alice)
	assert.Equal(t, protocol.CmdError, f.Command)
	assert.Equal(t, "only admins may broadcast", f.Message)

	send(t, root, protocol.BroadcastDestination, message.Envelope{Content: "maintenance", From: "x"})
	for _, c := range []struct {
		conn connection.Conn
		id   string
	}{{root, "r"}, {alice, "a"}} {
		f := next(t, c.conn)
		assert.Equal(t, c.id, f.ID)
		env := envelopeOf(t, f)
		assert.Equal(t, "root", env.Sender)
		assert.Empty(t, env.From)
		assert.Equal(t, message.TypeBroadcast, env.Type)
	}
}

func TestRelay_UnsubscribeStopsDelivery(t *testing.T) {
	h, url, _ := startRelay(t)
	alice := dial(t, url, "alice:user")
	bob := dial(t, url, "bob:user")

	require.NoError(t, alice.WriteFrame(protocol.Subscribe("old", "private.alice")))
	waitSubscribers(t, h, "private.alice", 1)
	require.NoError(t, alice.WriteFrame(protocol.Unsubscribe("old")))
	waitSubscribers(t, h, "private.alice", 0)

	// bob's frames are applied in order, so once bob sees his own note the
	// earlier send to alice has been routed.
	require.NoError(t, bob.WriteFrame(protocol.Subscribe("b", "private.bob")))
	waitSubscribers(t, h, "private.bob", 1)
	send(t, bob, "chat.private.alice", message.Envelope{Content: "lost"})
	send(t, bob, "chat.private.bob", message.Envelope{Content: "sync"})
	assert.Equal(t, "sync", envelopeOf(t, next(t, bob)).Content)

	require.NoError(t, alice.WriteFrame(protocol.Subscribe("new", "private.alice")))
	waitSubscribers(t, h, "private.alice", 1)
	send(t, bob, "chat.private.alice", message.Envelope{Content: "found"})

	f := next(t, alice)
	assert.Equal(t, "new", f.ID)
	assert.Equal(t, "found", envelopeOf(t, f).Content)
}

func TestRelay_RejectsBadFrames(t *testing.T) {
	_, url, _ := startRelay(t)
	alice := dial(t, url, "alice:user")

	cases := []struct {
		frame protocol.Frame
		want  string
	}{
		{protocol.Subscribe("", "private.alice"), "subscribe requires an id and a destination"},
		{protocol.Unsubscribe(""), "unsubscribe requires an id"},
		{protocol.Frame{Command: protocol.CmdSend, Destination: "chat.private.bob"}, "send body must be a message object"},
		{protocol.Frame{Command: protocol.CmdSend, Destination: "chat.private.bob", Body: json.RawMessage(`{"content":"  "}`)}, "message content is empty"},
		{protocol.Frame{Command: protocol.CmdSend, Destination: "elsewhere", Body: json.RawMessage(`{"content":"x"}`)}, "unknown destination elsewhere"},
	}
	for _, tc := range cases {
		require.NoError(t, alice.WriteFrame(tc.frame))
		f := next(t, alice)
		assert.Equal(t, protocol.CmdError, f.Command)
		assert.Equal(t, tc.want, f.Message)
	}

	// Rejections leave the connection usable.
	require.NoError(t, alice.WriteFrame(protocol.Subscribe("sub-a", "private.alice")))
	send(t, alice, "chat.private.alice", message.Envelope{Content: "still here"})
	assert.Equal(t, "still here", envelopeOf(t, next(t, alice)).Content)
}

func TestRelay_ProtocolViolationClosesConnection(t *testing.T) {
	cases := map[string]struct {
		frame protocol.Frame
		want  string
	}{
		"unknown command":    {protocol.Frame{Command: "BOGUS"}, "malformed frame"},
		"relay-only command": {protocol.Frame{Command: protocol.CmdMessage}, "unexpected command MESSAGE"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h, url, _ := startRelay(t)
			alice := dial(t, url, "alice:user")
			require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, alice.WriteFrame(tc.frame))
			f := next(t, alice)
			assert.Equal(t, protocol.CmdError, f.Command)
			assert.Equal(t, tc.want, f.Message)

			_, err := alice.ReadFrame()
			assert.Error(t, err)
			require.Eventually(t, func() bool { return h.ConnectedCount() == 0 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h, url, cancel := startRelay(t)
	alice := dial(t, url, "alice:user")
	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := alice.ReadFrame()
		errc <- err
	}()
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on shutdown")
	}

	<-h.stopped
	assert.ErrorIs(t, h.Register(newClient(h, nil, "late", false, zap.NewNop())), ErrHubStopped)
	assert.Equal(t, 0, h.ConnectedCount())
}

func TestHub_Stats(t *testing.T) {
	h, url, _ := startRelay(t)
	dial(t, url, "bob:user")
	dial(t, url, "alice:user")
	dial(t, url, "alice:user")
	require.Eventually(t, func() bool { return h.ConnectedCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	s := h.Stats()
	assert.Equal(t, 3, s.Clients)
	assert.Equal(t, []string{"alice", "bob"}, s.Users)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := newClient(h, nil, "alice", false, zap.NewNop())
	require.NoError(t, h.Register(c))
	require.True(t, h.subscribe(c, "s", "private.alice"))

	for i := 0; i < sendBufferSize; i++ {
		require.Equal(t, 1, h.Publish("private.alice", json.RawMessage(`{}`)))
	}
	assert.Equal(t, 0, h.Publish("private.alice", json.RawMessage(`{}`)))
	require.Eventually(t, func() bool { return h.ConnectedCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.subscribe(c, "s2", "private.alice"))
}
