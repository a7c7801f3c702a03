package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/auth"
	"github.com/arkeep-io/parley/internal/cache"
	"github.com/arkeep-io/parley/internal/chat"
	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/store"
)

func openClient(t *testing.T, r *testRelay, username, role string) (*chat.Service, <-chan message.Message) {
	t.Helper()
	svc := chat.New(chat.Config{}, &connection.WebsocketDialer{URL: r.wsURL}, store.NewMemoryStore(), nil, zap.NewNop())
	t.Cleanup(svc.Close)

	inbox := make(chan message.Message, 16)
	svc.OnMessage(func(m message.Message) { inbox <- m })

	require.NoError(t, svc.Open(context.Background(), r.token(t, username, role), username))
	return svc, inbox
}

func receive(t *testing.T, inbox <-chan message.Message) message.Message {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return message.Message{}
}

func TestEndToEnd_PrivateAndBroadcast(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	alice, aliceInbox := openClient(t, r, "alice", auth.RoleUser)
	root, rootInbox := openClient(t, r, "root", auth.RoleAdmin)

	// private.alice, private.root and admin.broadcast.
	require.Eventually(t, func() bool { return r.hub.Stats().Topics == 3 }, 3*time.Second, 5*time.Millisecond)

	sent, err := root.SendPrivate(ctx, "alice", "hello <b>alice</b>")
	require.NoError(t, err)
	assert.Equal(t, "hello alice", sent.Content)

	got := receive(t, aliceInbox)
	assert.Equal(t, "root", got.Sender)
	assert.Equal(t, "hello alice", got.Content)
	assert.Equal(t, message.TypePrivate, got.Type)

	counts, err := alice.UnreadCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[cache.Key]int{cache.PrivateKey("alice", "root"): 1}, counts)

	echo, err := root.History(ctx, root.PrivateConversation("alice"))
	require.NoError(t, err)
	require.Len(t, echo, 1)
	assert.True(t, echo[0].Read)

	_, err = alice.SendPrivate(ctx, "root", "hi root")
	require.NoError(t, err)
	got = receive(t, rootInbox)
	assert.Equal(t, "alice", got.Sender)

	require.NoError(t, root.SendBroadcast(ctx, "maintenance at 18:00"))
	for _, inbox := range []<-chan message.Message{aliceInbox, rootInbox} {
		got := receive(t, inbox)
		assert.Equal(t, message.TypeBroadcast, got.Type)
		assert.Equal(t, "root", got.Sender)
	}

	history, err := root.History(ctx, root.BroadcastConversation())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Read, "own broadcast is never unread")

	history, err = alice.History(ctx, alice.BroadcastConversation())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Read)
}

func TestEndToEnd_RejectedBroadcastKeepsConnection(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	alice, aliceInbox := openClient(t, r, "alice", auth.RoleUser)
	var states []connection.State
	statec := make(chan connection.State, 16)
	alice.OnConnectionChange(func(s connection.Status) { statec <- s.State })
	require.Eventually(t, func() bool { return r.hub.Stats().Topics == 2 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.SendBroadcast(ctx, "not allowed"))

	// A private note to self is routed after the rejection on the same socket.
	_, err := alice.SendPrivate(ctx, "alice", "note to self")
	require.NoError(t, err)
	got := receive(t, aliceInbox)
	assert.Equal(t, "note to self", got.Content)

	for drained := false; !drained; {
		select {
		case s := <-statec:
			states = append(states, s)
		default:
			drained = true
		}
	}
	assert.Empty(t, states)
	assert.Equal(t, connection.StateConnected, alice.Status().State)
	assert.Equal(t, 1, r.hub.ConnectedCount())
}

func TestEndToEnd_RejectedToken(t *testing.T) {
	r := newTestRelay(t)
	svc := chat.New(chat.Config{}, &connection.WebsocketDialer{URL: r.wsURL}, store.NewMemoryStore(), nil, zap.NewNop())
	t.Cleanup(svc.Close)

	err := svc.Open(context.Background(), "not-a-token", "alice")
	assert.ErrorIs(t, err, connection.ErrAuthRejected)
	assert.Equal(t, connection.StateDisconnected, svc.Status().State)
}
