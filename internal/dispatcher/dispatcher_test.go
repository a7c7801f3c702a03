package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/cache"
	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/store"
)

type published struct {
	destination string
	body        []byte
}

type fakePublisher struct {
	err  error
	sent []published
}

func (p *fakePublisher) Publish(destination string, body any) error {
	if p.err != nil {
		return p.err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, published{destination: destination, body: raw})
	return nil
}

var sentAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newDispatcher(t *testing.T, p Publisher) (*Dispatcher, *cache.Cache) {
	t.Helper()
	c := cache.New(store.NewMemoryStore(), zap.NewNop())
	d := New(Config{MaxContentLength: 10}, p, c, nil, zap.NewNop())
	d.now = func() time.Time { return sentAt }
	return d, c
}

func TestSendPrivate_PublishesAndEchoes(t *testing.T) {
	ctx := context.Background()
	p := &fakePublisher{}
	d, c := newDispatcher(t, p)

	msg, err := d.SendPrivate(ctx, "bob", "  hi  ", "alice")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)

	require.Len(t, p.sent, 1)
	assert.Equal(t, "chat.private.bob", p.sent[0].destination)
	assert.JSONEq(t, `{"from":"alice","content":"hi","timestamp":"2026-03-01T09:30:00Z","type":"PRIVATE"}`, string(p.sent[0].body))

	msgs, err := c.Load(ctx, cache.PrivateKey("alice", "bob"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Message{
		Content: "hi", Sender: "alice", Timestamp: "2026-03-01T09:30:00Z", Type: message.TypePrivate, Read: true,
	}, msgs[0])
}

func TestSendBroadcast_NoLocalEcho(t *testing.T) {
	ctx := context.Background()
	p := &fakePublisher{}
	d, c := newDispatcher(t, p)

	require.NoError(t, d.SendBroadcast(ctx, "restart"))

	require.Len(t, p.sent, 1)
	assert.Equal(t, "chat.admin.broadcast", p.sent[0].destination)
	assert.JSONEq(t, `{"content":"restart","timestamp":"2026-03-01T09:30:00Z","type":"BROADCAST"}`, string(p.sent[0].body))

	convs, err := c.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSend_NotConnected(t *testing.T) {
	ctx := context.Background()
	d, c := newDispatcher(t, &fakePublisher{err: connection.ErrNotConnected})

	_, err := d.SendPrivate(ctx, "bob", "hi", "alice")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, d.SendBroadcast(ctx, "hi"), ErrNotConnected)

	msgs, err := c.Load(ctx, cache.PrivateKey("alice", "bob"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSend_Validation(t *testing.T) {
	ctx := context.Background()
	p := &fakePublisher{}
	d, _ := newDispatcher(t, p)

	_, err := d.SendPrivate(ctx, "bob", "   ", "alice")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = d.SendPrivate(ctx, "bob", "<b></b>", "alice")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = d.SendPrivate(ctx, "bob", strings.Repeat("é", 11), "alice")
	assert.ErrorIs(t, err, ErrContentTooLong)

	_, err = d.SendPrivate(ctx, "bob smith", "hi", "alice")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = d.SendPrivate(ctx, "", "hi", "alice")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = d.SendPrivate(ctx, "bob", "hi", "")
	assert.ErrorIs(t, err, ErrInvalidSender)

	assert.Empty(t, p.sent)
}

func TestSend_StripsMarkupKeepsText(t *testing.T) {
	p := &fakePublisher{}
	d, _ := newDispatcher(t, p)
	d.cfg.MaxContentLength = 100

	msg, err := d.SendPrivate(context.Background(), "bob", `<script>x</script>a < b & <i>c</i>`, "alice")
	require.NoError(t, err)
	assert.Equal(t, "a < b & c", msg.Content)
}
