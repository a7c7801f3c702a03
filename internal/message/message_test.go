package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeNormalize_FromBecomesSender(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := Envelope{From: "carol", Content: "hello", Type: TypePrivate}.Normalize(TypePrivate, now)
	require.NoError(t, err)

	assert.Equal(t, "carol", msg.Sender)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, TypePrivate, msg.Type)
	assert.Equal(t, FormatTime(now), msg.Timestamp)
	assert.False(t, msg.Read)
}

func TestEnvelopeNormalize_SenderWinsOverFrom(t *testing.T) {
	msg, err := Envelope{Sender: "root", From: "mallory", Content: "x"}.Normalize(TypeBroadcast, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "root", msg.Sender)
}

func TestEnvelopeNormalize_TopicDecidesType(t *testing.T) {
	msg, err := Envelope{Sender: "root", Content: "x", Type: TypePrivate}.Normalize(TypeBroadcast, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TypeBroadcast, msg.Type)
}

func TestEnvelopeNormalize_KeepsTimestamp(t *testing.T) {
	msg, err := Envelope{Sender: "a", Content: "x", Timestamp: "2026-01-02T15:04:05Z"}.Normalize(TypePrivate, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T15:04:05Z", msg.Timestamp)
	assert.Equal(t, 2026, msg.Time().Year())
}

func TestEnvelopeNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{"missing content", Envelope{From: "carol"}, ErrMissingContent},
		{"blank content", Envelope{From: "carol", Content: "   "}, ErrMissingContent},
		{"no author", Envelope{Content: "hello"}, ErrMissingSender},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.env.Normalize(TypePrivate, time.Now())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMessageTime_Unparseable(t *testing.T) {
	assert.True(t, Message{Timestamp: "yesterday"}.Time().IsZero())
	assert.True(t, Message{}.Time().IsZero())
}
