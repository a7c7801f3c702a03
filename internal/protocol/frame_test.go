package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Message(t *testing.T) {
	f, err := Decode([]byte(`{"command":"MESSAGE","id":"s1","destination":"private.alice","body":{"from":"carol","content":"hello"}}`))
	require.NoError(t, err)

	assert.Equal(t, CmdMessage, f.Command)
	assert.Equal(t, "s1", f.ID)
	assert.Equal(t, "private.alice", f.Destination)
	assert.JSONEq(t, `{"from":"carol","content":"hello"}`, string(f.Body))
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"command":"CONNECT"}`, `{}`} {
		_, err := Decode([]byte(raw))
		var de *DecodeError
		assert.True(t, errors.As(err, &de), "input %q", raw)
	}
}

func TestSend_MarshalsBody(t *testing.T) {
	f, err := Send(PrivateDestination("bob"), map[string]string{"from": "alice", "content": "hi"})
	require.NoError(t, err)

	data, err := Encode(f)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, CmdSend, back.Command)
	assert.Equal(t, "chat.private.bob", back.Destination)
	assert.JSONEq(t, `{"from":"alice","content":"hi"}`, string(back.Body))
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "private.alice", PrivateTopic("alice"))
	assert.Equal(t, "chat.private.bob", PrivateDestination("bob"))

	u, ok := ParsePrivateTopic("private.alice")
	assert.True(t, ok)
	assert.Equal(t, "alice", u)

	u, ok = ParsePrivateDestination("chat.private.j.doe")
	assert.True(t, ok)
	assert.Equal(t, "j.doe", u)

	_, ok = ParsePrivateDestination("chat.private.")
	assert.False(t, ok)
	_, ok = ParsePrivateTopic(BroadcastTopic)
	assert.False(t, ok)
}
