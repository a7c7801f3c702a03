package connection_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/protocol"
)

// stalledRelay upgrades every request and never reads, so client writes
// eventually block on full socket buffers.
func stalledRelay(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketConn_CloseDoesNotWaitForStalledWrite(t *testing.T) {
	d := &connection.WebsocketDialer{URL: stalledRelay(t)}
	conn, err := d.Dial(context.Background(), "tok")
	require.NoError(t, err)

	big := protocol.Frame{
		Command:     protocol.CmdSend,
		Destination: "chat.private.bob",
		Body:        json.RawMessage(strconv.Quote(strings.Repeat("x", 64*1024))),
	}

	var lastWrite atomic.Int64
	lastWrite.Store(time.Now().UnixNano())
	go func() {
		for {
			if err := conn.WriteFrame(big); err != nil {
				return
			}
			lastWrite.Store(time.Now().UnixNano())
		}
	}()

	// Wait until a write has been stuck for a while.
	require.Eventually(t, func() bool {
		return time.Since(time.Unix(0, lastWrite.Load())) > 200*time.Millisecond
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	assert.NoError(t, conn.Close())
	assert.Less(t, time.Since(start), 3*time.Second)
}
