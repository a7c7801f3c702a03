package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arkeep-io/parley/internal/protocol"
)

const (
	// writeWait is the time allowed to write a single frame to the relay.
	writeWait = 10 * time.Second

	// pongWait bounds the silence tolerated from the relay. The relay pings
	// every 54s, so a healthy connection always refreshes the deadline first.
	pongWait = 60 * time.Second

	// maxFrameSize is the maximum inbound frame accepted from the relay.
	maxFrameSize = 64 * 1024

	// closeWait bounds the close handshake frame sent by Close.
	closeWait = time.Second
)

// Conn is one established transport session carrying protocol frames.
//
// ReadFrame is called from a single goroutine. WriteFrame may be called
// concurrently with ReadFrame and with itself. Close unblocks a pending
// ReadFrame.
//
// ReadFrame returns a *protocol.DecodeError for a frame that could not be
// parsed. Any other error means the transport is gone.
type Conn interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(f protocol.Frame) error
	Close() error
}

// Dialer opens a transport session authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the relay's WebSocket endpoint. The bearer token is
// presented in the Authorization header of the upgrade request.
type WebsocketDialer struct {
	// URL is the relay endpoint, e.g. "ws://localhost:8080/api/v1/ws".
	URL string

	// Origin is sent on the upgrade request. The relay rejects origins that
	// are not on its allowlist. Defaults to OriginFor(URL).
	Origin string

	// HandshakeTimeout bounds the upgrade request. Defaults to 10s.
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	origin := d.Origin
	if origin == "" {
		origin = OriginFor(d.URL)
	}
	if origin != "" {
		header.Set("Origin", origin)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		// The response body does not need to be closed on a failed handshake.
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("connection: dial %s: %w", d.URL, err)
	}
	return newWSConn(ws), nil
}

// OriginFor derives the HTTP origin matching a ws:// or wss:// endpoint.
// Returns "" when rawURL cannot be parsed.
func OriginFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// wsConn adapts a gorilla connection to Conn. gorilla allows one concurrent
// writer, so WriteFrame is serialized by writeMu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return &wsConn{conn: ws}
}

func (c *wsConn) ReadFrame() (protocol.Frame, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

func (c *wsConn) WriteFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. It does not take writeMu:
// WriteControl may run concurrently with a WriteFrame, so a stalled write
// delays Close by at most closeWait.
func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	return c.conn.Close()
}
