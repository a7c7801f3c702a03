package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/auth"
	"github.com/arkeep-io/parley/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the relay waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize is the largest frame accepted from a client.
	maxFrameSize = 64 * 1024

	// sendBufferSize is the capacity of the per-client outbound queue.
	sendBufferSize = 64
)

// upgrader accepts every origin. The HTTP layer checks the Origin header
// against its allowlist before the upgrade is attempted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one authenticated WebSocket peer. It runs a readPump that
// applies inbound frames and a writePump that is the connection's only
// writer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is closed by the hub when the client is removed.
	send chan protocol.Frame

	// written is closed when writePump exits.
	written chan struct{}

	username string
	admin    bool

	// subs maps subscription id to topic. Guarded by hub.mu, as is closed.
	subs   map[string]string
	closed bool

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and binds it to the identity in
// claims. The upgrader writes the HTTP error response itself on failure.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, claims *auth.Claims, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newClient(hub, conn, claims.Username, claims.IsAdmin(), logger.With(zap.String("remote_addr", r.RemoteAddr))), nil
}

func newClient(hub *Hub, conn *websocket.Conn, username string, admin bool, logger *zap.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan protocol.Frame, sendBufferSize),
		written:  make(chan struct{}),
		username: username,
		admin:    admin,
		subs:     make(map[string]string),
		logger:   logger.With(zap.String("username", username)),
	}
}

// Run registers the client and pumps frames until the connection closes.
// It blocks, which is what the HTTP handler that performed the upgrade wants.
func (c *Client) Run() {
	if err := c.hub.Register(c); err != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	violated := false
	defer func() {
		c.hub.Unregister(c)
		if violated {
			// Let writePump flush the ERROR frame and the close message.
			select {
			case <-c.written:
			case <-time.After(writeWait):
			}
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.reject("malformed", "malformed frame")
			violated = true
			return
		}
		if !c.handle(f) {
			violated = true
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.written)
	}()

	for {
		select {
		case f, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := protocol.Encode(f)
			if err != nil {
				c.logger.Error("encode frame", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping error", zap.Error(err))
				return
			}
		}
	}
}
