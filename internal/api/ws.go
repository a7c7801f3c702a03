package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/auth"
	"github.com/arkeep-io/parley/internal/relay"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
//
// The bearer token is read from the Authorization header, or from the
// `token` query parameter for browsers, whose WebSocket API cannot set
// headers. Invalid tokens get a 401 before the upgrade, which clients treat
// as a terminal rejection.
//
// Topics are not declared at connect time: clients send SUBSCRIBE frames
// after the upgrade and the relay checks each one against the claims.
type WSHandler struct {
	hub     *relay.Hub
	jwtMgr  *auth.JWTManager
	origins map[string]struct{}
	logger  *zap.Logger
}

// NewWSHandler creates a WSHandler. An empty allowedOrigins accepts every
// origin.
func NewWSHandler(hub *relay.Hub, jwtMgr *auth.JWTManager, allowedOrigins []string, logger *zap.Logger) *WSHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return &WSHandler{
		hub:     hub,
		jwtMgr:  jwtMgr,
		origins: origins,
		logger:  logger.Named("ws_handler"),
	}
}

// ServeWS authenticates, upgrades, and blocks until the connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r.Header.Get("Origin")) {
		h.logger.Warn("rejected origin", zap.String("origin", r.Header.Get("Origin")))
		ErrOriginNotAllowed(w)
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		ErrUnauthorized(w)
		return
	}
	claims, err := h.jwtMgr.ValidateToken(token)
	if err != nil {
		h.logger.Debug("rejected token", zap.Error(err))
		ErrUnauthorized(w)
		return
	}

	client, err := relay.NewClient(h.hub, w, r, claims, h.logger)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("username", claims.Username), zap.Error(err))
		return
	}

	h.logger.Info("client connected",
		zap.String("username", claims.Username),
		zap.String("role", claims.Role),
		zap.String("remote_addr", r.RemoteAddr),
	)

	client.Run()

	h.logger.Info("client disconnected",
		zap.String("username", claims.Username),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

func (h *WSHandler) originAllowed(origin string) bool {
	if len(h.origins) == 0 {
		return true
	}
	_, ok := h.origins[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}
