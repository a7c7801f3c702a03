package api

import (
	"net/http"
	"time"

	"github.com/arkeep-io/parley/internal/relay"
)

// meResponse is the body of GET /api/v1/me.
type meResponse struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetMe handles GET /api/v1/me and echoes the identity behind the token.
func GetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	resp := meResponse{Username: claims.Username, Role: claims.Role}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	Ok(w, resp)
}

// StatsHandler handles GET /api/v1/stats.
func StatsHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Ok(w, hub.Stats())
	}
}

// Healthz handles GET /healthz.
func Healthz(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]string{"status": "ok"})
}
