package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/auth"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/relay"
)

// RouterConfig holds the dependencies needed to build the HTTP router.
type RouterConfig struct {
	JWT     *auth.JWTManager
	Hub     *relay.Hub
	Metrics *metrics.Relay
	Logger  *zap.Logger

	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// means any origin.
	AllowedOrigins []string
}

// NewRouter builds the relay's chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { ErrNotFound(w) })

	r.Get("/healthz", Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	wsHandler := NewWSHandler(cfg.Hub, cfg.JWT, cfg.AllowedOrigins, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Authenticates itself so browsers can pass the token as a query
		// parameter.
		r.Get("/ws", wsHandler.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWT))

			r.Get("/me", GetMe)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(auth.RoleAdmin))
				r.Get("/stats", StatsHandler(cfg.Hub))
			})
		})
	})

	return r
}
