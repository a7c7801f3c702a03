package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/chat"
	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/scheduler"
	"github.com/arkeep-io/parley/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	url       string
	token     string
	tokenFile string
	user      string
	logLevel  string

	storeKind     string
	dataDir       string
	dsn           string
	redisAddr     string
	redisPassword string
	sessionID     string
	secret        string

	sessionMaxAge time.Duration
	sweepInterval time.Duration
	maxAttempts   int
	metricsAddr   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "parley",
		Short: "parley: terminal chat client",
		Long: `parley connects to a parley relay over WebSocket, subscribes to your
private inbox and to admin broadcasts, and keeps a per-conversation log with
read/unread tracking for the duration of the session.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.url, "url", envOrDefault("PARLEY_URL", "ws://localhost:8080/api/v1/ws"), "Relay WebSocket endpoint")
	f.StringVar(&cfg.token, "token", envOrDefault("PARLEY_TOKEN", ""), "Bearer token")
	f.StringVar(&cfg.tokenFile, "token-file", envOrDefault("PARLEY_TOKEN_FILE", ""), "File holding the bearer token, re-read on every reconnect")
	f.StringVar(&cfg.user, "user", envOrDefault("PARLEY_USER", ""), "Username the token was issued for (required)")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("PARLEY_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")

	f.StringVar(&cfg.storeKind, "store", envOrDefault("PARLEY_STORE", storeMemory), "Conversation store (memory, file, pebble, redis, sqlite, postgres)")
	f.StringVar(&cfg.dataDir, "data-dir", envOrDefault("PARLEY_DATA_DIR", defaultDataDir()), "Directory for file, pebble and sqlite stores")
	f.StringVar(&cfg.dsn, "db-dsn", envOrDefault("PARLEY_DB_DSN", ""), "Database DSN (sqlite file path or postgres URL)")
	f.StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("PARLEY_REDIS_ADDR", "localhost:6379"), "Redis address for the redis store")
	f.StringVar(&cfg.redisPassword, "redis-password", envOrDefault("PARLEY_REDIS_PASSWORD", ""), "Redis password")
	f.StringVar(&cfg.sessionID, "session-id", envOrDefault("PARLEY_SESSION_ID", ""), "Session id scoping the store (default: random)")
	f.StringVar(&cfg.secret, "secret", envOrDefault("PARLEY_SECRET", ""), "Secret sealing persistent stores at rest (32+ bytes)")

	f.DurationVar(&cfg.sessionMaxAge, "session-max-age", durationEnvOrDefault("PARLEY_SESSION_MAX_AGE", 24*time.Hour), "Idle time after which abandoned sessions are purged")
	f.DurationVar(&cfg.sweepInterval, "sweep-interval", durationEnvOrDefault("PARLEY_SWEEP_INTERVAL", time.Hour), "How often abandoned sessions are purged (0 disables)")
	f.IntVar(&cfg.maxAttempts, "max-attempts", intEnvOrDefault("PARLEY_MAX_ATTEMPTS", 5), "Reconnect attempts before giving up")
	f.StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("PARLEY_METRICS_ADDR", ""), "Serve Prometheus metrics on this address (empty disables)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.user == "" {
		return errors.New("username is required: set --user or PARLEY_USER")
	}
	if cfg.token == "" && cfg.tokenFile == "" {
		return errors.New("a token is required: set --token, --token-file, PARLEY_TOKEN or PARLEY_TOKEN_FILE")
	}
	if cfg.sessionID == "" {
		cfg.sessionID = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Store ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("starting parley",
		zap.String("version", version),
		zap.String("url", cfg.url),
		zap.String("user", cfg.user),
		zap.String("store", cfg.storeKind),
		zap.String("session_id", cfg.sessionID),
	)

	// --- Sweeper ---
	if p, ok := st.(store.Purger); ok && cfg.sweepInterval > 0 {
		sweeper, err := scheduler.New(p, cfg.sweepInterval, cfg.sessionMaxAge, logger)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop() //nolint:errcheck
	}

	// --- Metrics ---
	m := metrics.NewClient()
	if cfg.metricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// --- Client ---
	svc := chat.New(chat.Config{
		Connection: connection.Config{MaxAttempts: cfg.maxAttempts},
	}, &connection.WebsocketDialer{URL: cfg.url}, st, m, logger)
	defer svc.Close()

	console := newREPL(svc, os.Stdout)
	svc.OnMessage(console.showMessage)
	svc.OnNotification(console.showNotification)
	svc.OnConnectionChange(console.showStatus)

	if cfg.tokenFile != "" {
		err = svc.OpenWithTokenSource(ctx, &fileTokenSource{path: cfg.tokenFile}, cfg.user)
	} else {
		err = svc.Open(ctx, cfg.token, cfg.user)
	}
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.url, err)
	}

	done := make(chan error, 1)
	go func() { done <- console.Run(ctx, os.Stdin) }()

	select {
	case err = <-done:
	case <-ctx.Done():
	}
	if errors.Is(err, errLogout) {
		logoutCtx, cancelLogout := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelLogout()
		return svc.Logout(logoutCtx)
	}
	return err
}

// defaultDataDir returns ~/.parley, or .parley when the home directory is
// unknown.
func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".parley")
	}
	return ".parley"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func durationEnvOrDefault(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func intEnvOrDefault(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}
