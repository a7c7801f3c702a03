package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/api"
	"github.com/arkeep-io/parley/internal/auth"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/relay"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

type config struct {
	httpAddr       string
	dataDir        string
	issuer         string
	allowedOrigins string
	logLevel       string
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
		Use:   "parley-relay",
		Short: "parley relay: WebSocket topic router for parley clients",
		Long: `parley-relay accepts authenticated WebSocket connections from parley
clients and routes private messages and admin broadcasts between them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newTokenCmd(cfg))
	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("PARLEY_HTTP_ADDR", ":8080"), "HTTP listen address")
	f.StringVar(&cfg.dataDir, "data-dir", envOrDefault("PARLEY_DATA_DIR", "./data"), "Directory for relay data (RSA keys)")
	f.StringVar(&cfg.issuer, "issuer", envOrDefault("PARLEY_ISSUER", "parley"), "JWT issuer")
	f.StringVar(&cfg.allowedOrigins, "allowed-origins", envOrDefault("PARLEY_ALLOWED_ORIGINS", ""), "Comma-separated WebSocket origins (empty allows all)")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("PARLEY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newServeCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func newTokenCmd(cfg *config) *cobra.Command {
	var (
		username string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the relay key (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtMgr, err := auth.LoadOrGenerate(cfg.dataDir, cfg.issuer)
			if err != nil {
				return err
			}
			token, err := jwtMgr.GenerateToken(username, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "Username to issue the token for (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "Role: user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley-relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func serve(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jwtMgr, err := auth.LoadOrGenerate(cfg.dataDir, cfg.issuer)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	origins := splitList(cfg.allowedOrigins)
	if len(origins) == 0 {
		logger.Warn("no allowed origins configured, accepting WebSocket upgrades from any origin (set PARLEY_ALLOWED_ORIGINS in production)")
	}

	m := metrics.NewRelay()
	hub := relay.NewHub(m, logger)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr: cfg.httpAddr,
		Handler: api.NewRouter(api.RouterConfig{
			JWT:            jwtMgr,
			Hub:            hub,
			Metrics:        m,
			Logger:         logger,
			AllowedOrigins: origins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting parley relay",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("issuer", cfg.issuer),
		zap.Strings("allowed_origins", origins),
	)

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down parley relay")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	// Hijacked WebSocket connections are closed by the hub, which stops
	// with ctx.
	return srv.Shutdown(shutdownCtx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
