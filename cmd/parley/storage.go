package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/parley/internal/db"
	"github.com/arkeep-io/parley/internal/store"
)

const (
	storeMemory   = "memory"
	storeFile     = "file"
	storePebble   = "pebble"
	storeRedis    = "redis"
	storeSQLite   = db.DriverSQLite
	storePostgres = db.DriverPostgres
)

// openStore builds the conversation store selected by cfg.storeKind. When a
// secret is configured, every store except memory is sealed with it.
func openStore(ctx context.Context, cfg *config, logger *zap.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)

	switch cfg.storeKind {
	case storeMemory, "":
		return store.NewMemoryStore(), nil
	case storeFile:
		st, err = store.NewFileStore(filepath.Join(cfg.dataDir, "sessions"), cfg.sessionID)
	case storePebble:
		st, err = store.OpenPebble(filepath.Join(cfg.dataDir, "pebble"), cfg.sessionID)
	case storeRedis:
		st, err = store.OpenRedis(ctx, store.RedisConfig{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			TTL:      cfg.sessionMaxAge,
		}, cfg.sessionID)
	case storeSQLite, storePostgres:
		dsn := cfg.dsn
		if dsn == "" && cfg.storeKind == storeSQLite {
			dsn = filepath.Join(cfg.dataDir, "parley.db")
		}
		level := gormlogger.Warn
		if cfg.logLevel == "debug" {
			level = gormlogger.Info
		}
		st, err = store.OpenSQL(db.Config{
			Driver:   cfg.storeKind,
			DSN:      dsn,
			Logger:   logger,
			LogLevel: level,
		}, cfg.sessionID)
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, file, pebble, redis, sqlite or postgres)", cfg.storeKind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.storeKind, err)
	}

	if cfg.secret == "" {
		return st, nil
	}
	sealed, err := store.NewSealed(st, []byte(cfg.secret), cfg.sessionID)
	if err != nil {
		st.Close()
		return nil, err
	}
	return sealed, nil
}
