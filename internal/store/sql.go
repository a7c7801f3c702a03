package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arkeep-io/parley/internal/db"
)

// SQLStore keeps a session in the cache_entries table.
type SQLStore struct {
	db      *gorm.DB
	session string
	owned   bool
}

// NewSQLStore uses an already opened database. Close does not close it.
func NewSQLStore(database *gorm.DB, sessionID string) (*SQLStore, error) {
	if sessionID == "" {
		return nil, errors.New("store: session id is required")
	}
	return &SQLStore{db: database, session: sessionID}, nil
}

// OpenSQL opens the database described by cfg, applying migrations, and
// scopes the store to sessionID. Close closes the database.
func OpenSQL(cfg db.Config, sessionID string) (*SQLStore, error) {
	database, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(database, sessionID)
	if err != nil {
		db.Close(database)
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry db.CacheEntry
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND key = ?", s.session, key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: sql get %s: %w", key, err)
	}
	return entry.Value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	entry := db.CacheEntry{
		SessionID: s.session,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("store: sql set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND key = ?", s.session, key).
		Delete(&db.CacheEntry{}).Error
	if err != nil {
		return fmt.Errorf("store: sql delete %s: %w", key, err)
	}
	return nil
}

// Keys filters by prefix in Go rather than with LIKE, which would need
// escaping rules that differ between SQLite and PostgreSQL.
func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	err := s.db.WithContext(ctx).
		Model(&db.CacheEntry{}).
		Where("session_id = ?", s.session).
		Pluck("key", &all).Error
	if err != nil {
		return nil, fmt.Errorf("store: sql keys: %w", err)
	}
	keys := all[:0]
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return db.Close(s.db)
}

// PurgeStale deletes other sessions with no write in olderThan. A session
// counts as active while any of its entries is recent.
func (s *SQLStore) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var stale []string
	err := s.db.WithContext(ctx).
		Model(&db.CacheEntry{}).
		Select("session_id").
		Where("session_id <> ?", s.session).
		Group("session_id").
		Having("MAX(updated_at) < ?", cutoff).
		Pluck("session_id", &stale).Error
	if err != nil {
		return 0, fmt.Errorf("store: sql find stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).
		Where("session_id IN ?", stale).
		Delete(&db.CacheEntry{}).Error
	if err != nil {
		return 0, fmt.Errorf("store: sql purge: %w", err)
	}
	return len(stale), nil
}
