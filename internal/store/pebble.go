package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble/v2"
)

// Pebble key layout:
//
//	s/<session>/<key>   value bytes
//	t/<session>         last write, 8-byte big-endian unix seconds
const (
	pebbleDataPrefix  = "s/"
	pebbleTouchPrefix = "t/"
)

// PebbleStore keeps every session in one embedded Pebble database.
type PebbleStore struct {
	db      *pebble.DB
	session string
	prefix  []byte
}

// OpenPebble opens (creating if needed) the database at dir, scoped to
// sessionID.
func OpenPebble(dir, sessionID string) (*PebbleStore, error) {
	if sessionID == "" || strings.Contains(sessionID, "/") {
		return nil, fmt.Errorf("store: invalid session id %q", sessionID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create pebble dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble: %w", err)
	}
	return &PebbleStore{
		db:      db,
		session: sessionID,
		prefix:  []byte(pebbleDataPrefix + sessionID + "/"),
	}, nil
}

func (s *PebbleStore) dataKey(key string) []byte {
	return append(append([]byte(nil), s.prefix...), key...)
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, closer, err := s.db.Get(s.dataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: pebble get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), data...), nil
}

func (s *PebbleStore) Set(ctx context.Context, key string, value []byte) error {
	var ts [8]byte
	putUnix(ts[:], time.Now())

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(s.dataKey(key), value, nil); err != nil {
		return fmt.Errorf("store: pebble set %s: %w", key, err)
	}
	if err := b.Set([]byte(pebbleTouchPrefix+s.session), ts[:], nil); err != nil {
		return fmt.Errorf("store: pebble touch: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: pebble commit: %w", err)
	}
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete(s.dataKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("store: pebble delete %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lower := s.dataKey(prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, fmt.Errorf("store: pebble iter: %w", err)
	}
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()[len(s.prefix):]))
	}
	return keys, it.Error()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// PurgeStale drops every other session whose last write is older than
// olderThan.
func (s *PebbleStore) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	lower := []byte(pebbleTouchPrefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return 0, fmt.Errorf("store: pebble iter: %w", err)
	}

	cutoff := time.Now().Add(-olderThan).Unix()
	var stale []string
	for it.First(); it.Valid(); it.Next() {
		session := string(it.Key()[len(lower):])
		if session == s.session || len(it.Value()) != 8 {
			continue
		}
		if int64(binary.BigEndian.Uint64(it.Value())) < cutoff {
			stale = append(stale, session)
		}
	}
	if err := it.Error(); err != nil {
		it.Close()
		return 0, fmt.Errorf("store: pebble iter: %w", err)
	}
	it.Close()

	for i, session := range stale {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		start := []byte(pebbleDataPrefix + session + "/")
		b := s.db.NewBatch()
		_ = b.DeleteRange(start, prefixEnd(start), nil)
		_ = b.Delete([]byte(pebbleTouchPrefix+session), nil)
		err := b.Commit(pebble.Sync)
		b.Close()
		if err != nil {
			return i, fmt.Errorf("store: pebble purge %s: %w", session, err)
		}
	}
	return len(stale), nil
}

func putUnix(b []byte, t time.Time) {
	binary.BigEndian.PutUint64(b, uint64(t.Unix()))
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
