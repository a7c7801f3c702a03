package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Purger is implemented by backends that hold several sessions and can drop
// the ones idle for longer than a cutoff.
type Purger interface {
	PurgeStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// FileStore keeps each key in its own file under <root>/<session id>/.
// File names are the path-escaped key. Writes are atomic (temp file +
// rename), so a crash never leaves a half-written conversation.
type FileStore struct {
	root string
	dir  string
}

// NewFileStore opens (creating if needed) the directory of sessionID under
// root.
func NewFileStore(root, sessionID string) (*FileStore, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) || strings.HasPrefix(sessionID, ".") {
		return nil, fmt.Errorf("store: invalid session id %q", sessionID)
	}
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create session dir: %w", err)
	}
	return &FileStore{root: root, dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key))
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".entry.*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		return fmt.Errorf("store: rename %s: %w", key, err)
	}
	ok = true

	// Touch the session directory so PurgeStale sees activity.
	now := time.Now()
	_ = os.Chtimes(s.dir, now, now)
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", s.dir, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error { return nil }

// PurgeStale removes sibling session directories not written to for
// olderThan. The store's own session is never removed.
func (s *FileStore) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("store: list sessions: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		dir := filepath.Join(s.root, e.Name())
		if !e.IsDir() || dir == s.dir {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return purged, fmt.Errorf("store: remove session %s: %w", e.Name(), err)
		}
		purged++
	}
	return purged, nil
}
