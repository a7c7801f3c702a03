// Package cache persists conversation history and read state for the
// session.
//
// Each conversation is stored under one key as a JSON array of messages,
// oldest first. Entries that cannot be decoded, or that lack content or a
// sender, are dropped on load without an error. Messages authored by the
// local user are always read, and so is anything appended while its
// conversation is open.
//
// Several processes sharing one store resolve concurrent writes as
// last-write-wins; within a process all read-modify-write cycles are
// serialized.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/store"
)

// Cache is the conversation cache of one client.
type Cache struct {
	store  store.Store
	logger *zap.Logger

	mu   sync.Mutex
	open *Key
}

// New creates a Cache on top of s.
func New(s store.Store, logger *zap.Logger) *Cache {
	return &Cache{store: s, logger: logger.Named("cache")}
}

// Append adds m to the end of the conversation at key. It reports whether the
// stored message is unread.
func (c *Cache) Append(ctx context.Context, key Key, m message.Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	if !m.Type.Valid() {
		m.Type = key.DefaultType()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if m.Sender == key.LocalUser || c.openLocked(key) {
		m.Read = true
	}

	msgs, _, err := c.readLocked(ctx, key)
	if err != nil {
		return false, err
	}
	msgs = append(msgs, m)
	if err := c.writeLocked(ctx, key, msgs); err != nil {
		return false, err
	}
	return !m.Read, nil
}

// Load returns the conversation at key, oldest first. When the conversation
// is open, messages from others are marked read and the change is persisted.
func (c *Cache) Load(ctx context.Context, key Key) ([]message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, dirty, err := c.readLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.openLocked(key) && markRead(msgs, len(msgs)) {
		dirty = true
	}
	if dirty {
		if err := c.writeLocked(ctx, key, msgs); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// MarkRead marks the first upTo messages of the conversation read. Read
// flags never go back to false. upTo beyond the end marks everything.
func (c *Cache) MarkRead(ctx context.Context, key Key, upTo int) error {
	if upTo <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, dirty, err := c.readLocked(ctx, key)
	if err != nil {
		return err
	}
	if markRead(msgs, upTo) || dirty {
		return c.writeLocked(ctx, key, msgs)
	}
	return nil
}

// MarkAllRead marks every message of the conversation read.
func (c *Cache) MarkAllRead(ctx context.Context, key Key) error {
	return c.MarkRead(ctx, key, int(^uint(0)>>1))
}

// OpenConversation makes key the open conversation, marks it read and
// returns its messages. Only one conversation is open at a time.
func (c *Cache) OpenConversation(ctx context.Context, key Key) ([]message.Message, error) {
	c.mu.Lock()
	k := key
	c.open = &k
	c.mu.Unlock()

	return c.Load(ctx, key)
}

// CloseConversation clears the open conversation.
func (c *Cache) CloseConversation() {
	c.mu.Lock()
	c.open = nil
	c.mu.Unlock()
}

// OpenKey returns the open conversation, if any.
func (c *Cache) OpenKey() (Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return Key{}, false
	}
	return *c.open, true
}

// UnreadCount returns the number of unread messages at key.
func (c *Cache) UnreadCount(ctx context.Context, key Key) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, _, err := c.readLocked(ctx, key)
	if err != nil {
		return 0, err
	}
	return countUnread(msgs), nil
}

// UnreadCounts returns the unread count of every conversation of localUser
// that has at least one unread message.
func (c *Cache) UnreadCounts(ctx context.Context, localUser string) (map[Key]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx, userPrefix(localUser))
	if err != nil {
		return nil, fmt.Errorf("cache: list conversations: %w", err)
	}

	counts := make(map[Key]int)
	for _, raw := range keys {
		key, err := ParseKey(raw)
		if err != nil || key.LocalUser != localUser {
			c.logger.Debug("skipping foreign key", zap.String("key", raw))
			continue
		}
		msgs, _, err := c.readLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		if n := countUnread(msgs); n > 0 {
			counts[key] = n
		}
	}
	return counts, nil
}

// Conversations returns every stored conversation of localUser.
func (c *Cache) Conversations(ctx context.Context, localUser string) ([]Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx, userPrefix(localUser))
	if err != nil {
		return nil, fmt.Errorf("cache: list conversations: %w", err)
	}
	out := make([]Key, 0, len(keys))
	for _, raw := range keys {
		if key, err := ParseKey(raw); err == nil && key.LocalUser == localUser {
			out = append(out, key)
		}
	}
	return out, nil
}

// Clear deletes every conversation of localUser and closes the open one.
func (c *Cache) Clear(ctx context.Context, localUser string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx, userPrefix(localUser))
	if err != nil {
		return fmt.Errorf("cache: list conversations: %w", err)
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("cache: delete %s: %w", k, err)
		}
	}
	c.open = nil
	return nil
}

func (c *Cache) openLocked(key Key) bool {
	return c.open != nil && *c.open == key
}

// readLocked loads and sanitizes the conversation. dirty reports whether
// sanitizing changed what is stored.
func (c *Cache) readLocked(ctx context.Context, key Key) (msgs []message.Message, dirty bool, err error) {
	data, err := c.store.Get(ctx, key.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if errors.Is(err, store.ErrSealed) {
		c.logger.Debug("discarding unreadable conversation", zap.Stringer("key", key), zap.Error(err))
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %s: %w", key, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Debug("discarding unparseable conversation", zap.Stringer("key", key), zap.Error(err))
		return nil, true, nil
	}

	msgs = make([]message.Message, 0, len(raw))
	for _, r := range raw {
		var m message.Message
		if err := json.Unmarshal(r, &m); err != nil || m.Validate() != nil {
			dirty = true
			continue
		}
		if !m.Type.Valid() {
			m.Type = key.DefaultType()
			dirty = true
		}
		if m.Sender == key.LocalUser && !m.Read {
			m.Read = true
			dirty = true
		}
		msgs = append(msgs, m)
	}
	return msgs, dirty, nil
}

func (c *Cache) writeLocked(ctx context.Context, key Key, msgs []message.Message) error {
	if msgs == nil {
		msgs = []message.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key.String(), data); err != nil {
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	return nil
}

// markRead flips Read on the first upTo messages and reports whether any
// changed.
func markRead(msgs []message.Message, upTo int) bool {
	if upTo > len(msgs) {
		upTo = len(msgs)
	}
	changed := false
	for i := 0; i < upTo; i++ {
		if !msgs[i].Read {
			msgs[i].Read = true
			changed = true
		}
	}
	return changed
}

func countUnread(msgs []message.Message) int {
	n := 0
	for _, m := range msgs {
		if !m.Read {
			n++
		}
	}
	return n
}
