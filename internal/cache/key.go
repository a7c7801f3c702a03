package cache

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/arkeep-io/parley/internal/message"
)

const (
	keyPrefix = "chat/"

	// broadcastSegment can never be produced by url.PathEscape, which always
	// escapes '!', so no username collides with it.
	broadcastSegment = "!broadcast"
)

// Key identifies one conversation of the local user.
type Key struct {
	LocalUser   string
	Counterpart string
	Broadcast   bool
}

// PrivateKey is the conversation between localUser and counterpart.
func PrivateKey(localUser, counterpart string) Key {
	return Key{LocalUser: localUser, Counterpart: counterpart}
}

// BroadcastKey is the broadcast conversation of localUser.
func BroadcastKey(localUser string) Key {
	return Key{LocalUser: localUser, Broadcast: true}
}

// KeyFor returns the conversation an inbound message belongs to.
func KeyFor(localUser string, m message.Message) Key {
	if m.Type == message.TypeBroadcast {
		return BroadcastKey(localUser)
	}
	return PrivateKey(localUser, m.Sender)
}

// String renders the store key, e.g. "chat/alice/bob" or
// "chat/alice/!broadcast".
func (k Key) String() string {
	counterpart := broadcastSegment
	if !k.Broadcast {
		counterpart = url.PathEscape(k.Counterpart)
	}
	return userPrefix(k.LocalUser) + counterpart
}

// Label is the human-readable conversation name.
func (k Key) Label() string {
	if k.Broadcast {
		return "broadcast"
	}
	return k.Counterpart
}

// DefaultType is the message type assumed for stored entries without one.
func (k Key) DefaultType() message.Type {
	if k.Broadcast {
		return message.TypeBroadcast
	}
	return message.TypePrivate
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return Key{}, fmt.Errorf("cache: key %q lacks %q prefix", s, keyPrefix)
	}
	local, counterpart, ok := strings.Cut(rest, "/")
	if !ok || local == "" || counterpart == "" {
		return Key{}, fmt.Errorf("cache: malformed key %q", s)
	}
	localUser, err := url.PathUnescape(local)
	if err != nil {
		return Key{}, fmt.Errorf("cache: malformed key %q: %w", s, err)
	}
	if counterpart == broadcastSegment {
		return BroadcastKey(localUser), nil
	}
	peer, err := url.PathUnescape(counterpart)
	if err != nil {
		return Key{}, fmt.Errorf("cache: malformed key %q: %w", s, err)
	}
	return PrivateKey(localUser, peer), nil
}

// userPrefix is the key prefix shared by every conversation of localUser.
func userPrefix(localUser string) string {
	return keyPrefix + url.PathEscape(localUser) + "/"
}
