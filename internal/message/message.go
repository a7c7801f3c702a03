// Package message defines the chat message model shared by every client
// component, and the wire envelope it is decoded from.
//
// Two shapes exist:
//
//	Envelope: what travels on the wire. Inbound frames may name the author
//	           in either "sender" or "from"; outbound private sends use "from".
//	Message:  the canonical in-process form. Exactly one author field
//	           (Sender) plus the client-only Read flag, which never leaves the
//	           process.
//
// Envelope.Normalize is the single place where the two author fields are
// folded into one. Relays populate different fields depending on the message
// kind.
package message

import (
	"strings"
	"time"
)

// ─── Type ────────────────────────────────────────────────────────────────────

// Type identifies the delivery category of a message.
type Type string

const (
	// TypePrivate is a message addressed to exactly one recipient.
	TypePrivate Type = "PRIVATE"

	// TypeBroadcast is an admin message addressed to every connected user.
	TypeBroadcast Type = "BROADCAST"
)

// Valid reports whether t is one of the known message types.
func (t Type) Valid() bool {
	return t == TypePrivate || t == TypeBroadcast
}

// ─── Message ─────────────────────────────────────────────────────────────────

// Message is the canonical form handed to listeners and stored in the
// conversation cache. It is never mutated after creation except for Read,
// which only ever flips from false to true.
type Message struct {
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp,omitempty"`
	Type      Type   `json:"type,omitempty"`

	// Read is client-side state only. It is persisted in the session cache
	// but is never part of an Envelope.
	Read bool `json:"read,omitempty"`
}

// Validate returns an error when the message cannot be attributed or has
// nothing to show.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrMissingContent
	}
	if strings.TrimSpace(m.Sender) == "" {
		return ErrMissingSender
	}
	return nil
}

// Time parses Timestamp. The zero time is returned for missing or
// unparseable values.
func (m Message) Time() time.Time {
	if m.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTime renders t the way timestamps are written on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ─── Envelope ────────────────────────────────────────────────────────────────

// Envelope is the JSON body of a chat frame.
//
// JSON examples:
//
//	{"from":"alice","content":"hi","timestamp":"2026-01-02T15:04:05Z","type":"PRIVATE"}
//	{"sender":"root","content":"maintenance at 18:00","type":"BROADCAST"}
type Envelope struct {
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	From      string `json:"from,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Type      Type   `json:"type,omitempty"`
}

// Author returns the canonical author of the envelope: Sender when present,
// otherwise From.
func (e Envelope) Author() string {
	if s := strings.TrimSpace(e.Sender); s != "" {
		return s
	}
	return strings.TrimSpace(e.From)
}

// Normalize converts a received envelope into a Message of type t. The
// envelope's own type field is ignored: the topic a frame arrived on is the
// authority on its category. A missing timestamp is replaced with now.
func (e Envelope) Normalize(t Type, now time.Time) (Message, error) {
	msg := Message{
		Content:   e.Content,
		Sender:    e.Author(),
		Timestamp: e.Timestamp,
		Type:      t,
	}
	if msg.Timestamp == "" {
		msg.Timestamp = FormatTime(now)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
