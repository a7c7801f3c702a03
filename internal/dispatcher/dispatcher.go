// Package dispatcher validates and publishes outbound chat messages.
//
// Private sends are echoed into the local conversation after they are
// published so the sender sees them immediately. Broadcasts are not echoed:
// the relay delivers them back to every subscriber, the sender included.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/cache"
	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/protocol"
)

// DefaultMaxContentLength is the default limit on message length, in runes.
const DefaultMaxContentLength = 4000

// Publisher is the outbound side of the connection manager.
type Publisher interface {
	Publish(destination string, body any) error
}

// Config holds dispatcher limits.
type Config struct {
	// MaxContentLength bounds content after sanitizing, in runes.
	MaxContentLength int
}

// Dispatcher sends messages for the local user.
type Dispatcher struct {
	cfg       Config
	publisher Publisher
	cache     *cache.Cache
	policy    *bluemonday.Policy
	metrics   *metrics.Client
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Dispatcher. m may be nil.
func New(cfg Config, p Publisher, c *cache.Cache, m *metrics.Client, logger *zap.Logger) *Dispatcher {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	return &Dispatcher{
		cfg:       cfg,
		publisher: p,
		cache:     c,
		policy:    bluemonday.StrictPolicy(),
		metrics:   m,
		logger:    logger.Named("dispatcher"),
		now:       time.Now,
	}
}

// SendPrivate publishes content from from to recipient and appends it, read,
// to the local conversation with recipient. It returns the message as
// stored.
func (d *Dispatcher) SendPrivate(ctx context.Context, recipient, content, from string) (message.Message, error) {
	recipient = strings.TrimSpace(recipient)
	if err := validateUser(recipient); err != nil {
		return message.Message{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, err)
	}
	from = strings.TrimSpace(from)
	if err := validateUser(from); err != nil {
		return message.Message{}, fmt.Errorf("%w: %s", ErrInvalidSender, err)
	}
	body, err := d.clean(content)
	if err != nil {
		return message.Message{}, err
	}

	env := message.Envelope{
		From:      from,
		Content:   body,
		Timestamp: message.FormatTime(d.now()),
		Type:      message.TypePrivate,
	}
	if err := d.publish(protocol.PrivateDestination(recipient), env); err != nil {
		return message.Message{}, err
	}
	d.metrics.Sent(string(message.TypePrivate))

	msg := message.Message{
		Content:   env.Content,
		Sender:    from,
		Timestamp: env.Timestamp,
		Type:      message.TypePrivate,
		Read:      true,
	}
	if _, err := d.cache.Append(ctx, cache.PrivateKey(from, recipient), msg); err != nil {
		// The message is already on the wire; only the local echo is lost.
		d.logger.Warn("failed to cache sent message", zap.String("recipient", recipient), zap.Error(err))
		return msg, fmt.Errorf("dispatcher: cache sent message: %w", err)
	}
	return msg, nil
}

// SendBroadcast publishes content to every connected user. The relay
// attributes it to the authenticated admin.
func (d *Dispatcher) SendBroadcast(ctx context.Context, content string) error {
	body, err := d.clean(content)
	if err != nil {
		return err
	}

	env := message.Envelope{
		Content:   body,
		Timestamp: message.FormatTime(d.now()),
		Type:      message.TypeBroadcast,
	}
	if err := d.publish(protocol.BroadcastDestination, env); err != nil {
		return err
	}
	d.metrics.Sent(string(message.TypeBroadcast))
	return nil
}

func (d *Dispatcher) publish(destination string, env message.Envelope) error {
	if err := d.publisher.Publish(destination, env); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("dispatcher: publish to %s: %w", destination, err)
	}
	return nil
}

// clean strips markup, trims and enforces the length limit. Entities that
// the sanitizer escaped are decoded again so plain text such as "a < b"
// survives unchanged.
func (d *Dispatcher) clean(content string) (string, error) {
	body := html.UnescapeString(d.policy.Sanitize(content))
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyContent
	}
	if n := utf8.RuneCountInString(body); n > d.cfg.MaxContentLength {
		return "", fmt.Errorf("%w: %d runes, limit %d", ErrContentTooLong, n, d.cfg.MaxContentLength)
	}
	return body, nil
}

func validateUser(name string) error {
	if name == "" {
		return errors.New("empty username")
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("username %q contains whitespace", name)
	}
	return nil
}
