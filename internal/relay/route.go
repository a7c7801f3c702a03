package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/message"
	"github.com/arkeep-io/parley/internal/protocol"
)

// handle applies one inbound frame. Rejected frames are answered with an
// ERROR frame. It returns false for a protocol violation, after which the
// connection is closed.
func (c *Client) handle(f protocol.Frame) bool {
	switch f.Command {
	case protocol.CmdSubscribe:
		c.handleSubscribe(f)
	case protocol.CmdUnsubscribe:
		if f.ID == "" {
			c.reject("bad_request", "unsubscribe requires an id")
			break
		}
		c.hub.unsubscribe(c, f.ID)
	case protocol.CmdSend:
		c.handleSend(f)
	default:
		c.reject("unexpected_command", fmt.Sprintf("unexpected command %s", f.Command))
		return false
	}
	return true
}

func (c *Client) handleSubscribe(f protocol.Frame) {
	if f.ID == "" || f.Destination == "" {
		c.reject("bad_request", "subscribe requires an id and a destination")
		return
	}
	if !c.mayRead(f.Destination) {
		c.reject("forbidden_topic", "forbidden topic "+f.Destination)
		return
	}
	if c.hub.subscribe(c, f.ID, f.Destination) {
		c.logger.Debug("subscribed", zap.String("id", f.ID), zap.String("topic", f.Destination))
	}
}

// mayRead reports whether the client may subscribe to topic.
func (c *Client) mayRead(topic string) bool {
	if topic == protocol.BroadcastTopic {
		return true
	}
	user, ok := protocol.ParsePrivateTopic(topic)
	return ok && user == c.username
}

func (c *Client) handleSend(f protocol.Frame) {
	var env message.Envelope
	if len(f.Body) == 0 || json.Unmarshal(f.Body, &env) != nil {
		c.reject("bad_body", "send body must be a message object")
		return
	}
	if strings.TrimSpace(env.Content) == "" {
		c.reject("empty_content", "message content is empty")
		return
	}

	var topic string
	switch {
	case f.Destination == protocol.BroadcastDestination:
		if !c.admin {
			c.reject("forbidden_destination", "only admins may broadcast")
			return
		}
		env.Sender, env.From = c.username, ""
		env.Type = message.TypeBroadcast
		topic = protocol.BroadcastTopic
	default:
		recipient, ok := protocol.ParsePrivateDestination(f.Destination)
		if !ok {
			c.reject("unknown_destination", "unknown destination "+f.Destination)
			return
		}
		env.From, env.Sender = c.username, ""
		env.Type = message.TypePrivate
		topic = protocol.PrivateTopic(recipient)
	}

	if (message.Message{Timestamp: env.Timestamp}).Time().IsZero() {
		env.Timestamp = message.FormatTime(c.hub.now())
	}

	body, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshal envelope", zap.Error(err))
		return
	}
	n := c.hub.Publish(topic, body)
	c.hub.metrics.Published(string(env.Type))
	c.logger.Debug("published",
		zap.String("topic", topic),
		zap.String("type", string(env.Type)),
		zap.Int("deliveries", n),
	)
}

// reject answers the client with an ERROR frame.
func (c *Client) reject(reason, msg string) {
	c.hub.metrics.Rejected(reason)
	c.logger.Debug("frame rejected", zap.String("reason", reason), zap.String("message", msg))
	c.hub.deliver(c, protocol.Error(msg))
}
