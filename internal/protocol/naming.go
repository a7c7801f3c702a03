package protocol

import "strings"

const (
	// BroadcastTopic is the shared inbound topic for admin broadcasts.
	BroadcastTopic = "admin.broadcast"

	// BroadcastDestination is where clients publish admin broadcasts.
	BroadcastDestination = "chat.admin.broadcast"

	privateTopicPrefix       = "private."
	privateDestinationPrefix = "chat.private."
)

// PrivateTopic returns the inbound topic carrying messages addressed to
// username.
func PrivateTopic(username string) string {
	return privateTopicPrefix + username
}

// PrivateDestination returns the outbound destination for a private message
// to recipient.
func PrivateDestination(recipient string) string {
	return privateDestinationPrefix + recipient
}

// ParsePrivateTopic extracts the username from a private topic.
func ParsePrivateTopic(topic string) (string, bool) {
	return cutNonEmpty(topic, privateTopicPrefix)
}

// ParsePrivateDestination extracts the recipient from a private destination.
func ParsePrivateDestination(destination string) (string, bool) {
	return cutNonEmpty(destination, privateDestinationPrefix)
}

func cutNonEmpty(s, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
