// Package protocol implements the frame format spoken between the chat client
// and the relay, and the naming convention for topics and destinations.
//
// Every WebSocket text message carries exactly one JSON Frame. The client
// sends SUBSCRIBE, UNSUBSCRIBE and SEND; the relay sends MESSAGE and ERROR.
//
// Naming convention:
//
//	private.<username>         inbound topic, messages addressed to a user
//	admin.broadcast            inbound topic, system-wide messages
//	chat.private.<recipient>   outbound destination for a private message
//	chat.admin.broadcast       outbound destination for a broadcast
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command identifies the kind of frame.
type Command string

const (
	// CmdSubscribe asks the relay to start delivering a topic under the
	// subscription id carried in Frame.ID.
	CmdSubscribe Command = "SUBSCRIBE"

	// CmdUnsubscribe cancels the subscription identified by Frame.ID.
	CmdUnsubscribe Command = "UNSUBSCRIBE"

	// CmdSend publishes Frame.Body to the destination in Frame.Destination.
	CmdSend Command = "SEND"

	// CmdMessage delivers Frame.Body from Frame.Destination (a topic) to the
	// subscription identified by Frame.ID.
	CmdMessage Command = "MESSAGE"

	// CmdError reports a rejected client frame. After a protocol violation
	// (a malformed frame or a command the relay does not accept) the relay
	// closes the connection; other rejections leave it open.
	CmdError Command = "ERROR"
)

// Frame is the envelope for every frame on the wire.
//
// JSON examples:
//
//	{"command":"SUBSCRIBE","id":"0190...","destination":"private.alice"}
//	{"command":"SEND","destination":"chat.private.bob","body":{"from":"alice","content":"hi"}}
//	{"command":"MESSAGE","id":"0190...","destination":"private.bob","body":{"from":"alice","content":"hi"}}
//	{"command":"ERROR","message":"forbidden destination"}
type Frame struct {
	Command     Command         `json:"command"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// Encode serializes f for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", f.Command, err)
	}
	return data, nil
}

// Decode parses one wire frame. Unknown commands and frames without a
// command are reported as *DecodeError so callers can drop them without
// tearing down the connection.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Raw: truncate(data), Err: err}
	}
	switch f.Command {
	case CmdSubscribe, CmdUnsubscribe, CmdSend, CmdMessage, CmdError:
	default:
		return Frame{}, &DecodeError{Raw: truncate(data), Err: fmt.Errorf("unknown command %q", f.Command)}
	}
	return f, nil
}

// Subscribe builds a SUBSCRIBE frame.
func Subscribe(id, topic string) Frame {
	return Frame{Command: CmdSubscribe, ID: id, Destination: topic}
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) Frame {
	return Frame{Command: CmdUnsubscribe, ID: id}
}

// Send builds a SEND frame with body marshalled as JSON.
func Send(destination string, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal body for %s: %w", destination, err)
	}
	return Frame{Command: CmdSend, Destination: destination, Body: raw}, nil
}

// Error builds an ERROR frame.
func Error(msg string) Frame {
	return Frame{Command: CmdError, Message: msg}
}

// DecodeError reports a frame that could not be parsed. It is a per-frame
// failure: the connection it arrived on is still usable.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// truncate keeps log lines bounded when a peer sends garbage.
func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
