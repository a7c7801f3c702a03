package connection

import "fmt"

// State is the lifecycle position of the single logical transport.
//
//	DISCONNECTED --Connect--> CONNECTING --ok--> CONNECTED
//	CONNECTED --drop--> RECONNECTING(1)
//	RECONNECTING(n) --ok--> CONNECTED
//	RECONNECTING(n) --fail, n<max--> RECONNECTING(n+1)
//	RECONNECTING(max) --fail--> DISCONNECTED (terminal, error surfaced)
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is one observed connection state, as delivered to
// connection-change listeners.
type Status struct {
	State State

	// Attempt is the 1-based reconnect attempt. Zero unless State is
	// StateReconnecting.
	Attempt int

	// Err is set only when the manager gave up: authentication was rejected
	// or the reconnect budget was exhausted. Listeners use it to offer a
	// manual retry.
	Err error
}

// Connected reports whether messages can be published.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Terminal reports whether this status ends a connection with an error.
func (s Status) Terminal() bool {
	return s.State == StateDisconnected && s.Err != nil
}

func (s Status) String() string {
	switch {
	case s.State == StateReconnecting:
		return fmt.Sprintf("%s(%d)", s.State, s.Attempt)
	case s.Err != nil:
		return fmt.Sprintf("%s: %v", s.State, s.Err)
	default:
		return s.State.String()
	}
}
