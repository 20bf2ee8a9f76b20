// Package peer drives the local half of a session handshake and reports the
// connection state to whoever presents it.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/pairup/internal/protocol"
)

var (
	// ErrBusy is returned by Assign while a previous session is not torn down.
	ErrBusy = errors.New("connection machine is busy")
	// ErrStaleSignal is returned for signals that do not come from the current peer.
	ErrStaleSignal = errors.New("signal not from current peer")
	// ErrMalformedSignal is returned by negotiators for payloads they cannot
	// parse. Such payloads are dropped without failing the connection.
	ErrMalformedSignal = errors.New("malformed handshake payload")
)

// State is the connection state reported to the presentation layer.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is published to subscribers on every state change.
type Transition struct {
	From      State
	To        State
	SessionID string
	Err       error // set when To is StateFailed
}

// Assignment is the session handed out by a match_found event.
type Assignment struct {
	SessionID string
	PeerID    string
	Role      protocol.Role
	IsAgent   bool
}

// Hooks are the negotiator's outputs. They may be called from any goroutine.
type Hooks struct {
	Signal     func(payload json.RawMessage)
	MediaReady func()
	Error      func(err error)
}

// Config is handed to a Factory for each new negotiation.
type Config struct {
	Role  protocol.Role
	Hooks Hooks
}

// Negotiator is the opaque connectivity capability. Start is called once;
// the initiator emits its offer from there.
type Negotiator interface {
	Start() error
	HandleSignal(payload json.RawMessage) error
	Close() error
}

// Factory creates a fresh negotiator for one session.
type Factory func(cfg Config) (Negotiator, error)

// SendFunc delivers an outbound handshake payload to target via the relay.
type SendFunc func(target string, payload json.RawMessage) error
