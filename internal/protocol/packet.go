// Package protocol defines the control-channel event contract between a
// participant and the matchmaking server.
package protocol

import (
	"encoding/json"
	"time"
)

// Event names. Inbound events are sent by participants, outbound by the server.
const (
	EventJoinMode    = "join_mode"
	EventSignal      = "signal"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"

	EventMatchFound = "match_found"
	EventWaiting    = "waiting_in_queue"
	EventSignalRecv = "signal_received"
	EventPeerGone   = "peer_disconnected"
	EventReceiveMsg = "receive_message"
	EventError      = "error"
)

// Mode selects the kind of partner a participant asks for.
type Mode string

const (
	ModeHuman Mode = "human"
	ModeAgent Mode = "agent"
)

// Role is the participant's side of the handshake.
type Role string

const (
	RoleInitiator Role = "initiator" // proposes the connection
	RoleResponder Role = "responder" // answers it
)

// Origin tells the receiver who authored a chat turn.
type Origin string

const (
	OriginSelf   Origin = "self"
	OriginPeer   Origin = "peer"
	OriginAgent  Origin = "agent"
	OriginSystem Origin = "system"
)

// HistoryRole tags a prior turn in an agent conversation.
type HistoryRole string

const (
	HistoryUser  HistoryRole = "user"
	HistoryAgent HistoryRole = "agent"
)

// JoinMode asks the server for a partner.
type JoinMode struct {
	Mode      Mode     `json:"mode" validate:"required,oneof=human agent"`
	Interests []string `json:"interests,omitempty" validate:"max=16,dive,max=32"`
}

// MatchFound assigns a session and a handshake role.
type MatchFound struct {
	SessionID string `json:"sessionId"`
	PeerID    string `json:"peerId,omitempty"`
	IsAgent   bool   `json:"isAgent"`
	Role      Role   `json:"role"`
}

// Signal carries an opaque handshake payload towards another participant.
type Signal struct {
	Target  string          `json:"target" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// SignalReceived is a relayed handshake payload stamped with its sender.
type SignalReceived struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// HistoryTurn is one prior turn of an agent conversation.
type HistoryTurn struct {
	Role HistoryRole `json:"role" validate:"required,oneof=user agent"`
	Text string      `json:"text" validate:"required"`
}

// SendMessage is a chat turn authored by the participant.
type SendMessage struct {
	SessionID string        `json:"sessionId" validate:"required"`
	Text      string        `json:"text" validate:"required"`
	IsAgent   bool          `json:"isAgent"`
	History   []HistoryTurn `json:"history,omitempty" validate:"max=50,dive"`
}

// ReceiveMessage delivers a chat turn to a participant.
type ReceiveMessage struct {
	ID        string    `json:"id"`
	Origin    Origin    `json:"origin"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Error reports a rejected inbound event back to its sender.
type Error struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
