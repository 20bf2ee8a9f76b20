package webrtc

import (
	"encoding/json"
	"fmt"

	"github.com/1ureka/pairup/internal/peer"
)

// MessageType identifies the kind of handshake payload.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
)

// Message is the JSON payload carried inside a relayed signal event.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

func encodeMessage(msg Message) json.RawMessage {
	data, _ := json.Marshal(msg)
	return data
}

func decodeMessage(payload json.RawMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", peer.ErrMalformedSignal, err)
	}
	return msg, nil
}
