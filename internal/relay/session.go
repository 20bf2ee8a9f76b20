package relay

import (
	"context"
	"time"

	"github.com/1ureka/pairup/internal/protocol"
)

// Member is one side of a session.
type Member struct {
	ID   string
	Role protocol.Role
	Live bool
}

// Session is a room of one (agent mode) or two (human mode) members.
type Session struct {
	ID        string
	Mode      protocol.Mode
	Members   []Member
	CreatedAt time.Time

	// active is set once any traffic has been relayed.
	active bool

	// agentCtx scopes in-flight agent calls; cancelled on teardown.
	agentCtx    context.Context
	cancelAgent context.CancelFunc
}

// member returns the live member with id.
func (s *Session) member(id string) (*Member, bool) {
	for i := range s.Members {
		if s.Members[i].ID == id && s.Members[i].Live {
			return &s.Members[i], true
		}
	}
	return nil, false
}

// peerOf returns the other live member, if any.
func (s *Session) peerOf(id string) (*Member, bool) {
	for i := range s.Members {
		if s.Members[i].ID != id && s.Members[i].Live {
			return &s.Members[i], true
		}
	}
	return nil, false
}

// close drops every member's liveness and cancels pending agent work.
func (s *Session) close() {
	for i := range s.Members {
		s.Members[i].Live = false
	}
	if s.cancelAgent != nil {
		s.cancelAgent()
	}
}
