// Package registry tracks connected participants and their control-channel
// handles.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotConnected is returned when an event targets an unknown participant.
var ErrNotConnected = errors.New("participant not connected")

// Phase is the participant's position in the matchmaking lifecycle.
type Phase int

const (
	PhaseUnregistered Phase = iota // connected, neither queued nor matched
	PhaseWaiting
	PhaseMatched
	PhaseInSession
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseUnregistered:
		return "unregistered"
	case PhaseWaiting:
		return "waiting"
	case PhaseMatched:
		return "matched"
	case PhaseInSession:
		return "in-session"
	case PhaseTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Sink is a participant's outbound control channel.
type Sink interface {
	Send(event string, payload any) error
}

// Participant is one connected control channel.
type Participant struct {
	ID          string
	ConnectedAt time.Time

	phase Phase
	sink  Sink
}

// Registry maintains the participantID → control-channel table.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
	}
}

// Register adds a participant. Registering an id twice replaces the sink.
func (r *Registry) Register(id string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[id] = &Participant{
		ID:          id,
		ConnectedAt: time.Now(),
		phase:       PhaseUnregistered,
		sink:        sink,
	}
}

// Unregister removes a participant, invalidating its identity. It reports
// whether the participant was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return false
	}
	p.phase = PhaseTerminated
	delete(r.participants, id)
	return true
}

// Connected reports whether id currently has a control channel.
func (r *Registry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[id]
	return ok
}

// Phase returns the participant's phase; unknown ids are terminated.
func (r *Registry) Phase(id string) Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[id]; ok {
		return p.phase
	}
	return PhaseTerminated
}

// SetPhase updates a connected participant's phase. Unknown ids are ignored.
func (r *Registry) SetPhase(id string, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.phase = phase
	}
}

// Send writes an event to a participant's control channel.
func (r *Registry) Send(id, event string, payload any) error {
	r.mu.RLock()
	p, ok := r.participants[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return p.sink.Send(event, payload)
}

// Len returns the number of connected participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
