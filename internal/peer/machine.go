package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/pairup/internal/util"
)

const subscriberBuffer = 32

// Machine is the per-participant connection state machine. Every session
// assignment gets a new generation; hooks carrying an older generation are
// ignored, so a torn-down negotiator can never move the machine.
type Machine struct {
	factory Factory
	send    SendFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	assignment Assignment
	negotiator Negotiator
	subs       []chan Transition
}

// NewMachine creates an idle machine. factory builds a negotiator per human
// session; send forwards its outbound payloads to the relay.
func NewMachine(factory Factory, send SendFunc) *Machine {
	return &Machine{
		factory: factory,
		send:    send,
		state:   StateIdle,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Assignment returns the current session, valid while not idle.
func (m *Machine) Assignment() Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignment
}

// Subscribe returns a channel receiving every subsequent transition in order.
// A subscriber that falls behind loses transitions rather than blocking.
func (m *Machine) Subscribe() <-chan Transition {
	ch := make(chan Transition, subscriberBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Assign moves idle → connecting and starts a negotiation for human sessions.
// Agent sessions have no remote media and go straight to connected.
func (m *Machine) Assign(a Assignment) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, state)
	}

	m.gen++
	gen := m.gen
	m.assignment = a
	m.setLocked(StateConnecting, nil)

	if a.IsAgent {
		m.setLocked(StateConnected, nil)
		m.mu.Unlock()
		return nil
	}

	neg, err := m.factory(Config{Role: a.Role, Hooks: m.hooks(gen)})
	if err != nil {
		err = fmt.Errorf("creating negotiator: %w", err)
		m.setLocked(StateFailed, err)
		m.mu.Unlock()
		return err
	}
	m.negotiator = neg
	m.mu.Unlock()

	if err := neg.Start(); err != nil {
		m.fail(gen, fmt.Errorf("starting negotiation: %w", err))
	}
	return nil
}

// Signal feeds an inbound handshake payload to the negotiator. Payloads from
// anyone but the current peer, or arriving outside a live negotiation, are
// rejected with ErrStaleSignal.
func (m *Machine) Signal(from string, payload json.RawMessage) error {
	m.mu.Lock()
	live := m.state == StateConnecting || m.state == StateConnected
	if !live || m.negotiator == nil || from != m.assignment.PeerID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStaleSignal, from)
	}
	neg, gen := m.negotiator, m.gen
	m.mu.Unlock()

	if err := neg.HandleSignal(payload); err != nil {
		if errors.Is(err, ErrMalformedSignal) {
			util.LogDebug("dropping signal from %s: %v", from, err)
			return err
		}
		m.fail(gen, fmt.Errorf("handling signal: %w", err))
		return err
	}
	return nil
}

// MediaReady marks the current negotiation as connected.
func (m *Machine) MediaReady() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.mediaReady(gen)
}

// Fail moves the current negotiation to failed.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.fail(gen, err)
}

// Teardown releases the negotiator and returns to idle. It is a no-op when
// already idle.
func (m *Machine) Teardown() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	neg := m.negotiator
	m.negotiator = nil
	m.gen++
	m.mu.Unlock()

	if neg != nil {
		if err := neg.Close(); err != nil {
			util.LogDebug("closing negotiator: %v", err)
		}
	}

	m.mu.Lock()
	m.setLocked(StateIdle, nil)
	m.assignment = Assignment{}
	m.mu.Unlock()
}

func (m *Machine) hooks(gen uint64) Hooks {
	return Hooks{
		Signal: func(payload json.RawMessage) {
			m.mu.Lock()
			if m.gen != gen || m.state == StateIdle {
				m.mu.Unlock()
				return
			}
			target := m.assignment.PeerID
			m.mu.Unlock()

			if err := m.send(target, payload); err != nil {
				util.LogWarning("sending signal to %s: %v", target, err)
			}
		},
		MediaReady: func() { m.mediaReady(gen) },
		Error:      func(err error) { m.fail(gen, err) },
	}
}

func (m *Machine) mediaReady(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateConnecting {
		return
	}
	m.setLocked(StateConnected, nil)
}

func (m *Machine) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.state != StateConnecting && m.state != StateConnected {
		return
	}
	m.setLocked(StateFailed, err)
}

// setLocked changes state and publishes the transition. m.mu must be held.
func (m *Machine) setLocked(to State, err error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	t := Transition{From: from, To: to, SessionID: m.assignment.SessionID, Err: err}
	util.LogDebug("connection %s → %s (session %s)", from, to, t.SessionID)
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			util.LogWarning("dropping state transition %s → %s for a slow subscriber", from, to)
		}
	}
}
