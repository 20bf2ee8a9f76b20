package webrtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/pairup/internal/peer"
	"github.com/1ureka/pairup/internal/protocol"
)

var loopbackOnly = Options{LoopbackCandidates: true}

// pump delivers payloads to a negotiator in order, like the relay would.
func pump(t *testing.T, in <-chan json.RawMessage, to func() *Negotiator, done <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case payload := <-in:
				if err := to().HandleSignal(payload); err != nil {
					t.Logf("HandleSignal: %v", err)
				}
			case <-done:
				return
			}
		}
	}()
}

func TestNegotiator_DataOnlyHandshakeOverLoopback(t *testing.T) {
	req := require.New(t)

	toResponder := make(chan json.RawMessage, 64)
	toInitiator := make(chan json.RawMessage, 64)
	initiatorReady := make(chan struct{})
	responderReady := make(chan struct{})
	done := make(chan struct{})
	defer close(done)

	initiator, err := NewNegotiator(peer.Config{
		Role: protocol.RoleInitiator,
		Hooks: peer.Hooks{
			Signal:     func(p json.RawMessage) { toResponder <- p },
			MediaReady: func() { close(initiatorReady) },
			Error:      func(err error) { t.Errorf("initiator: %v", err) },
		},
	}, loopbackOnly)
	req.NoError(err)
	defer initiator.Close()

	responder, err := NewNegotiator(peer.Config{
		Role: protocol.RoleResponder,
		Hooks: peer.Hooks{
			Signal:     func(p json.RawMessage) { toInitiator <- p },
			MediaReady: func() { close(responderReady) },
			Error:      func(err error) { t.Errorf("responder: %v", err) },
		},
	}, loopbackOnly)
	req.NoError(err)
	defer responder.Close()

	pump(t, toResponder, func() *Negotiator { return responder }, done)
	pump(t, toInitiator, func() *Negotiator { return initiator }, done)

	req.NoError(responder.Start(), "responder start is a no-op")
	req.NoError(initiator.Start())

	for name, ch := range map[string]chan struct{}{"initiator": initiatorReady, "responder": responderReady} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never became ready", name)
		}
	}
}

func TestNegotiator_QueuesCandidatesBeforeRemoteDescription(t *testing.T) {
	req := require.New(t)

	n, err := NewNegotiator(peer.Config{Role: protocol.RoleResponder}, loopbackOnly)
	req.NoError(err)
	defer n.Close()

	candidate := `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`
	payload := encodeMessage(Message{Type: MsgTypeCandidate, Candidate: candidate})

	req.NoError(n.HandleSignal(payload))

	n.mu.Lock()
	defer n.mu.Unlock()
	req.False(n.remoteSet)
	req.Len(n.pending, 1)
}

func TestNegotiator_RejectsBadPayloads(t *testing.T) {
	n, err := NewNegotiator(peer.Config{Role: protocol.RoleResponder}, loopbackOnly)
	require.NoError(t, err)
	defer n.Close()

	assert.ErrorIs(t, n.HandleSignal(json.RawMessage(`not json`)), peer.ErrMalformedSignal)
	assert.ErrorIs(t, n.HandleSignal(json.RawMessage(`{"type":"bye"}`)), peer.ErrMalformedSignal)
	assert.ErrorIs(t, n.HandleSignal(json.RawMessage(`{"type":"candidate","candidate":"{"}`)), peer.ErrMalformedSignal)

	// An unusable description is a negotiation failure, not a parse error.
	err = n.HandleSignal(json.RawMessage(`{"type":"answer","sdp":"garbage"}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, peer.ErrMalformedSignal)
}

func TestNegotiator_GarbageFromPeerKeepsMachineConnecting(t *testing.T) {
	m := peer.NewMachine(NewFactory(loopbackOnly), func(string, json.RawMessage) error { return nil })
	defer m.Teardown()

	require.NoError(t, m.Assign(peer.Assignment{SessionID: "s1", PeerID: "p", Role: protocol.RoleResponder}))

	err := m.Signal("p", json.RawMessage(`{"type":"bye"}`))
	assert.ErrorIs(t, err, peer.ErrMalformedSignal)
	assert.Equal(t, peer.StateConnecting, m.State())
}

func TestNegotiator_CloseIsIdempotent(t *testing.T) {
	n, err := NewNegotiator(peer.Config{Role: protocol.RoleInitiator}, loopbackOnly)
	require.NoError(t, err)

	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}

func TestNegotiator_DrivesMachine(t *testing.T) {
	req := require.New(t)

	// Two machines whose send functions feed each other's Signal, the way
	// the relay would.
	var alice, bob *peer.Machine
	toBob := make(chan json.RawMessage, 64)
	toAlice := make(chan json.RawMessage, 64)
	done := make(chan struct{})
	defer close(done)

	factory := NewFactory(loopbackOnly)
	alice = peer.NewMachine(factory, func(_ string, p json.RawMessage) error { toBob <- p; return nil })
	bob = peer.NewMachine(factory, func(_ string, p json.RawMessage) error { toAlice <- p; return nil })

	deliver := func(in <-chan json.RawMessage, m **peer.Machine, from string) {
		for {
			select {
			case p := <-in:
				_ = (*m).Signal(from, p)
			case <-done:
				return
			}
		}
	}
	go deliver(toBob, &bob, "alice")
	go deliver(toAlice, &alice, "bob")

	aliceEvents := alice.Subscribe()
	bobEvents := bob.Subscribe()

	req.NoError(bob.Assign(peer.Assignment{SessionID: "s1", PeerID: "alice", Role: protocol.RoleResponder}))
	req.NoError(alice.Assign(peer.Assignment{SessionID: "s1", PeerID: "bob", Role: protocol.RoleInitiator}))

	waitConnected := func(name string, events <-chan peer.Transition) {
		deadline := time.After(15 * time.Second)
		for {
			select {
			case tr := <-events:
				req.NotEqual(peer.StateFailed, tr.To, "%s failed: %v", name, tr.Err)
				if tr.To == peer.StateConnected {
					return
				}
			case <-deadline:
				t.Fatalf("%s never connected", name)
			}
		}
	}
	waitConnected("alice", aliceEvents)
	waitConnected("bob", bobEvents)

	alice.Teardown()
	bob.Teardown()
	req.Equal(peer.StateIdle, alice.State())
	req.Equal(peer.StateIdle, bob.State())
}
