package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pairup/internal/peer"
	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/util"
)

// ErrConnectionFailed is reported when ICE or DTLS gives up.
var ErrConnectionFailed = errors.New("peer connection failed")

// Negotiator wraps one PeerConnection for one session. It trickles local
// candidates through the Signal hook and queues remote candidates until the
// remote description is known.
type Negotiator struct {
	role  protocol.Role
	hooks peer.Hooks
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	readyOnce sync.Once
	closeOnce sync.Once
}

// NewFactory returns a peer.Factory building pion negotiators with opts.
func NewFactory(opts Options) peer.Factory {
	return func(cfg peer.Config) (peer.Negotiator, error) {
		return NewNegotiator(cfg, opts)
	}
}

// NewNegotiator creates the PeerConnection, adds local tracks and the
// pre-negotiated data channel, and wires the pion callbacks to cfg.Hooks.
func NewNegotiator(cfg peer.Config, opts Options) (*Negotiator, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	n := &Negotiator{role: cfg.Role, hooks: cfg.Hooks, pc: pc}

	for _, track := range opts.Tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}

	n.dc, err = newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	if len(opts.Tracks) == 0 {
		n.dc.OnOpen(n.ready)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track %s", track.Kind(), track.ID())
		if opts.OnRemoteTrack != nil {
			opts.OnRemoteTrack(track)
		}
		n.ready()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		n.emit(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed && n.hooks.Error != nil {
			n.hooks.Error(ErrConnectionFailed)
		}
	})

	return n, nil
}

// Start sends the offer when this side initiates. The responder waits for
// the offer to arrive through HandleSignal.
func (n *Negotiator) Start() error {
	if n.role != protocol.RoleInitiator {
		return nil
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	n.emit(Message{Type: MsgTypeOffer, SDP: offer.SDP})
	return nil
}

// HandleSignal applies one inbound payload from the peer.
func (n *Negotiator) HandleSignal(payload json.RawMessage) error {
	msg, err := decodeMessage(payload)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MsgTypeOffer:
		if err := n.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("CreateAnswer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("SetLocalDescription: %w", err)
		}
		n.emit(Message{Type: MsgTypeAnswer, SDP: answer.SDP})

	case MsgTypeAnswer:
		return n.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case MsgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("%w: ICE candidate: %v", peer.ErrMalformedSignal, err)
		}

		n.mu.Lock()
		if !n.remoteSet {
			n.pending = append(n.pending, init)
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()

		if err := n.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("%w: AddICECandidate: %v", peer.ErrMalformedSignal, err)
		}

	default:
		return fmt.Errorf("%w: unknown type %q", peer.ErrMalformedSignal, msg.Type)
	}
	return nil
}

// Close releases the PeerConnection. It is safe to call more than once.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.pc.Close()
	})
	return err
}

// setRemote applies the remote description and flushes queued candidates.
func (n *Negotiator) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			util.LogWarning("AddICECandidate (queued): %v", err)
		}
	}
	return nil
}

func (n *Negotiator) emit(msg Message) {
	if n.hooks.Signal != nil {
		n.hooks.Signal(encodeMessage(msg))
	}
}

func (n *Negotiator) ready() {
	n.readyOnce.Do(func() {
		if n.hooks.MediaReady != nil {
			n.hooks.MediaReady()
		}
	})
}

// drainRTCP reads RTCP for a local track so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
