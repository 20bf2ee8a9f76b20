// Package webrtc implements the handshake capability on top of pion: it turns
// a role and optional local tracks into offers, answers and trickled ICE
// candidates, and reports when media is flowing.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no STUN servers are configured. There is
// no TURN: peers behind symmetric NATs will fail to connect.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configure every negotiator created by a factory.
type Options struct {
	// STUNServers is used as-is; nil means host candidates only.
	STUNServers []string

	// LoopbackCandidates gathers 127.0.0.1 candidates, for same-host peers.
	LoopbackCandidates bool

	// Tracks are the local media. Without tracks the session is data-only.
	Tracks []webrtc.TrackLocal

	// OnRemoteTrack receives the remote media handle.
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// newPeerConnection creates a PeerConnection with the configured ICE servers.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(opts.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.STUNServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.LoopbackCandidates {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0) so both sides
// can open it without OnDataChannel. It keeps an SCTP association in every
// offer, which is what a data-only session waits on.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("pairup", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
