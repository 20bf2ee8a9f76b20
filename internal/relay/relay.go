// Package relay is the matchmaking authority. One goroutine owns the pool
// and the session table; every connection posts its events into a queue
// that this goroutine drains in order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/1ureka/pairup/internal/agent"
	"github.com/1ureka/pairup/internal/matchmaking"
	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/registry"
	"github.com/1ureka/pairup/internal/util"
)

// ErrStopped is returned by posting methods once Run has returned.
var ErrStopped = errors.New("relay stopped")

// Generator produces the agent's next turn.
type Generator interface {
	Generate(ctx context.Context, history []agent.Turn) (string, error)
}

// Options tune a Relay. Zero values select defaults.
type Options struct {
	QueueSize     int
	MaxChatLength int
	AgentTimeout  time.Duration
}

// Snapshot is a consistent view of the relay tables.
type Snapshot struct {
	Connected int
	Waiting   []string
	Sessions  int
}

// Relay brokers matches, handshakes and chat between participants.
type Relay struct {
	registry *registry.Registry
	pool     *matchmaking.Pool
	agent    Generator

	maxChat      int
	agentTimeout time.Duration
	now          func() time.Time

	events chan func()
	done   chan struct{}
	ctx    context.Context

	sessions   map[string]*Session
	membership map[string]string // participant id → session id
}

// New creates a relay. agent may be nil, in which case agent-mode chat
// answers with a system message.
func New(reg *registry.Registry, gen Generator, opts Options) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxChatLength <= 0 {
		opts.MaxChatLength = 2000
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 60 * time.Second
	}

	return &Relay{
		registry:     reg,
		pool:         matchmaking.NewPool(),
		agent:        gen,
		maxChat:      opts.MaxChatLength,
		agentTimeout: opts.AgentTimeout,
		now:          time.Now,
		events:       make(chan func(), opts.QueueSize),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		sessions:     make(map[string]*Session),
		membership:   make(map[string]string),
	}
}

// Run drains the event queue until ctx is cancelled. It must be called once.
func (r *Relay) Run(ctx context.Context) error {
	r.ctx = ctx
	defer close(r.done)

	for {
		select {
		case ev := <-r.events:
			ev()
			util.Stats.SetWaiting(r.pool.Len())
			util.Stats.SetSessions(len(r.sessions))

		case <-ctx.Done():
			for _, s := range r.sessions {
				s.close()
			}
			return ctx.Err()
		}
	}
}

// post enqueues fn for the loop. It blocks while the queue is full.
func (r *Relay) post(fn func()) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	select {
	case r.events <- fn:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// Connect registers a participant's control channel.
func (r *Relay) Connect(id string, sink registry.Sink) error {
	return r.post(func() {
		r.registry.Register(id, sink)
		util.Stats.AddConnected(1)
		util.LogDebug("participant %s connected", id)
	})
}

// Join asks for a partner in the given mode.
func (r *Relay) Join(id string, req protocol.JoinMode) error {
	return r.post(func() { r.handleJoin(id, req) })
}

// Signal forwards a handshake payload to the sender's session peer.
func (r *Relay) Signal(from string, sig protocol.Signal) error {
	return r.post(func() { r.handleSignal(from, sig) })
}

// Chat delivers a chat turn to the peer or to the agent.
func (r *Relay) Chat(from string, msg protocol.SendMessage) error {
	return r.post(func() { r.handleChat(from, msg) })
}

// Leave ends the participant's session or withdraws its waiting entry.
func (r *Relay) Leave(id string) error {
	return r.post(func() { r.release(id) })
}

// Disconnect runs the leave cleanup and invalidates the identity.
func (r *Relay) Disconnect(id string) error {
	return r.post(func() {
		r.release(id)
		if r.registry.Unregister(id) {
			util.Stats.AddConnected(-1)
			util.LogDebug("participant %s disconnected", id)
		}
	})
}

// Flush waits until every event posted before it has been handled.
func (r *Relay) Flush(ctx context.Context) error {
	processed := make(chan struct{})
	if err := r.post(func() { close(processed) }); err != nil {
		return err
	}
	select {
	case <-processed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Snapshot returns the table sizes as seen by the loop.
func (r *Relay) Snapshot(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	err := r.post(func() {
		result <- Snapshot{
			Connected: r.registry.Len(),
			Waiting: lo.Map(r.pool.Entries(), func(e matchmaking.WaitingEntry, _ int) string {
				return e.ParticipantID
			}),
			Sessions: len(r.sessions),
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.done:
		return Snapshot{}, ErrStopped
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loop handlers. Everything below runs on the Run goroutine.
// ──────────────────────────────────────────────────────────────────────────────

func (r *Relay) handleJoin(id string, req protocol.JoinMode) {
	if !r.registry.Connected(id) {
		util.LogDebug("join from unknown participant %s dropped", id)
		return
	}

	// A participant is in at most one of: the pool, a session.
	r.release(id)

	if req.Mode == protocol.ModeAgent {
		s := r.openSession(protocol.ModeAgent, Member{ID: id, Role: protocol.RoleInitiator, Live: true})
		r.send(id, protocol.EventMatchFound, protocol.MatchFound{
			SessionID: s.ID,
			IsAgent:   true,
			Role:      protocol.RoleInitiator,
		})
		util.LogInfo("agent session %s opened for %s", s.ID, id)
		return
	}

	tags := matchmaking.NewTagSet(req.Interests)
	m, ok := r.pool.Request(id, tags)
	if !ok {
		r.registry.SetPhase(id, registry.PhaseWaiting)
		r.send(id, protocol.EventWaiting, nil)
		util.LogDebug("%s waiting with tags %v", id, tags.Sorted())
		return
	}

	s := r.openSession(protocol.ModeHuman,
		Member{ID: m.Initiator, Role: protocol.RoleInitiator, Live: true},
		Member{ID: m.Responder, Role: protocol.RoleResponder, Live: true},
	)
	r.send(m.Initiator, protocol.EventMatchFound, protocol.MatchFound{
		SessionID: s.ID,
		PeerID:    m.Responder,
		Role:      protocol.RoleInitiator,
	})
	r.send(m.Responder, protocol.EventMatchFound, protocol.MatchFound{
		SessionID: s.ID,
		PeerID:    m.Initiator,
		Role:      protocol.RoleResponder,
	})
	util.LogInfo("matched %s with %s in session %s (waited %s)", m.Initiator, m.Responder, s.ID, m.Waited.Round(time.Millisecond))
}

func (r *Relay) openSession(mode protocol.Mode, members ...Member) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Members:   members,
		CreatedAt: r.now(),
	}
	if mode == protocol.ModeAgent {
		s.agentCtx, s.cancelAgent = context.WithCancel(r.ctx)
	}

	r.sessions[s.ID] = s
	for _, m := range members {
		r.membership[m.ID] = s.ID
		r.registry.SetPhase(m.ID, registry.PhaseMatched)
	}
	util.Stats.AddMatch()
	return s
}

// sessionOf returns the session the participant is a live member of.
func (r *Relay) sessionOf(id string) (*Session, bool) {
	sid, ok := r.membership[id]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	if _, live := s.member(id); !live {
		return nil, false
	}
	return s, true
}

func (r *Relay) handleSignal(from string, sig protocol.Signal) {
	s, ok := r.sessionOf(from)
	if !ok {
		util.LogDebug("signal from %s outside a session dropped", from)
		return
	}
	target, ok := s.peerOf(from)
	if !ok || target.ID != sig.Target {
		util.LogDebug("signal from %s to %s dropped: not a live peer in session %s", from, sig.Target, s.ID)
		return
	}

	if err := r.registry.Send(target.ID, protocol.EventSignalRecv, protocol.SignalReceived{
		From:    from,
		Payload: sig.Payload,
	}); err != nil {
		util.LogDebug("signal to %s dropped: %v", target.ID, err)
		return
	}
	util.Stats.AddSignal()
	r.markActive(s)
}

func (r *Relay) handleChat(from string, msg protocol.SendMessage) {
	if utf8.RuneCountInString(msg.Text) > r.maxChat {
		r.send(from, protocol.EventError, protocol.Error{
			Event:   protocol.EventSendMessage,
			Message: fmt.Sprintf("message longer than %d characters", r.maxChat),
		})
		return
	}

	s, ok := r.sessionOf(from)
	if !ok || s.ID != msg.SessionID {
		util.LogDebug("chat from %s for session %s dropped", from, msg.SessionID)
		return
	}
	r.markActive(s)

	if s.Mode == protocol.ModeHuman {
		target, ok := s.peerOf(from)
		if !ok {
			return
		}
		r.send(target.ID, protocol.EventReceiveMsg, r.turn(protocol.OriginPeer, msg.Text))
		util.Stats.AddChatTurn()
		return
	}

	r.askAgent(s, from, msg)
}

// askAgent runs the backend call off the loop and posts the reply back.
func (r *Relay) askAgent(s *Session, from string, msg protocol.SendMessage) {
	util.Stats.AddAgentCall()

	if r.agent == nil {
		util.Stats.AddAgentFailure()
		r.send(from, protocol.EventReceiveMsg, r.turn(protocol.OriginSystem, "The agent is not available right now."))
		return
	}

	history := lo.Map(msg.History, func(t protocol.HistoryTurn, _ int) agent.Turn {
		role := agent.RoleUser
		if t.Role == protocol.HistoryAgent {
			role = agent.RoleAgent
		}
		return agent.Turn{Role: role, Text: t.Text}
	})
	history = append(history, agent.Turn{Role: agent.RoleUser, Text: msg.Text})

	sessionID := s.ID
	ctx, cancel := context.WithTimeout(s.agentCtx, r.agentTimeout)

	go func() {
		defer cancel()
		reply, err := r.agent.Generate(ctx, history)
		_ = r.post(func() { r.deliverAgentReply(sessionID, from, reply, err) })
	}()
}

func (r *Relay) deliverAgentReply(sessionID, to, reply string, err error) {
	s, ok := r.sessionOf(to)
	if !ok || s.ID != sessionID {
		util.LogDebug("agent reply for closed session %s discarded", sessionID)
		return
	}

	if err != nil {
		util.Stats.AddAgentFailure()
		util.LogWarning("agent call for session %s failed: %v", sessionID, err)
		r.send(to, protocol.EventReceiveMsg, r.turn(protocol.OriginSystem, "The agent could not answer. Please try again."))
		return
	}

	r.send(to, protocol.EventReceiveMsg, r.turn(protocol.OriginAgent, reply))
	util.Stats.AddChatTurn()
}

// release withdraws the participant from the pool and collapses its
// session, telling the remaining member. Repeated calls are no-ops.
func (r *Relay) release(id string) {
	if r.pool.Withdraw(id) {
		util.LogDebug("%s withdrawn from the pool", id)
	}

	if sid, ok := r.membership[id]; ok {
		delete(r.membership, id)

		if s, ok := r.sessions[sid]; ok {
			if peer, ok := s.peerOf(id); ok {
				r.send(peer.ID, protocol.EventPeerGone, nil)
				delete(r.membership, peer.ID)
				r.registry.SetPhase(peer.ID, registry.PhaseUnregistered)
			}
			s.close()
			delete(r.sessions, sid)
			util.LogInfo("session %s closed by %s", sid, id)
		}
	}

	r.registry.SetPhase(id, registry.PhaseUnregistered)
}

func (r *Relay) markActive(s *Session) {
	if s.active {
		return
	}
	s.active = true
	for _, m := range s.Members {
		if m.Live {
			r.registry.SetPhase(m.ID, registry.PhaseInSession)
		}
	}
}

func (r *Relay) turn(origin protocol.Origin, text string) protocol.ReceiveMessage {
	return protocol.ReceiveMessage{
		ID:        uuid.NewString(),
		Origin:    origin,
		Text:      text,
		Timestamp: r.now(),
	}
}

func (r *Relay) send(id, event string, payload any) {
	if err := r.registry.Send(id, event, payload); err != nil {
		util.LogDebug("%s to %s dropped: %v", event, id, err)
	}
}
