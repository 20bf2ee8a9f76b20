package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/pairup/internal/agent"
	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/registry"
)

type recorded struct {
	event   string
	payload any
}

// recorder is an in-memory control channel.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{event: event, payload: payload})
	return nil
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recorder) named(event string) []recorded {
	var out []recorded
	for _, e := range r.all() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) matchFound(t *testing.T) protocol.MatchFound {
	t.Helper()
	found := r.named(protocol.EventMatchFound)
	require.Len(t, found, 1)
	return found[0].payload.(protocol.MatchFound)
}

type fixture struct {
	t     *testing.T
	relay *Relay
	reg   *registry.Registry
	sinks map[string]*recorder
}

func newFixture(t *testing.T, gen Generator) *fixture {
	t.Helper()
	reg := registry.New()
	f := &fixture{
		t:     t,
		relay: New(reg, gen, Options{MaxChatLength: 10, AgentTimeout: 5 * time.Second}),
		reg:   reg,
		sinks: make(map[string]*recorder),
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = f.relay.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return f
}

func (f *fixture) connect(ids ...string) {
	for _, id := range ids {
		f.sinks[id] = &recorder{}
		require.NoError(f.t, f.relay.Connect(id, f.sinks[id]))
	}
}

func (f *fixture) join(id string, mode protocol.Mode, interests ...string) {
	require.NoError(f.t, f.relay.Join(id, protocol.JoinMode{Mode: mode, Interests: interests}))
}

func (f *fixture) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.relay.Flush(ctx))
}

func (f *fixture) snapshot() Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.relay.Snapshot(ctx)
	require.NoError(f.t, err)
	return s
}

func TestRelay_InterestScenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.connect("music", "sports", "both")

	// Given a music fan and a sports fan waiting
	f.join("music", protocol.ModeHuman, "music")
	f.join("sports", protocol.ModeHuman, "sports")
	f.flush()
	req.Len(f.sinks["music"].named(protocol.EventWaiting), 1)
	req.Len(f.sinks["sports"].named(protocol.EventWaiting), 1)

	// When someone into music and travel joins
	f.join("both", protocol.ModeHuman, "Music", "travel")
	f.flush()

	// Then the music fan initiates and the newcomer responds
	initiator := f.sinks["music"].matchFound(t)
	responder := f.sinks["both"].matchFound(t)
	req.Equal(protocol.RoleInitiator, initiator.Role)
	req.Equal("both", initiator.PeerID)
	req.Equal(protocol.RoleResponder, responder.Role)
	req.Equal("music", responder.PeerID)
	req.Equal(initiator.SessionID, responder.SessionID)
	req.False(initiator.IsAgent)

	// And the sports fan is still waiting
	snap := f.snapshot()
	req.Equal([]string{"sports"}, snap.Waiting)
	req.Equal(1, snap.Sessions)
	req.Equal(registry.PhaseMatched, f.reg.Phase("music"))
	req.Equal(registry.PhaseWaiting, f.reg.Phase("sports"))
}

func TestRelay_AgentJoin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.connect("solo")

	f.join("solo", protocol.ModeAgent, "ignored")
	f.flush()

	mf := f.sinks["solo"].matchFound(t)
	req.True(mf.IsAgent)
	req.Equal(protocol.RoleInitiator, mf.Role)
	req.Empty(mf.PeerID)
	req.NotEmpty(mf.SessionID)
	req.Empty(f.sinks["solo"].named(protocol.EventWaiting))

	snap := f.snapshot()
	req.Empty(snap.Waiting)
	req.Equal(1, snap.Sessions)
}

func (f *fixture) pair(a, b string) string {
	f.connect(a, b)
	f.join(a, protocol.ModeHuman)
	f.join(b, protocol.ModeHuman)
	f.flush()
	return f.sinks[a].matchFound(f.t).SessionID
}

func TestRelay_DisconnectMidHandshake(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.pair("alice", "bob")

	// Given alice has sent her offer
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	req.NoError(f.relay.Signal("alice", protocol.Signal{Target: "bob", Payload: offer}))
	f.flush()

	got := f.sinks["bob"].named(protocol.EventSignalRecv)
	req.Len(got, 1)
	req.Equal(protocol.SignalReceived{From: "alice", Payload: offer}, got[0].payload)

	// When bob vanishes and then everything cleans up twice
	req.NoError(f.relay.Disconnect("bob"))
	req.NoError(f.relay.Disconnect("bob"))
	req.NoError(f.relay.Leave("alice"))
	f.flush()

	// Then alice is told exactly once and her late candidate goes nowhere
	req.Len(f.sinks["alice"].named(protocol.EventPeerGone), 1)
	req.NoError(f.relay.Signal("alice", protocol.Signal{Target: "bob", Payload: json.RawMessage(`{"type":"candidate"}`)}))
	f.flush()
	req.Len(f.sinks["bob"].named(protocol.EventSignalRecv), 1)

	snap := f.snapshot()
	req.Equal(0, snap.Sessions)
	req.Equal(1, snap.Connected)
	req.False(f.reg.Connected("bob"))
	req.Equal(registry.PhaseUnregistered, f.reg.Phase("alice"))
}

func TestRelay_LeaveThenDisconnectNotifiesOnce(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.pair("a", "b")

	req.NoError(f.relay.Leave("a"))
	req.NoError(f.relay.Disconnect("a"))
	f.flush()

	req.Len(f.sinks["b"].named(protocol.EventPeerGone), 1)
	req.Empty(f.sinks["a"].named(protocol.EventPeerGone))
}

func TestRelay_SignalsOnlyReachTheSessionPeer(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.pair("a", "b")
	f.connect("outsider")

	payload := json.RawMessage(`{"type":"candidate"}`)
	req.NoError(f.relay.Signal("outsider", protocol.Signal{Target: "a", Payload: payload}))
	req.NoError(f.relay.Signal("a", protocol.Signal{Target: "outsider", Payload: payload}))
	req.NoError(f.relay.Signal("a", protocol.Signal{Target: "a", Payload: payload}))
	f.flush()

	req.Empty(f.sinks["a"].named(protocol.EventSignalRecv))
	req.Empty(f.sinks["b"].named(protocol.EventSignalRecv))
	req.Empty(f.sinks["outsider"].named(protocol.EventSignalRecv))
}

func TestRelay_FirstTrafficMovesToInSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.pair("a", "b")

	req.Equal(registry.PhaseMatched, f.reg.Phase("b"))
	req.NoError(f.relay.Signal("a", protocol.Signal{Target: "b", Payload: json.RawMessage(`{}`)}))
	f.flush()

	req.Equal(registry.PhaseInSession, f.reg.Phase("a"))
	req.Equal(registry.PhaseInSession, f.reg.Phase("b"))
}

func TestRelay_LeaveWhileWaiting(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.connect("w", "x")

	f.join("w", protocol.ModeHuman, "chess")
	req.NoError(f.relay.Leave("w"))
	req.NoError(f.relay.Leave("w"))
	f.join("x", protocol.ModeHuman, "chess")
	f.flush()

	req.Empty(f.sinks["w"].named(protocol.EventMatchFound))
	req.Equal([]string{"x"}, f.snapshot().Waiting)
}

func TestRelay_RejoinReleasesPreviousSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.pair("a", "b")

	// When a asks for someone new
	f.join("a", protocol.ModeHuman)
	f.flush()

	// Then b is released and a waits again, alone
	req.Len(f.sinks["b"].named(protocol.EventPeerGone), 1)
	req.Len(f.sinks["a"].named(protocol.EventWaiting), 1)
	snap := f.snapshot()
	req.Equal([]string{"a"}, snap.Waiting)
	req.Equal(0, snap.Sessions)

	// And b can be matched with a again
	f.join("b", protocol.ModeHuman)
	f.flush()
	req.Len(f.sinks["b"].named(protocol.EventMatchFound), 2)
}

func TestRelay_DuplicateJoinDoesNotDuplicateEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("dup")

	f.join("dup", protocol.ModeHuman, "x")
	f.join("dup", protocol.ModeHuman, "x")
	f.flush()

	assert.Equal(t, []string{"dup"}, f.snapshot().Waiting)
}

func TestRelay_JoinFromUnknownParticipantIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.relay.Join("ghost", protocol.JoinMode{Mode: protocol.ModeHuman}))
	f.flush()
	assert.Empty(t, f.snapshot().Waiting)
}

func TestRelay_HumanChat(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	sid := f.pair("a", "b")

	req.NoError(f.relay.Chat("a", protocol.SendMessage{SessionID: sid, Text: "hi"}))
	req.NoError(f.relay.Chat("a", protocol.SendMessage{SessionID: "other", Text: "lost"}))
	req.NoError(f.relay.Chat("a", protocol.SendMessage{SessionID: sid, Text: "far too long text"}))
	f.flush()

	got := f.sinks["b"].named(protocol.EventReceiveMsg)
	req.Len(got, 1)
	turn := got[0].payload.(protocol.ReceiveMessage)
	req.Equal(protocol.OriginPeer, turn.Origin)
	req.Equal("hi", turn.Text)
	req.NotEmpty(turn.ID)
	req.False(turn.Timestamp.IsZero())

	errs := f.sinks["a"].named(protocol.EventError)
	req.Len(errs, 1)
	req.Equal(protocol.EventSendMessage, errs[0].payload.(protocol.Error).Event)
}

// fakeGenerator answers from a function and records the histories it saw.
type fakeGenerator struct {
	mu        sync.Mutex
	histories [][]agent.Turn
	answer    func(ctx context.Context) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, history []agent.Turn) (string, error) {
	g.mu.Lock()
	g.histories = append(g.histories, history)
	g.mu.Unlock()
	return g.answer(ctx)
}

func waitFor(t *testing.T, rec *recorder, event string, n int) []recorded {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.named(event)) >= n }, 5*time.Second, 5*time.Millisecond)
	return rec.named(event)
}

func TestRelay_AgentChat(t *testing.T) {
	req := require.New(t)
	gen := &fakeGenerator{answer: func(context.Context) (string, error) { return "hey!", nil }}
	f := newFixture(t, gen)
	f.connect("u")
	f.join("u", protocol.ModeAgent)
	f.flush()
	sid := f.sinks["u"].matchFound(t).SessionID

	req.NoError(f.relay.Chat("u", protocol.SendMessage{
		SessionID: sid,
		Text:      "and you?",
		IsAgent:   true,
		History: []protocol.HistoryTurn{
			{Role: protocol.HistoryUser, Text: "hello"},
			{Role: protocol.HistoryAgent, Text: "hi"},
		},
	}))

	got := waitFor(t, f.sinks["u"], protocol.EventReceiveMsg, 1)
	turn := got[0].payload.(protocol.ReceiveMessage)
	req.Equal(protocol.OriginAgent, turn.Origin)
	req.Equal("hey!", turn.Text)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	req.Equal([]agent.Turn{
		{Role: agent.RoleUser, Text: "hello"},
		{Role: agent.RoleAgent, Text: "hi"},
		{Role: agent.RoleUser, Text: "and you?"},
	}, gen.histories[0])
}

func TestRelay_AgentFailureBecomesSystemTurn(t *testing.T) {
	gen := &fakeGenerator{answer: func(context.Context) (string, error) {
		return "", &agent.Error{Kind: agent.KindAuth}
	}}
	f := newFixture(t, gen)
	f.connect("u")
	f.join("u", protocol.ModeAgent)
	f.flush()
	sid := f.sinks["u"].matchFound(t).SessionID

	require.NoError(t, f.relay.Chat("u", protocol.SendMessage{SessionID: sid, Text: "hi", IsAgent: true}))

	got := waitFor(t, f.sinks["u"], protocol.EventReceiveMsg, 1)
	assert.Equal(t, protocol.OriginSystem, got[0].payload.(protocol.ReceiveMessage).Origin)
}

func TestRelay_AgentWithoutBackend(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("u")
	f.join("u", protocol.ModeAgent)
	f.flush()
	sid := f.sinks["u"].matchFound(t).SessionID

	require.NoError(t, f.relay.Chat("u", protocol.SendMessage{SessionID: sid, Text: "hi", IsAgent: true}))
	f.flush()

	got := f.sinks["u"].named(protocol.EventReceiveMsg)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.OriginSystem, got[0].payload.(protocol.ReceiveMessage).Origin)
}

func TestRelay_AgentReplyAfterLeaveIsDiscarded(t *testing.T) {
	req := require.New(t)
	release := make(chan struct{})
	finished := make(chan error, 1)
	gen := &fakeGenerator{answer: func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "too late", nil
		case <-ctx.Done():
			finished <- ctx.Err()
			return "", ctx.Err()
		}
	}}
	f := newFixture(t, gen)
	f.connect("u")
	f.join("u", protocol.ModeAgent)
	f.flush()
	sid := f.sinks["u"].matchFound(t).SessionID

	// Given an agent call in flight
	req.NoError(f.relay.Chat("u", protocol.SendMessage{SessionID: sid, Text: "hi", IsAgent: true}))
	req.Eventually(func() bool {
		gen.mu.Lock()
		defer gen.mu.Unlock()
		return len(gen.histories) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// When the participant leaves and joins a new agent session
	req.NoError(f.relay.Leave("u"))
	f.join("u", protocol.ModeAgent)
	f.flush()

	// Then the call is cancelled and nothing reaches the new session
	select {
	case err := <-finished:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("agent call was not cancelled")
	}
	close(release)
	f.flush()
	f.flush()
	req.Empty(f.sinks["u"].named(protocol.EventReceiveMsg))
}

func TestRelay_BackoffBoundYieldsOneSystemTurn(t *testing.T) {
	req := require.New(t)

	var delays []time.Duration
	var mu sync.Mutex
	calls := 0
	backend := backendFunc(func(context.Context, agent.Request) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "", &agent.Error{Kind: agent.KindRateLimited, Status: 429}
	})
	adapter := agent.New(backend, agent.WithModel("m"), agent.WithRetry(3, 10*time.Millisecond),
		agent.WithSleeper(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		}))

	f := newFixture(t, adapter)
	f.connect("u")
	f.join("u", protocol.ModeAgent)
	f.flush()
	sid := f.sinks["u"].matchFound(t).SessionID

	req.NoError(f.relay.Chat("u", protocol.SendMessage{SessionID: sid, Text: "hi", IsAgent: true}))
	waitFor(t, f.sinks["u"], protocol.EventReceiveMsg, 1)
	f.flush()

	got := f.sinks["u"].named(protocol.EventReceiveMsg)
	req.Len(got, 1)
	req.Equal(protocol.OriginSystem, got[0].payload.(protocol.ReceiveMessage).Origin)

	mu.Lock()
	defer mu.Unlock()
	req.Equal(3, calls)
	req.Len(delays, 2)
	req.LessOrEqual(delays[0], delays[1])
}

type backendFunc func(context.Context, agent.Request) (string, error)

func (f backendFunc) Complete(ctx context.Context, r agent.Request) (string, error) { return f(ctx, r) }

func TestRelay_StoppedRelayRefusesEvents(t *testing.T) {
	r := New(registry.New(), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- r.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-stopped, context.Canceled)

	assert.ErrorIs(t, r.Join("x", protocol.JoinMode{Mode: protocol.ModeHuman}), ErrStopped)
	assert.ErrorIs(t, r.Flush(context.Background()), ErrStopped)
	_, err := r.Snapshot(context.Background())
	assert.True(t, errors.Is(err, ErrStopped))
}
