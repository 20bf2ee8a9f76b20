package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/pairup/internal/peer"
	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/signaling"
	"github.com/1ureka/pairup/internal/util"
	"github.com/1ureka/pairup/internal/webrtc"
)

// maxAgentHistory bounds the turns sent with each agent request.
const maxAgentHistory = 20

// ClientOptions describe one headless participant.
type ClientOptions struct {
	URL       string
	Mode      protocol.Mode
	Interests []string

	STUNServers        []string
	LoopbackCandidates bool

	// Input supplies chat lines and the /next, /leave and /quit commands.
	Input io.Reader
}

// RunClient orchestrates the participant lifecycle:
//  1. Connect to the matchmaking server
//  2. Join with the chosen mode and interests
//  3. Drive the connection state machine from server events
//  4. Relay typed lines as chat until /quit, EOF or shutdown
func RunClient(ctx context.Context, opts ClientOptions) error {
	// ── 1. Connect ─────────────────────────────────────────────────────
	pterm.Info.Printfln("Connecting to %s...", opts.URL)
	client, err := signaling.Dial(ctx, opts.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	p := newParticipant(client, opts)

	// ── 2. Join ────────────────────────────────────────────────────────
	if err := p.join(); err != nil {
		return err
	}

	// ── 3/4. Event loop ────────────────────────────────────────────────
	return p.run(ctx, readLines(ctx, opts.Input))
}

// participant owns the client-side state of one control channel. Fields
// below mu are written by run only.
type participant struct {
	client  *signaling.Client
	machine *peer.Machine
	opts    ClientOptions

	mu         sync.Mutex
	waiting    bool
	assignment peer.Assignment
	history    []protocol.HistoryTurn
}

func newParticipant(client *signaling.Client, opts ClientOptions) *participant {
	p := &participant{client: client, opts: opts}

	factory := webrtc.NewFactory(webrtc.Options{
		STUNServers:        opts.STUNServers,
		LoopbackCandidates: opts.LoopbackCandidates,
	})
	p.machine = peer.NewMachine(factory, func(target string, payload json.RawMessage) error {
		return client.Send(protocol.EventSignal, protocol.Signal{Target: target, Payload: payload})
	})
	return p
}

func (p *participant) join() error {
	return p.client.Send(protocol.EventJoinMode, protocol.JoinMode{
		Mode:      p.opts.Mode,
		Interests: p.opts.Interests,
	})
}

func (p *participant) run(ctx context.Context, lines <-chan string) error {
	transitions := p.machine.Subscribe()
	defer p.machine.Teardown()

	for {
		select {
		case env, ok := <-p.client.Events():
			if !ok {
				if err := p.client.Err(); err != nil {
					return fmt.Errorf("control channel lost: %w", err)
				}
				return errors.New("server closed the control channel")
			}
			p.handleEvent(env)

		case t := <-transitions:
			p.showTransition(t)

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := p.handleLine(line); quit {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (p *participant) handleEvent(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventWaiting:
		p.mu.Lock()
		p.waiting = true
		p.mu.Unlock()
		pterm.Info.Println("Waiting for someone with matching interests...")

	case protocol.EventMatchFound:
		var mf protocol.MatchFound
		if err := json.Unmarshal(env.Data, &mf); err != nil {
			util.LogWarning("bad match_found: %v", err)
			return
		}
		p.machine.Teardown()

		a := peer.Assignment{SessionID: mf.SessionID, PeerID: mf.PeerID, Role: mf.Role, IsAgent: mf.IsAgent}
		p.mu.Lock()
		p.waiting = false
		p.assignment = a
		p.history = nil
		p.mu.Unlock()

		if mf.IsAgent {
			pterm.Success.Println("You are chatting with an AI agent. Say hi!")
		} else {
			pterm.Success.Printfln("Matched with a stranger (you are the %s)", mf.Role)
		}
		if err := p.machine.Assign(a); err != nil {
			util.LogError("cannot start session: %v", err)
		}

	case protocol.EventSignalRecv:
		var sig protocol.SignalReceived
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			return
		}
		if err := p.machine.Signal(sig.From, sig.Payload); err != nil {
			util.LogDebug("signal from %s: %v", sig.From, err)
		}

	case protocol.EventPeerGone:
		p.machine.Teardown()
		p.mu.Lock()
		p.assignment = peer.Assignment{}
		p.mu.Unlock()
		pterm.Warning.Println("The stranger left. Type /next to meet someone new.")

	case protocol.EventReceiveMsg:
		var msg protocol.ReceiveMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		p.showTurn(msg)

	case protocol.EventError:
		var e protocol.Error
		_ = json.Unmarshal(env.Data, &e)
		util.LogWarning("server rejected %s: %s", e.Event, e.Message)

	default:
		util.LogDebug("ignoring event %q", env.Event)
	}
}

// handleLine runs one input line and reports whether to quit.
func (p *participant) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/leave":
		p.leave()
		pterm.Info.Println("Left the chat. Type /next to meet someone new.")
		return false
	case "/next":
		p.leave()
		if err := p.join(); err != nil {
			util.LogError("join: %v", err)
		}
		return false
	}

	p.mu.Lock()
	a := p.assignment
	history := p.history[max(0, len(p.history)-maxAgentHistory):]
	p.mu.Unlock()

	if a.SessionID == "" {
		util.LogWarning("not in a chat yet")
		return false
	}

	msg := protocol.SendMessage{SessionID: a.SessionID, Text: line, IsAgent: a.IsAgent}
	if a.IsAgent {
		msg.History = history
	}
	if err := p.client.Send(protocol.EventSendMessage, msg); err != nil {
		util.LogError("send: %v", err)
		return false
	}

	if a.IsAgent {
		p.mu.Lock()
		p.history = append(p.history, protocol.HistoryTurn{Role: protocol.HistoryUser, Text: line})
		p.mu.Unlock()
	}
	return false
}

func (p *participant) leave() {
	p.machine.Teardown()
	p.mu.Lock()
	p.waiting = false
	p.assignment = peer.Assignment{}
	p.history = nil
	p.mu.Unlock()
	if err := p.client.Send(protocol.EventLeaveChat, nil); err != nil {
		util.LogError("leave: %v", err)
	}
}

func (p *participant) showTurn(msg protocol.ReceiveMessage) {
	switch msg.Origin {
	case protocol.OriginAgent:
		p.mu.Lock()
		p.history = append(p.history, protocol.HistoryTurn{Role: protocol.HistoryAgent, Text: msg.Text})
		p.mu.Unlock()
		pterm.Println(pterm.Magenta("agent") + ": " + msg.Text)
	case protocol.OriginPeer:
		pterm.Println(pterm.Cyan("stranger") + ": " + msg.Text)
	default:
		pterm.Warning.Println(msg.Text)
	}
}

func (p *participant) showTransition(t peer.Transition) {
	switch t.To {
	case peer.StateConnecting:
		pterm.Info.Println("Connecting...")
	case peer.StateConnected:
		pterm.Success.Println("Connected")
	case peer.StateFailed:
		pterm.Error.Printfln("Connection failed: %v (type /next to try someone else)", t.Err)
	case peer.StateIdle:
		util.LogDebug("connection released (session %s)", t.SessionID)
	}
}

// readLines feeds lines from r until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	if r == nil {
		return lines
	}

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
