// Package signaling carries the control channel: a WebSocket per
// participant over which matchmaking, handshake and chat events travel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/registry"
	"github.com/1ureka/pairup/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay receives the decoded inbound events of every connection.
type Relay interface {
	Connect(id string, sink registry.Sink) error
	Join(id string, req protocol.JoinMode) error
	Signal(from string, sig protocol.Signal) error
	Chat(from string, msg protocol.SendMessage) error
	Leave(id string) error
	Disconnect(id string) error
}

// Options bound each connection.
type Options struct {
	OutboxSize      int
	EventRate       float64 // inbound events per second
	EventBurst      int
	MaxMessageBytes int64
}

// Server accepts control channels on /ws and reports counters on /health.
type Server struct {
	relay   Relay
	opts    Options
	mux     *http.ServeMux
	started time.Time
}

// NewServer wires the HTTP routes.
func NewServer(relay Relay, opts Options) *Server {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	if opts.EventRate <= 0 {
		opts.EventRate = 20
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 40
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}

	s := &Server{
		relay:   relay,
		opts:    opts,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on listener until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control channel server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	util.LogInfo("control channel → ws://%s/ws", listener.Addr())
	return s.Serve(ctx, listener)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"stats":  util.Stats.Snapshot(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, s.opts.OutboxSize)
	go c.writeLoop()
	defer c.close()

	if err := s.relay.Connect(id, c); err != nil {
		util.LogWarning("rejecting %s: %v", r.RemoteAddr, err)
		return
	}
	defer func() {
		if err := s.relay.Disconnect(id); err != nil {
			util.LogDebug("disconnect %s: %v", id, err)
		}
	}()

	s.readLoop(c)
}

// readLoop decodes inbound frames and posts them to the relay until the
// socket fails. Malformed and rate-limited events are answered with an
// error event and otherwise ignored.
func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(s.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.opts.EventRate), s.opts.EventBurst)

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogDebug("read from %s: %v", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			s.reject(c, "", errors.New("too many events"))
			continue
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			s.reject(c, "", err)
			continue
		}
		if err := s.dispatch(c.id, env); err != nil {
			if errors.Is(err, errRelayUnavailable) {
				return
			}
			s.reject(c, env.Event, err)
		}
	}
}

// errRelayUnavailable marks relay errors that end the connection.
var errRelayUnavailable = errors.New("relay unavailable")

func (s *Server) dispatch(id string, env protocol.Envelope) error {
	var err error

	switch env.Event {
	case protocol.EventJoinMode:
		var req protocol.JoinMode
		if err := env.Bind(&req); err != nil {
			return err
		}
		err = s.relay.Join(id, req)

	case protocol.EventSignal:
		var sig protocol.Signal
		if err := env.Bind(&sig); err != nil {
			return err
		}
		err = s.relay.Signal(id, sig)

	case protocol.EventSendMessage:
		var msg protocol.SendMessage
		if err := env.Bind(&msg); err != nil {
			return err
		}
		err = s.relay.Chat(id, msg)

	case protocol.EventLeaveChat:
		err = s.relay.Leave(id)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err != nil {
		return fmt.Errorf("%w: %v", errRelayUnavailable, err)
	}
	return nil
}

func (s *Server) reject(c *conn, event string, err error) {
	util.LogDebug("rejected event from %s: %v", c.id, err)
	_ = c.Send(protocol.EventError, protocol.Error{Event: event, Message: err.Error()})
}
