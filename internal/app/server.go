// Package app contains the top-level orchestration for the matchmaking
// server and the headless participant.
package app

import (
	"context"
	"fmt"
	"net"

	"github.com/1ureka/pairup/internal/agent"
	"github.com/1ureka/pairup/internal/config"
	"github.com/1ureka/pairup/internal/registry"
	"github.com/1ureka/pairup/internal/relay"
	"github.com/1ureka/pairup/internal/signaling"
	"github.com/1ureka/pairup/internal/util"
)

// RunServer starts the matchmaking server and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.Config) error {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, cfg, listener)
}

// Serve runs the server on an existing listener:
//  1. Load the agent profile and build the adapter (if a key is configured)
//  2. Start the relay loop
//  3. Start the stats reporter
//  4. Accept control channels until shutdown
func Serve(ctx context.Context, cfg config.Config, listener net.Listener) error {
	if !util.SetLevel(cfg.LogLevel) {
		util.LogWarning("unknown log level %q, keeping the default", cfg.LogLevel)
	}

	// ── 1. Agent ───────────────────────────────────────────────────────
	gen, err := newGenerator(cfg)
	if err != nil {
		listener.Close()
		return err
	}

	// ── 2. Relay ───────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := relay.New(registry.New(), gen, relay.Options{
		QueueSize:     cfg.QueueSize,
		MaxChatLength: cfg.MaxChatLength,
		AgentTimeout:  cfg.AgentTimeout,
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = r.Run(ctx)
	}()

	// ── 3. Stats ───────────────────────────────────────────────────────
	util.StartStatsReporter(ctx, cfg.StatsInterval)

	// ── 4. Control channel ─────────────────────────────────────────────
	srv := signaling.NewServer(r, signaling.Options{
		OutboxSize:      cfg.OutboxSize,
		EventRate:       cfg.EventRate,
		EventBurst:      cfg.EventBurst,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	util.LogSuccess("matchmaking server listening on ws://%s/ws", listener.Addr())

	err = srv.Serve(ctx, listener)
	cancel()
	<-relayDone
	return err
}

// newGenerator builds the agent adapter. Without an API key agent mode
// still matches, but every chat turn is answered by a system message.
func newGenerator(cfg config.Config) (relay.Generator, error) {
	profile, err := config.LoadAgentProfile(cfg.AgentProfile)
	if err != nil {
		return nil, err
	}

	if cfg.AgentAPIKey == "" {
		util.LogWarning("PAIRUP_AGENT_API_KEY is not set: agent mode will answer with system messages")
		return nil, nil
	}

	backend := agent.NewGeminiBackend(cfg.AgentAPIKey, cfg.AgentBaseURL)
	backend.HTTPClient.Timeout = cfg.AgentAttemptTimeout

	util.LogInfo("agent backend: %s (model %s, %d attempts)", backend.BaseURL, profile.Model, profile.Attempts)
	return agent.New(backend,
		agent.WithModel(profile.Model),
		agent.WithSystemInstruction(profile.SystemInstruction),
		agent.WithMaxOutputTokens(profile.MaxOutputTokens),
		agent.WithRetry(profile.Attempts, profile.BaseDelay),
		agent.WithAttemptTimeout(cfg.AgentAttemptTimeout),
	), nil
}
