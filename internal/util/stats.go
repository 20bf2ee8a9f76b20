package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide matchmaking/relay counter.
var Stats = &stats{}

type stats struct {
	Connected     atomic.Int64 // participants currently holding a control channel
	Waiting       atomic.Int64 // entries currently in the waiting pool
	Sessions      atomic.Int64 // live sessions (human and agent)
	Matches       atomic.Int64 // cumulative sessions created since process start
	Signals       atomic.Int64 // cumulative handshake messages relayed
	ChatTurns     atomic.Int64 // cumulative chat turns delivered
	AgentCalls    atomic.Int64 // cumulative agent adapter invocations
	AgentFailures atomic.Int64 // cumulative agent invocations that ended in a system turn
}

func (s *stats) AddConnected(n int64) { s.Connected.Add(n) }
func (s *stats) SetWaiting(n int)     { s.Waiting.Store(int64(n)) }
func (s *stats) SetSessions(n int)    { s.Sessions.Store(int64(n)) }
func (s *stats) AddMatch()            { s.Matches.Add(1) }
func (s *stats) AddSignal()           { s.Signals.Add(1) }
func (s *stats) AddChatTurn()         { s.ChatTurns.Add(1) }
func (s *stats) AddAgentCall()        { s.AgentCalls.Add(1) }
func (s *stats) AddAgentFailure()     { s.AgentFailures.Add(1) }

// Snapshot is a point-in-time copy of the counters, used by the health endpoint.
type Snapshot struct {
	Connected     int64 `json:"connected"`
	Waiting       int64 `json:"waiting"`
	Sessions      int64 `json:"sessions"`
	Matches       int64 `json:"matches"`
	Signals       int64 `json:"signals"`
	ChatTurns     int64 `json:"chatTurns"`
	AgentCalls    int64 `json:"agentCalls"`
	AgentFailures int64 `json:"agentFailures"`
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Connected:     s.Connected.Load(),
		Waiting:       s.Waiting.Load(),
		Sessions:      s.Sessions.Load(),
		Matches:       s.Matches.Load(),
		Signals:       s.Signals.Load(),
		ChatTurns:     s.ChatTurns.Load(),
		AgentCalls:    s.AgentCalls.Load(),
		AgentFailures: s.AgentFailures.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs matchmaking statistics
// every interval. Nothing is logged for quiet periods. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur.Matches != prev.Matches || cur.ChatTurns != prev.ChatTurns ||
					cur.Connected != prev.Connected || cur.Waiting != prev.Waiting {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary of the current gauges and the
// cumulative counters' growth since the previous report.
func formatStats(prev, cur Snapshot) string {
	return fmt.Sprintf("Online: %3d | Waiting: %3d | Sessions: %3d | Matches: +%d | Chat: +%d | Agent: +%d (%d failed)",
		cur.Connected,
		cur.Waiting,
		cur.Sessions,
		cur.Matches-prev.Matches,
		cur.ChatTurns-prev.ChatTurns,
		cur.AgentCalls-prev.AgentCalls,
		cur.AgentFailures-prev.AgentFailures,
	)
}
