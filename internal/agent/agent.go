// Package agent bridges a conversation history to an external
// text-generation backend, retrying transient failures with exponential
// backoff.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1ureka/pairup/internal/util"
)

// Role tags a turn of the conversation history.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one prior message of an agent conversation.
type Turn struct {
	Role Role
	Text string
}

// Request is the complete backend call.
type Request struct {
	Model             string
	History           []Turn
	SystemInstruction string
	MaxOutputTokens   int
}

// Backend produces the next agent turn. Failures should be *Error values so
// the adapter can classify them.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultMaxTokens = 256
)

// Adapter is a stateless per-call bridge to a Backend.
type Adapter struct {
	backend   Backend
	model     string
	system    string
	maxTokens int
	attempts  int
	baseDelay time.Duration
	perCall   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithModel selects the backend model.
func WithModel(model string) Option { return func(a *Adapter) { a.model = model } }

// WithSystemInstruction sets the persona sent with every request.
func WithSystemInstruction(s string) Option { return func(a *Adapter) { a.system = s } }

// WithMaxOutputTokens bounds the response length.
func WithMaxOutputTokens(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithRetry sets the attempt bound and the first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(a *Adapter) {
		if attempts > 0 {
			a.attempts = attempts
		}
		if baseDelay >= 0 {
			a.baseDelay = baseDelay
		}
	}
}

// WithAttemptTimeout bounds each backend call. A call that runs out of time
// counts as an unavailable backend and is retried; the caller's context still
// bounds the whole exchange.
func WithAttemptTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.perCall = d
		}
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Adapter) { a.sleep = sleep }
}

// New creates an Adapter around backend.
func New(backend Backend, opts ...Option) *Adapter {
	a := &Adapter{
		backend:   backend,
		maxTokens: defaultMaxTokens,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate returns the agent's reply to history. Transient failures and
// empty replies are retried up to the attempt bound, waiting baseDelay,
// 2·baseDelay, 4·baseDelay... between attempts. Any other failure returns
// immediately; exhaustion wraps ErrExhausted around the last failure.
func (a *Adapter) Generate(ctx context.Context, history []Turn) (string, error) {
	req := Request{
		Model:             a.model,
		History:           history,
		SystemInstruction: a.system,
		MaxOutputTokens:   a.maxTokens,
	}

	delay := a.baseDelay
	var lastErr error

	for attempt := 1; attempt <= a.attempts; attempt++ {
		text, err := a.complete(ctx, req)
		if err == nil && strings.TrimSpace(text) == "" {
			err = &Error{Kind: KindEmpty, Message: "backend returned no text"}
		}
		if err == nil {
			return strings.TrimSpace(text), nil
		}

		if ctx.Err() != nil {
			return "", &Error{Kind: KindCanceled, Err: ctx.Err()}
		}
		if !IsTransient(err) {
			return "", err
		}

		lastErr = err
		if attempt == a.attempts {
			break
		}

		util.LogDebug("agent attempt %d/%d failed (%s), retrying in %s", attempt, a.attempts, KindOf(err), delay)
		if err := a.sleep(ctx, delay); err != nil {
			return "", &Error{Kind: KindCanceled, Err: err}
		}
		delay *= 2
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, a.attempts, lastErr)
}

// complete runs one attempt under the per-attempt deadline.
func (a *Adapter) complete(ctx context.Context, req Request) (string, error) {
	if a.perCall <= 0 {
		return a.backend.Complete(ctx, req)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.perCall)
	defer cancel()

	text, err := a.backend.Complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", &Error{Kind: KindUnavailable, Message: fmt.Sprintf("no response within %s", a.perCall), Err: err}
	}
	return text, err
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
