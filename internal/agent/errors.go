package agent

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
	KindEmpty       Kind = "empty_response"
	KindBadRequest  Kind = "bad_request"
	KindAuth        Kind = "unauthorized"
	KindCanceled    Kind = "canceled"
	KindUnknown     Kind = "unknown"
)

// ErrExhausted is returned when every attempt failed with a transient error.
var ErrExhausted = errors.New("agent backend retries exhausted")

// Error is a classified backend failure. Backends return it so the adapter
// can decide on retries without inspecting message text.
type Error struct {
	Kind    Kind
	Status  int // HTTP status, when known
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("agent backend: %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindInternal, KindEmpty:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a retryable backend error.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
