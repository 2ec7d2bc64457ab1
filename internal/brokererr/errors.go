// Package brokererr defines the error taxonomy shared across the engine.
//
// Errors are classified by kind, not by concrete Go type, so that callers can
// use errors.Is against a small set of sentinels instead of type-switching.
package brokererr

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by broker operations attempted before the
// transport has established a session.
var ErrNotConnected = errors.New("broker: not connected")

// Kind classifies an error for the propagation policy in spec.md §7:
// operational kinds are retried/logged locally, safety-critical kinds bubble
// to the risk supervisor.
type Kind int

const (
	// KindTransient is a momentary broker failure (tick fetch, send retry).
	KindTransient Kind = iota
	// KindHard is a sustained broker disconnection.
	KindHard
	// KindHedgeViolation marks a spread with only one filled leg.
	KindHedgeViolation
	// KindStateIO marks a failed durable write of persisted state.
	KindStateIO
	// KindInvariant marks a detected invariant violation (e.g. grid state
	// with no matching broker positions).
	KindInvariant
	// KindLimitBreach marks a risk-limit breach requiring close-all.
	KindLimitBreach
	// KindManualClosure marks positions that vanished from the broker
	// outside of engine control.
	KindManualClosure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindHard:
		return "hard"
	case KindHedgeViolation:
		return "hedge_violation"
	case KindStateIO:
		return "state_io"
	case KindInvariant:
		return "invariant"
	case KindLimitBreach:
		return "limit_breach"
	case KindManualClosure:
		return "manual_closure"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and an optional broker error
// code, mirroring the shape of the teacher's ApiError (examples/errors/errors.go)
// but generalized to the engine's own taxonomy instead of one vendor's wire
// protocol.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching purely on Kind, so callers can write
// errors.Is(err, brokererr.New(brokererr.KindLimitBreach, "")) or, more
// idiomatically, use IsKind below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
