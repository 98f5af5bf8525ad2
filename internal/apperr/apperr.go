// Package apperr defines the error taxonomy shared by the sync engine.
//
// Every failure surfaced by the registry, timeline, store and generation layers is an *Error
// with a Kind. Callers test for a kind with errors.Is against the sentinel values:
//
//	if errors.Is(err, apperr.ErrAuth) { ... redirect to sign-in ... }
//
// A timeout is a remote failure for retry purposes, so errors.Is(err, ErrRemote) also reports
// true for errors of KindTimeout.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuth
	KindRemote
	KindTimeout
	KindNotFound
	KindCancelled
	KindBusy
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindBusy:
		return "busy"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed (for example
// "threads.create"); Err is the underlying cause and may be nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(defaultMessage(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches sentinel errors by kind. Only sentinels (no Op, no cause) match, so two
// unrelated remote failures are not considered equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Op != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindRemote && e.Kind == KindTimeout
}

var (
	ErrAuth      = &Error{Kind: KindAuth}
	ErrRemote    = &Error{Kind: KindRemote}
	ErrTimeout   = &Error{Kind: KindTimeout}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrCancelled = &Error{Kind: KindCancelled}
	ErrBusy      = &Error{Kind: KindBusy}
	ErrInvalid   = &Error{Kind: KindInvalid}
)

func defaultMessage(k Kind) string {
	switch k {
	case KindAuth:
		return "not signed in"
	case KindRemote:
		return "remote store unavailable"
	case KindTimeout:
		return "operation timed out"
	case KindNotFound:
		return "not found"
	case KindCancelled:
		return "operation cancelled"
	case KindBusy:
		return "operation already in progress"
	case KindInvalid:
		return "invalid request"
	default:
		return "unknown error"
	}
}

// E builds a classified error. If err already carries a kind it is preserved and only the
// operation name is added.
func E(kind Kind, op string, err error) error {
	var existing *Error
	if err != nil && errors.As(err, &existing) && existing.Kind != KindUnknown {
		if existing.Op == "" || existing.Op == op {
			return &Error{Kind: existing.Kind, Op: op, Err: existing.Err}
		}
		return &Error{Kind: existing.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a convenience for E(kind, op, fmt.Errorf(format, args...)).
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, mapping raw context errors to Cancelled/Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether a failure is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRemote, KindTimeout:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err is a user-initiated cancellation. Cancellation is not a
// failure: callers end the operation silently.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// FromContext classifies err in light of ctx. A context cancelled with cause ErrCancelled is
// a user cancellation; an expired deadline is a timeout; anything else unclassified becomes
// a remote failure.
func FromContext(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrCancelled):
			return E(KindCancelled, op, cause)
		case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(cause, ErrTimeout):
			return E(KindTimeout, op, err)
		default:
			return E(KindCancelled, op, err)
		}
	}
	if k := KindOf(err); k != KindUnknown {
		return E(k, op, err)
	}
	return E(KindRemote, op, err)
}
