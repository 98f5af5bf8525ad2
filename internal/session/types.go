// Package session carries the authenticated user through a request context.
package session

import (
	"context"
	"strings"
)

// Meta is the signed-in user the sync engine acts for. Every remote row is scoped by UserID.
type Meta struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms,omitempty"`

	// Personalized is set when the user has a personalization profile; personal questions are
	// then answered from that profile instead of web search.
	Personalized bool `json:"personalized,omitempty"`
}

func (m *Meta) Valid() bool {
	return m != nil && strings.TrimSpace(m.UserID) != ""
}

type ctxKey struct{}

// WithMeta returns a copy of ctx carrying m.
func WithMeta(ctx context.Context, m *Meta) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the session meta attached by WithMeta, or nil.
func FromContext(ctx context.Context) *Meta {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(ctxKey{}).(*Meta)
	if !m.Valid() {
		return nil
	}
	return m
}

// UserID is shorthand for FromContext(ctx).UserID, returning "" when no user is signed in.
func UserID(ctx context.Context) string {
	if m := FromContext(ctx); m != nil {
		return strings.TrimSpace(m.UserID)
	}
	return ""
}
