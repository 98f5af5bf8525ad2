// Package store is the remote persistence layer behind the thread registry and the message
// timeline. Rows are scoped by user id; threads are soft-deleted and never removed.
package store

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// VersionAuthor records who produced a message version: the user (edit) or the system
// (regeneration).
type VersionAuthor string

const (
	AuthorUser   VersionAuthor = "user"
	AuthorSystem VersionAuthor = "system"
)

const MaxTitleRunes = 200

type Thread struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Pinned    bool       `json:"pinned"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (t Thread) Deleted() bool { return t.DeletedAt != nil }

type Message struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Files        []string  `json:"files,omitempty"`
	VersionCount int       `json:"version_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type MessageVersion struct {
	MessageID string        `json:"message_id"`
	Number    int           `json:"version_number"`
	Content   string        `json:"content"`
	CreatedBy VersionAuthor `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}

// ThreadPatch lists the fields UpdateThread changes; nil fields are left alone.
type ThreadPatch struct {
	Title     *string
	Pinned    *bool
	UpdatedAt *time.Time
}

func (p ThreadPatch) Empty() bool {
	return p.Title == nil && p.Pinned == nil && p.UpdatedAt == nil
}

// ThreadPage is one page of a user's live threads, ordered pinned first, then most recently
// updated, then by id. Total counts every live thread of the user.
type ThreadPage struct {
	Threads []Thread
	Total   int
}

// MessagePage is one page of a thread's messages, newest first. Total counts every message
// in the thread.
type MessagePage struct {
	Messages []Message
	Total    int
}

// Remote is the authoritative store. Implementations report failures as *apperr.Error:
// missing rows are KindNotFound, bad input KindInvalid, everything else KindRemote (or
// KindTimeout/KindCancelled when ctx ends). A table that has not been provisioned yet reads as
// an empty result.
type Remote interface {
	ListThreads(ctx context.Context, userID string, offset, limit int) (ThreadPage, error)
	GetThread(ctx context.Context, userID, threadID string) (*Thread, error)
	CreateThread(ctx context.Context, t Thread) (*Thread, error)
	UpdateThread(ctx context.Context, userID, threadID string, patch ThreadPatch) (*Thread, error)
	// DeleteThread soft-deletes the thread and removes its messages and their versions.
	DeleteThread(ctx context.Context, userID, threadID string, at time.Time) error

	ListMessages(ctx context.Context, userID, threadID string, offset, limit int) (MessagePage, error)
	// InsertMessage is idempotent on the message id so a retried insert whose first attempt
	// landed returns the stored row.
	InsertMessage(ctx context.Context, m Message) (*Message, error)
	UpdateMessage(ctx context.Context, m Message) (*Message, error)

	// PutVersion inserts or replaces version v.Number of a message.
	PutVersion(ctx context.Context, userID string, v MessageVersion) error
	GetVersion(ctx context.Context, userID, messageID string, number int) (*MessageVersion, error)
	ListVersions(ctx context.Context, userID, messageID string) ([]MessageVersion, error)

	Close() error
}

// NormalizeTitle trims a thread title and reports whether it fits MaxTitleRunes.
func NormalizeTitle(title string) (string, bool) {
	title = strings.TrimSpace(title)
	return title, utf8.RuneCountInString(title) <= MaxTitleRunes
}

// TitleCandidate derives a short single-line title from message text.
func TitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.Join(strings.Fields(text), " ")
	return TruncateRunes(text, 48)
}

func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// canonicalThread trims fields and fills server-assigned timestamps.
func canonicalThread(t Thread, now time.Time) Thread {
	t.ID = strings.TrimSpace(t.ID)
	t.UserID = strings.TrimSpace(t.UserID)
	t.Title = strings.TrimSpace(t.Title)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.CreatedAt = fromUnixMs(unixMs(t.CreatedAt))
	t.UpdatedAt = fromUnixMs(unixMs(t.UpdatedAt))
	t.DeletedAt = nil
	return t
}

func canonicalMessage(m Message, now time.Time) Message {
	m.ID = strings.TrimSpace(m.ID)
	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.UserID = strings.TrimSpace(m.UserID)
	if m.VersionCount < 1 {
		m.VersionCount = 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = fromUnixMs(unixMs(m.CreatedAt))
	files := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	m.Files = files
	return m
}
