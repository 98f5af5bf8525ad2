// Package optrack tracks in-flight operations per entity id.
//
// At most one operation may be pending for an id. A second Begin for the same id is rejected
// rather than queued; callers that want the first operation's outcome use Wait. Each operation
// carries a context that is the cancellation token for every network call it makes.
package optrack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/floegence/threadsync/internal/apperr"
)

// ErrPending is returned by Begin when the id already has an operation in flight.
var ErrPending = fmt.Errorf("operation pending: %w", apperr.ErrBusy)

type Token struct {
	id    string
	group string

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

func (t *Token) ID() string { return t.id }
func (t *Token) Group() string { return t.group }
func (t *Token) Context() context.Context { return t.ctx }
func (t *Token) Done() <-chan struct{} { return t.done }
func (t *Token) Err() error { return t.ctx.Err() }
func (t *Token) Cause() error { return context.Cause(t.ctx) }

// Cancelled reports whether the operation was cancelled by Cancel/CancelGroup (as opposed to
// finishing normally or timing out through its parent).
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil && errors.Is(context.Cause(t.ctx), apperr.ErrCancelled)
}

func (t *Token) finish() {
	t.once.Do(func() {
		close(t.done)
	})
}

type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Token
}

func New() *Tracker {
	return &Tracker{pending: make(map[string]*Token)}
}

// Begin registers an operation for id. group is an optional grouping key (the thread id) used
// by CancelGroup.
func (t *Tracker) Begin(parent context.Context, id string, group string) (*Token, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, "optrack.begin", "missing operation id")
	}
	if parent == nil {
		parent = context.Background()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return nil, ErrPending
	}
	ctx, cancel := context.WithCancelCause(parent)
	tok := &Token{
		id:     id,
		group:  strings.TrimSpace(group),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.pending[id] = tok
	return tok, nil
}

// End releases the bookkeeping for tok. It is idempotent, and a stale token never removes a
// newer operation registered under the same id.
func (t *Tracker) End(tok *Token) {
	if tok == nil {
		return
	}
	t.mu.Lock()
	if cur, ok := t.pending[tok.id]; ok && cur == tok {
		delete(t.pending, tok.id)
	}
	t.mu.Unlock()

	tok.cancel(context.Canceled)
	tok.finish()
}

// EndID releases whatever operation is pending for id.
func (t *Tracker) EndID(id string) {
	t.mu.Lock()
	tok := t.pending[strings.TrimSpace(id)]
	t.mu.Unlock()
	t.End(tok)
}

// Cancel signals cancellation to the pending operation for id and ends it. It reports whether
// an operation was pending.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	tok := t.pending[strings.TrimSpace(id)]
	t.mu.Unlock()
	if tok == nil {
		return false
	}
	tok.cancel(apperr.ErrCancelled)
	t.End(tok)
	return true
}

// CancelGroup cancels every pending operation in group and returns how many were cancelled.
func (t *Tracker) CancelGroup(group string) int {
	group = strings.TrimSpace(group)
	if group == "" {
		return 0
	}
	t.mu.Lock()
	var toks []*Token
	for _, tok := range t.pending {
		if tok.group == group {
			toks = append(toks, tok)
		}
	}
	t.mu.Unlock()

	for _, tok := range toks {
		tok.cancel(apperr.ErrCancelled)
		t.End(tok)
	}
	return len(toks)
}

func (t *Tracker) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[strings.TrimSpace(id)]
	return ok
}

// Wait blocks until the operation pending for id (if any) ends or ctx is done.
func (t *Tracker) Wait(ctx context.Context, id string) error {
	t.mu.Lock()
	tok := t.pending[strings.TrimSpace(id)]
	t.mu.Unlock()
	if tok == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-tok.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IDs returns the pending ids in sorted order.
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pending))
	for id := range t.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
