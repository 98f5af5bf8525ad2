// Package threads keeps the signed-in user's thread list in sync with the remote store.
//
// Mutations are optimistic: the local list changes (and is re-sorted) before the remote call
// is issued, and is rolled back if the call fails. The list is always ordered pinned first,
// then by UpdatedAt descending.
package threads

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/lru"
	"github.com/floegence/threadsync/internal/optrack"
	"github.com/floegence/threadsync/internal/retry"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/store"
)

const (
	DefaultTitle = "New chat"

	defaultPageSize      = 20
	defaultTimeout       = 30 * time.Second
	defaultCacheCapacity = 20

	keyFetch = "threads:fetch"
	keyMore  = "threads:more"
)

// SyncState tags a local entry with how far it is from the remote row.
type SyncState int

const (
	Confirmed SyncState = iota
	Optimistic
	// RollingBack marks an entry whose last optimistic change was reverted; Err says why.
	RollingBack
)

func (s SyncState) String() string {
	switch s {
	case Optimistic:
		return "optimistic"
	case RollingBack:
		return "rolling_back"
	default:
		return "confirmed"
	}
}

// Entry is one thread in the local list.
type Entry struct {
	store.Thread
	State SyncState
	// Err is the last failure of a mutation on this thread, cleared by the next success.
	Err error
}

type Registry struct {
	remote   store.Remote
	tracker  *optrack.Tracker
	policy   retry.Policy
	timeout  time.Duration
	pageSize int
	now      func() time.Time
	newID    func() string
	onDelete func(threadID string)
	log      zerolog.Logger

	mu      sync.Mutex
	entries []Entry
	current string
	fetched bool
	loaded  int
	total   int
	byID    *lru.Cache[string, store.Thread]
}

type Option func(*Registry)

func WithTracker(t *optrack.Tracker) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracker = t
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithTimeout bounds each remote attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithPageSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithCacheCapacity sizes the cache of threads selected by id outside the loaded pages.
func WithCacheCapacity(n int) Option {
	return func(r *Registry) { r.byID = lru.New[string, store.Thread](n) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// OnDelete registers fn to run after a thread deletion is confirmed.
func OnDelete(fn func(threadID string)) Option {
	return func(r *Registry) { r.onDelete = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(remote store.Remote, opts ...Option) (*Registry, error) {
	if remote == nil {
		return nil, errors.New("nil remote store")
	}
	r := &Registry{
		remote:   remote,
		tracker:  optrack.New(),
		policy:   retry.DefaultPolicy(),
		timeout:  defaultTimeout,
		pageSize: defaultPageSize,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      logging.Component("threads"),
		byID:     lru.New[string, store.Thread](defaultCacheCapacity),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func userID(ctx context.Context, op string) (string, error) {
	uid := session.UserID(ctx)
	if uid == "" {
		return "", apperr.Errorf(apperr.KindAuth, op, "no signed-in user")
	}
	return uid, nil
}

// call runs fn under the retry policy, giving every attempt its own timeout.
func (r *Registry) call(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return fn(actx, attempt)
	}, retry.WithLogger(r.log, op))
}

// Threads returns a copy of the local list in display order.
func (r *Registry) Threads() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Registry) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Current returns the current thread, or nil when none is selected.
func (r *Registry) Current() *store.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return nil
	}
	t, ok := r.lookupLocked(r.current)
	if !ok {
		return nil
	}
	return &t
}

// Get returns a thread from the local list or the id cache without touching the network.
func (r *Registry) Get(id string) (store.Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(strings.TrimSpace(id))
}

func (r *Registry) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched && r.loaded < r.total
}

func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Registry) lookupLocked(id string) (store.Thread, bool) {
	if i := r.indexLocked(id); i >= 0 {
		return r.entries[i].Thread, true
	}
	return r.byID.Peek(id)
}

func (r *Registry) indexLocked(id string) int {
	for i := range r.entries {
		if r.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		return store.ThreadLess(r.entries[i].Thread, r.entries[j].Thread)
	})
}

// FetchThreads replaces the list with the first remote page. An empty result creates one
// default thread. Threads still waiting for their remote insert are kept.
func (r *Registry) FetchThreads(ctx context.Context) ([]Entry, error) {
	const op = "threads.fetch"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	tok, err := r.tracker.Begin(ctx, keyFetch, "")
	if errors.Is(err, optrack.ErrPending) {
		if err := r.tracker.Wait(ctx, keyFetch); err != nil {
			return nil, apperr.FromContext(ctx, op, err)
		}
		return r.Threads(), nil
	}
	if err != nil {
		return nil, err
	}

	var page store.ThreadPage
	err = r.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		page, err = r.remote.ListThreads(ctx, uid, 0, r.pageSize)
		return err
	})
	if err != nil {
		r.tracker.End(tok)
		return nil, err
	}

	r.mu.Lock()
	next := make([]Entry, 0, len(page.Threads)+len(r.entries))
	seen := make(map[string]struct{}, len(page.Threads))
	for _, t := range page.Threads {
		seen[t.ID] = struct{}{}
		next = append(next, Entry{Thread: t})
	}
	for _, e := range r.entries {
		if _, ok := seen[e.ID]; !ok && e.State == Optimistic {
			next = append(next, e)
		}
	}
	r.entries = next
	r.sortLocked()
	r.fetched = true
	r.loaded = len(page.Threads)
	r.total = page.Total
	if r.current != "" {
		if _, ok := r.lookupLocked(r.current); !ok {
			r.current = ""
		}
	}
	empty := len(r.entries) == 0
	r.mu.Unlock()
	r.tracker.End(tok)

	if empty {
		if _, err := r.CreateThread(ctx, DefaultTitle); err != nil {
			return nil, err
		}
	}
	return r.Threads(), nil
}

// LoadMoreThreads appends the next remote page and reports how many threads were added. It is
// a no-op when nothing is left or another fetch is in flight.
func (r *Registry) LoadMoreThreads(ctx context.Context) (int, error) {
	const op = "threads.load_more"
	uid, err := userID(ctx, op)
	if err != nil {
		return 0, err
	}
	if !r.HasMore() || r.tracker.Pending(keyFetch) {
		return 0, nil
	}
	tok, err := r.tracker.Begin(ctx, keyMore, "")
	if errors.Is(err, optrack.ErrPending) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer r.tracker.End(tok)

	r.mu.Lock()
	offset := r.loaded
	r.mu.Unlock()

	var page store.ThreadPage
	err = r.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		page, err = r.remote.ListThreads(ctx, uid, offset, r.pageSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, t := range page.Threads {
		if i := r.indexLocked(t.ID); i >= 0 {
			if t.UpdatedAt.After(r.entries[i].UpdatedAt) && r.entries[i].State == Confirmed {
				r.entries[i].Thread = t
			}
			continue
		}
		r.entries = append(r.entries, Entry{Thread: t})
		added++
	}
	r.sortLocked()
	r.loaded = offset + len(page.Threads)
	r.total = page.Total
	if len(page.Threads) == 0 {
		r.loaded = r.total
	}
	return added, nil
}

// CreateThread inserts an optimistic thread, makes it current and persists it. On failure the
// list and the current thread are restored to what they were before the call.
func (r *Registry) CreateThread(ctx context.Context, title string) (*store.Thread, error) {
	const op = "threads.create"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	title, ok := store.NormalizeTitle(title)
	if !ok {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "title too long")
	}
	if title == "" {
		title = DefaultTitle
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	th := store.Thread{ID: r.newID(), UserID: uid, Title: title, CreatedAt: now, UpdatedAt: now}
	tok, err := r.tracker.Begin(ctx, threadKey(th.ID), th.ID)
	if err != nil {
		return nil, err
	}
	defer r.tracker.End(tok)

	r.mu.Lock()
	prevCurrent := r.current
	r.entries = append([]Entry{{Thread: th, State: Optimistic}}, r.entries...)
	r.sortLocked()
	r.current = th.ID
	r.mu.Unlock()

	var saved *store.Thread
	err = r.call(tok.Context(), op, func(ctx context.Context, attempt int) error {
		var err error
		saved, err = r.remote.CreateThread(ctx, th)
		if err != nil && attempt > 1 && errors.Is(err, apperr.ErrInvalid) {
			// An earlier attempt may have landed before its response was lost.
			if existing, gerr := r.remote.GetThread(ctx, uid, th.ID); gerr == nil {
				saved, err = existing, nil
			}
		}
		return err
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(th.ID)
	if err != nil {
		if i >= 0 {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
		}
		if r.current == th.ID {
			r.current = prevCurrent
		}
		r.log.Warn().Err(err).Str("thread_id", th.ID).Msg("create thread failed, rolled back")
		return nil, err
	}
	if i >= 0 {
		r.entries[i] = Entry{Thread: *saved}
		r.sortLocked()
	}
	r.total++
	if r.fetched {
		r.loaded++
	}
	out := *saved
	return &out, nil
}

// SelectThread makes id current. Known threads switch without a network call; unknown ones are
// fetched once even when several callers select the same id concurrently.
func (r *Registry) SelectThread(ctx context.Context, id string) (*store.Thread, error) {
	const op = "threads.select"
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "missing thread id")
	}
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}

	key := "select:" + id
	var tok *optrack.Token
	for tok == nil {
		r.mu.Lock()
		if t, ok := r.lookupLocked(id); ok {
			r.current = id
			r.byID.Get(id)
			r.mu.Unlock()
			return &t, nil
		}
		r.mu.Unlock()

		tok, err = r.tracker.Begin(ctx, key, id)
		if errors.Is(err, optrack.ErrPending) {
			if err := r.tracker.Wait(ctx, key); err != nil {
				return nil, apperr.FromContext(ctx, op, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	defer r.tracker.End(tok)

	var got *store.Thread
	err = r.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		got, err = r.remote.GetThread(ctx, uid, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tok.Cancelled() {
		return nil, apperr.Errorf(apperr.KindCancelled, op, "select cancelled")
	}

	r.mu.Lock()
	r.byID.Put(id, *got)
	r.current = id
	r.mu.Unlock()
	out := *got
	return &out, nil
}

// RenameThread sets a thread's title.
func (r *Registry) RenameThread(ctx context.Context, id string, title string) (*store.Thread, error) {
	const op = "threads.rename"
	title, ok := store.NormalizeTitle(title)
	if !ok || title == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "title must be 1-%d characters", store.MaxTitleRunes)
	}
	return r.mutate(ctx, op, id, func(t *store.Thread) { t.Title = title }, store.ThreadPatch{Title: &title})
}

func (r *Registry) PinThread(ctx context.Context, id string, pinned bool) (*store.Thread, error) {
	return r.mutate(ctx, "threads.pin", id, func(t *store.Thread) { t.Pinned = pinned }, store.ThreadPatch{Pinned: &pinned})
}

// mutate applies change locally, persists patch and rolls back on failure.
func (r *Registry) mutate(ctx context.Context, op string, id string, change func(*store.Thread), patch store.ThreadPatch) (*store.Thread, error) {
	id = strings.TrimSpace(id)
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	tok, err := r.tracker.Begin(ctx, threadKey(id), id)
	if err != nil {
		return nil, err
	}
	defer r.tracker.End(tok)

	r.mu.Lock()
	i := r.indexLocked(id)
	var before store.Thread
	if i >= 0 {
		before = r.entries[i].Thread
		change(&r.entries[i].Thread)
		r.entries[i].State = Optimistic
		r.sortLocked()
	} else if t, ok := r.byID.Peek(id); ok {
		before = t
		change(&t)
		r.byID.Put(id, t)
	} else {
		r.mu.Unlock()
		return nil, apperr.Errorf(apperr.KindNotFound, op, "thread %s not loaded", id)
	}
	r.mu.Unlock()

	var saved *store.Thread
	err = r.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		saved, err = r.remote.UpdateThread(ctx, uid, id, patch)
		return err
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	i = r.indexLocked(id)
	if err != nil {
		if i >= 0 {
			r.entries[i] = Entry{Thread: before, State: RollingBack, Err: err}
			r.sortLocked()
		}
		if _, ok := r.byID.Peek(id); ok {
			r.byID.Put(id, before)
		}
		r.log.Warn().Err(err).Str("thread_id", id).Str("op", op).Msg("thread update failed, rolled back")
		return nil, err
	}
	if i >= 0 {
		merged := *saved
		if r.entries[i].UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = r.entries[i].UpdatedAt
		}
		r.entries[i] = Entry{Thread: merged}
		r.sortLocked()
	}
	if _, ok := r.byID.Peek(id); ok {
		r.byID.Put(id, *saved)
	}
	out := *saved
	return &out, nil
}

// DeleteThread removes a thread locally, then soft-deletes it remotely along with its
// messages. If it was current, the next thread in order becomes current.
func (r *Registry) DeleteThread(ctx context.Context, id string) error {
	const op = "threads.delete"
	id = strings.TrimSpace(id)
	uid, err := userID(ctx, op)
	if err != nil {
		return err
	}
	tok, err := r.tracker.Begin(ctx, threadKey(id), id)
	if err != nil {
		return err
	}
	defer r.tracker.End(tok)

	r.mu.Lock()
	i := r.indexLocked(id)
	cached, inCache := r.byID.Peek(id)
	if i < 0 && !inCache {
		r.mu.Unlock()
		return apperr.Errorf(apperr.KindNotFound, op, "thread %s not loaded", id)
	}
	var removed Entry
	if i >= 0 {
		removed = r.entries[i]
		r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
	}
	r.byID.Delete(id)
	wasCurrent := r.current == id
	if wasCurrent {
		r.current = ""
		switch {
		case i >= 0 && i < len(r.entries):
			r.current = r.entries[i].ID
		case i > 0:
			r.current = r.entries[i-1].ID
		case len(r.entries) > 0:
			r.current = r.entries[0].ID
		}
	}
	r.mu.Unlock()

	at := r.now().UTC()
	err = r.call(tok.Context(), op, func(ctx context.Context, attempt int) error {
		err := r.remote.DeleteThread(ctx, uid, id, at)
		if err != nil && attempt > 1 && errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		r.mu.Lock()
		if i >= 0 && r.indexLocked(id) < 0 {
			removed.Err = err
			removed.State = RollingBack
			r.entries = append(r.entries, removed)
			r.sortLocked()
		}
		if inCache {
			r.byID.Put(id, cached)
		}
		if wasCurrent {
			r.current = id
		}
		r.mu.Unlock()
		r.log.Warn().Err(err).Str("thread_id", id).Msg("delete thread failed, rolled back")
		return err
	}

	r.mu.Lock()
	if i >= 0 {
		if r.total > 0 {
			r.total--
		}
		if r.loaded > 0 {
			r.loaded--
		}
	}
	r.mu.Unlock()
	if r.onDelete != nil {
		r.onDelete(id)
	}
	return nil
}

// TouchThread moves a thread's UpdatedAt forward (re-sorting immediately) and persists it.
// Failures are returned for logging; the local order is kept.
func (r *Registry) TouchThread(ctx context.Context, id string, at time.Time) error {
	const op = "threads.touch"
	id = strings.TrimSpace(id)
	uid, err := userID(ctx, op)
	if err != nil {
		return err
	}
	at = at.UTC().Truncate(time.Millisecond)

	r.mu.Lock()
	if i := r.indexLocked(id); i >= 0 && at.After(r.entries[i].UpdatedAt) {
		r.entries[i].UpdatedAt = at
		r.sortLocked()
	}
	r.mu.Unlock()

	return r.call(ctx, op, func(ctx context.Context, _ int) error {
		_, err := r.remote.UpdateThread(ctx, uid, id, store.ThreadPatch{UpdatedAt: &at})
		return err
	})
}

// Reset forgets all local state, as on sign-out.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.current = ""
	r.fetched = false
	r.loaded = 0
	r.total = 0
	r.byID.Clear()
}

func threadKey(id string) string { return "thread:" + id }
