// Package timeline keeps the messages of the displayed thread in sync with the remote store
// and drives the generation pipeline for new and regenerated replies.
//
// Loaded pages are kept per thread in a bounded LRU cache. Every network call runs under an
// optrack token keyed by the message id (or "<thread>:<page>" for page loads) and grouped by
// thread, so navigating away from a thread cancels everything still in flight for it.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/augment"
	"github.com/floegence/threadsync/internal/gen"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/lru"
	"github.com/floegence/threadsync/internal/optrack"
	"github.com/floegence/threadsync/internal/retry"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/store"
)

const (
	defaultPageSize        = 25
	defaultTimeout         = 30 * time.Second
	defaultCacheCapacity   = 20
	defaultMaxHistoryChars = 60000
	defaultSystemPrompt    = "You are a helpful assistant. Answer clearly and concisely."
)

// State is where a message is in its send lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateRetrying  State = "retrying"
	StatePersisted State = "persisted"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// InFlight reports whether an operation is still working on the message.
func (s State) InFlight() bool {
	return s == StatePending || s == StateStreaming || s == StateRetrying
}

// Entry is one message as displayed.
type Entry struct {
	store.Message
	State State
	// Err is the failure that left the message in StateFailed.
	Err error
	// DisplayedVersion is the version whose content is live; it equals VersionCount unless
	// SwitchMessageVersion picked an older one.
	DisplayedVersion int
	// Saved reports whether the row exists remotely.
	Saved bool
	// ReplyTo is the user message an assistant reply answers, when known locally.
	ReplyTo         string
	SearchPerformed bool
	FollowUps       []string
}

// Update is delivered to the listener after every visible change.
type Update struct {
	ThreadID  string
	MessageID string
	State     State
	Delta     string
	Content   string
	Err       error
	// Committed is set on the update that follows a successful write to the remote store.
	Committed bool
}

// Threads is the part of the thread registry the timeline needs.
type Threads interface {
	CurrentID() string
	Get(id string) (store.Thread, bool)
	CreateThread(ctx context.Context, title string) (*store.Thread, error)
	SelectThread(ctx context.Context, id string) (*store.Thread, error)
	RenameThread(ctx context.Context, id string, title string) (*store.Thread, error)
	TouchThread(ctx context.Context, id string, at time.Time) error
}

// Generator produces replies. *gen.Service satisfies it.
type Generator interface {
	StartChat(system string, history []gen.Turn) *gen.Session
	Complete(ctx context.Context, system string, prompt string) (string, error)
}

// Augmenter decides on and performs search augmentation. *augment.Augmenter satisfies it.
type Augmenter interface {
	ShouldAugment(ctx context.Context, content string) bool
	Augment(ctx context.Context, query string) (*augment.Result, error)
}

type view struct {
	threadID string
	entries  []*Entry
	total    int
	loaded   int
	pages    int
	fetched  bool
	prefetch *prefetched
}

type prefetched struct {
	offset int
	total  int
	rows   []store.Message
}

func (v *view) hasMore() bool { return v.fetched && v.loaded < v.total }

func (v *view) index(id string) int {
	for i, e := range v.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

type Timeline struct {
	remote          store.Remote
	threads         Threads
	gen             Generator
	augmenter       Augmenter
	tracker         *optrack.Tracker
	policy          retry.Policy
	timeout         time.Duration
	pageSize        int
	systemPrompt    string
	maxHistoryChars int
	now             func() time.Time
	newID           func() string
	listener        func(Update)
	log             zerolog.Logger

	mu        sync.Mutex
	active    *view
	cache     *lru.Cache[string, *view]
	titled    map[string]bool
	replies   map[string]string
	lastStamp time.Time

	wg sync.WaitGroup
}

type Option func(*Timeline)

func WithAugmenter(a Augmenter) Option {
	return func(t *Timeline) { t.augmenter = a }
}

func WithTracker(tr *optrack.Tracker) Option {
	return func(t *Timeline) {
		if tr != nil {
			t.tracker = tr
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Timeline) { t.policy = p }
}

// WithTimeout bounds each remote or generation attempt.
func WithTimeout(d time.Duration) Option {
	return func(t *Timeline) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithPageSize(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pageSize = n
		}
	}
}

// WithCacheCapacity bounds how many threads keep their loaded messages.
func WithCacheCapacity(n int) Option {
	return func(t *Timeline) { t.cache = lru.New[string, *view](n) }
}

func WithSystemPrompt(s string) Option {
	return func(t *Timeline) {
		if s = strings.TrimSpace(s); s != "" {
			t.systemPrompt = s
		}
	}
}

// WithMaxHistoryChars caps the prior conversation sent with each prompt, keeping the most
// recent turns.
func WithMaxHistoryChars(n int) Option {
	return func(t *Timeline) { t.maxHistoryChars = n }
}

func WithClock(now func() time.Time) Option {
	return func(t *Timeline) {
		if now != nil {
			t.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(t *Timeline) {
		if fn != nil {
			t.newID = fn
		}
	}
}

// WithListener receives every Update. It is called without the timeline lock held.
func WithListener(fn func(Update)) Option {
	return func(t *Timeline) { t.listener = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Timeline) { t.log = l }
}

func New(remote store.Remote, threads Threads, generator Generator, opts ...Option) (*Timeline, error) {
	if remote == nil {
		return nil, errors.New("nil remote store")
	}
	if threads == nil {
		return nil, errors.New("nil thread registry")
	}
	if generator == nil {
		return nil, errors.New("nil generator")
	}
	t := &Timeline{
		remote:          remote,
		threads:         threads,
		gen:             generator,
		tracker:         optrack.New(),
		policy:          retry.DefaultPolicy(),
		timeout:         defaultTimeout,
		pageSize:        defaultPageSize,
		systemPrompt:    defaultSystemPrompt,
		maxHistoryChars: defaultMaxHistoryChars,
		now:             time.Now,
		newID:           uuid.NewString,
		log:             logging.Component("timeline"),
		cache:           lru.New[string, *view](defaultCacheCapacity),
		titled:          make(map[string]bool),
		replies:         make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Wait blocks until background work (prefetches, title generation, thread touches) is done.
func (t *Timeline) Wait() {
	t.wg.Wait()
}

func userID(ctx context.Context, op string) (string, error) {
	uid := session.UserID(ctx)
	if uid == "" {
		return "", apperr.Errorf(apperr.KindAuth, op, "no signed-in user")
	}
	return uid, nil
}

func errCancelled(op string) error {
	return apperr.Errorf(apperr.KindCancelled, op, "cancelled")
}

// call runs fn under the retry policy, giving every attempt its own timeout.
func (t *Timeline) call(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error, opts ...retry.Option) error {
	opts = append([]retry.Option{retry.WithLogger(t.log, op)}, opts...)
	return retry.Do(ctx, t.policy, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		return fn(actx, attempt)
	}, opts...)
}

// stamp returns a creation time strictly after the previous one so local messages keep
// their order.
func (t *Timeline) stamp() time.Time {
	now := t.now().UTC().Truncate(time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !now.After(t.lastStamp) {
		now = t.lastStamp.Add(time.Millisecond)
	}
	t.lastStamp = now
	return now
}

func (t *Timeline) emit(updates ...Update) {
	if t.listener == nil {
		return
	}
	for _, u := range updates {
		t.listener(u)
	}
}

func updateOf(e *Entry) Update {
	return Update{ThreadID: e.ThreadID, MessageID: e.ID, State: e.State, Content: e.Content, Err: e.Err}
}

func (t *Timeline) viewLocked(threadID string) *view {
	if t.active != nil && t.active.threadID == threadID {
		return t.active
	}
	if v, ok := t.cache.Get(threadID); ok {
		return v
	}
	return nil
}

func (t *Timeline) ensureViewLocked(threadID string) *view {
	if v := t.viewLocked(threadID); v != nil {
		return v
	}
	v := &view{threadID: threadID}
	t.cache.Put(threadID, v)
	return v
}

// findLocked looks a message up in the active thread first, then in cached threads.
func (t *Timeline) findLocked(id string) (*view, *Entry) {
	if t.active != nil {
		if i := t.active.index(id); i >= 0 {
			return t.active, t.active.entries[i]
		}
	}
	for _, key := range t.cache.Keys() {
		v, _ := t.cache.Peek(key)
		if v == nil {
			continue
		}
		if i := v.index(id); i >= 0 {
			return v, v.entries[i]
		}
	}
	return nil, nil
}

// update runs fn on the entry for id and emits the resulting update. fn returns false to
// leave the entry untouched.
func (t *Timeline) update(id string, fn func(e *Entry) bool) (Entry, bool) {
	t.mu.Lock()
	_, e := t.findLocked(id)
	if e == nil || !fn(e) {
		t.mu.Unlock()
		return Entry{}, false
	}
	out := *e
	t.mu.Unlock()
	t.emit(updateOf(&out))
	return out, true
}

// entry returns a copy of the message id.
func (t *Timeline) entry(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, e := t.findLocked(id)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

func (t *Timeline) appendEntry(threadID string, e *Entry) {
	t.mu.Lock()
	v := t.ensureViewLocked(threadID)
	v.entries = append(v.entries, e)
	out := *e
	t.mu.Unlock()
	t.emit(updateOf(&out))
}

func copyEntries(v *view) []Entry {
	out := make([]Entry, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, *e)
	}
	return out
}

// ActiveThreadID is the thread whose messages are displayed.
func (t *Timeline) ActiveThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return ""
	}
	return t.active.threadID
}

// Messages returns the displayed messages in chronological order.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	return copyEntries(t.active)
}

// HasMore reports whether the displayed thread has older messages left to load.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil && t.active.hasMore()
}

// Activate displays threadID, cancelling everything still in flight for the previously
// displayed thread, and loads its first page.
func (t *Timeline) Activate(ctx context.Context, threadID string) ([]Entry, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, "timeline.activate", "missing thread id")
	}
	prev, updates := t.switchTo(threadID, false)
	if prev != "" && prev != threadID {
		t.tracker.CancelGroup(groupOf(prev))
	}
	t.emit(updates...)
	return t.FetchMessages(ctx, threadID, 1)
}

// switchTo makes threadID active. fresh marks a thread just created locally, which has
// nothing to fetch.
func (t *Timeline) switchTo(threadID string, fresh bool) (string, []Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := ""
	if t.active != nil {
		prev = t.active.threadID
	}
	if prev == threadID {
		return prev, nil
	}
	updates := t.cancelInFlightLocked(t.active)
	v := t.ensureViewLocked(threadID)
	if fresh && !v.fetched {
		v.fetched = true
		v.pages = 1
	}
	t.active = v
	return prev, updates
}

func (t *Timeline) cancelInFlightLocked(v *view) []Update {
	if v == nil {
		return nil
	}
	var updates []Update
	for _, e := range v.entries {
		if e.State.InFlight() {
			e.State = StateCancelled
			updates = append(updates, updateOf(e))
		}
	}
	return updates
}

// ClearThreadMessages drops the cached messages of threadID and cancels its operations. If
// the thread is displayed its visible list is cleared too.
func (t *Timeline) ClearThreadMessages(threadID string) {
	threadID = strings.TrimSpace(threadID)
	t.mu.Lock()
	t.cache.Delete(threadID)
	delete(t.titled, threadID)
	var updates []Update
	if t.active != nil && t.active.threadID == threadID {
		updates = t.cancelInFlightLocked(t.active)
		t.active = &view{threadID: threadID}
		t.cache.Put(threadID, t.active)
	}
	t.mu.Unlock()
	t.tracker.CancelGroup(groupOf(threadID))
	t.emit(updates...)
}

// Deactivate stops displaying threadID if it is the displayed thread, as after its deletion
// when no other thread is left. The next send without a target then creates a thread.
func (t *Timeline) Deactivate(threadID string) bool {
	threadID = strings.TrimSpace(threadID)
	t.mu.Lock()
	if t.active == nil || t.active.threadID != threadID {
		t.mu.Unlock()
		return false
	}
	updates := t.cancelInFlightLocked(t.active)
	t.active = nil
	t.cache.Delete(threadID)
	t.mu.Unlock()
	t.tracker.CancelGroup(groupOf(threadID))
	t.emit(updates...)
	return true
}

// Reset forgets every thread, as on sign-out.
func (t *Timeline) Reset() {
	t.mu.Lock()
	prev := t.active
	updates := t.cancelInFlightLocked(prev)
	t.active = nil
	keys := t.cache.Keys()
	t.cache.Clear()
	t.titled = make(map[string]bool)
	t.mu.Unlock()
	for _, k := range keys {
		t.tracker.CancelGroup(groupOf(k))
	}
	t.emit(updates...)
}

func pageKey(threadID string, page int) string {
	return fmt.Sprintf("%s:%d", threadID, page)
}

// groupOf is the tracker group of a thread's message operations, distinct from the
// registry's per-thread group.
func groupOf(threadID string) string {
	return "messages:" + threadID
}

// FetchMessages makes sure pages 1..page of threadID are loaded and returns its messages in
// chronological order. Page 1 is served from the cache when present. Concurrent calls for the
// same page share one remote request. After each load the next page is prefetched in the
// background.
func (t *Timeline) FetchMessages(ctx context.Context, threadID string, page int) ([]Entry, error) {
	const op = "timeline.fetch_messages"
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "missing thread id")
	}
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	for {
		t.mu.Lock()
		v := t.viewLocked(threadID)
		if v != nil && v.fetched && (v.pages >= page || !v.hasMore()) {
			out := copyEntries(v)
			next := 0
			if v.hasMore() && v.prefetch == nil {
				next = v.pages + 1
			}
			t.mu.Unlock()
			if next > 0 {
				t.prefetch(ctx, uid, threadID, next)
			}
			return out, nil
		}
		want := 1
		if v != nil && v.fetched {
			want = v.pages + 1
			if p := v.prefetch; p != nil && p.offset == v.loaded {
				v.prefetch = nil
				mergeRows(v, p.rows, true)
				v.loaded += len(p.rows)
				v.pages++
				v.total = p.total
				if len(p.rows) == 0 {
					v.loaded = v.total
				}
				t.mu.Unlock()
				continue
			}
		}
		t.mu.Unlock()

		key := pageKey(threadID, want)
		tok, err := t.tracker.Begin(ctx, key, groupOf(threadID))
		if errors.Is(err, optrack.ErrPending) {
			if err := t.tracker.Wait(ctx, key); err != nil {
				return nil, apperr.FromContext(ctx, op, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		err = t.loadPage(tok, uid, threadID, want)
		t.tracker.End(tok)
		if err != nil {
			return nil, err
		}
	}
}

// LoadOlder loads the next older page of the displayed thread.
func (t *Timeline) LoadOlder(ctx context.Context) ([]Entry, error) {
	t.mu.Lock()
	if t.active == nil {
		t.mu.Unlock()
		return nil, apperr.Errorf(apperr.KindInvalid, "timeline.load_older", "no active thread")
	}
	id, next := t.active.threadID, t.active.pages+1
	t.mu.Unlock()
	return t.FetchMessages(ctx, id, next)
}

func (t *Timeline) loadPage(tok *optrack.Token, uid string, threadID string, want int) error {
	const op = "timeline.load_page"
	t.mu.Lock()
	offset := 0
	if v := t.viewLocked(threadID); v != nil && v.fetched && want > 1 {
		offset = v.loaded
	}
	t.mu.Unlock()

	var page store.MessagePage
	err := t.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		page, err = t.remote.ListMessages(ctx, uid, threadID, offset, t.pageSize)
		return err
	})
	if err != nil {
		return err
	}
	if tok.Cancelled() {
		return errCancelled(op)
	}
	rows := reversed(page.Messages)

	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.ensureViewLocked(threadID)
	if want == 1 {
		mergeRows(v, rows, false)
		v.loaded = len(rows)
		v.pages = 1
		v.fetched = true
		v.total = page.Total
		return nil
	}
	if v.loaded != offset {
		// A message was persisted meanwhile; the next call reloads from the new offset.
		return nil
	}
	mergeRows(v, rows, true)
	v.loaded += len(rows)
	v.pages++
	v.total = page.Total
	if len(rows) == 0 {
		v.loaded = v.total
	}
	return nil
}

// prefetch loads page in the background unless it is already loading.
func (t *Timeline) prefetch(ctx context.Context, uid string, threadID string, page int) {
	tok, err := t.tracker.Begin(context.WithoutCancel(ctx), pageKey(threadID, page), groupOf(threadID))
	if err != nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.tracker.End(tok)

		t.mu.Lock()
		v := t.viewLocked(threadID)
		if v == nil || v.prefetch != nil || !v.hasMore() {
			t.mu.Unlock()
			return
		}
		offset := v.loaded
		t.mu.Unlock()

		var mp store.MessagePage
		err := t.call(tok.Context(), "timeline.prefetch", func(ctx context.Context, _ int) error {
			var err error
			mp, err = t.remote.ListMessages(ctx, uid, threadID, offset, t.pageSize)
			return err
		})
		if err != nil {
			if !apperr.IsCancelled(err) {
				t.log.Debug().Err(err).Str("thread_id", threadID).Int("page", page).Msg("prefetch failed")
			}
			return
		}
		if tok.Cancelled() {
			return
		}
		t.mu.Lock()
		if v := t.viewLocked(threadID); v != nil && v.loaded == offset && v.prefetch == nil {
			v.prefetch = &prefetched{offset: offset, total: mp.Total, rows: reversed(mp.Messages)}
		}
		t.mu.Unlock()
	}()
}

func reversed(in []store.Message) []store.Message {
	out := make([]store.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

// mergeRows folds remote rows (chronological) into v. Rows replace settled local copies;
// messages still in flight keep their local state. Saved messages are ordered by creation
// time and unsaved local messages stay at the tail.
func mergeRows(v *view, rows []store.Message, older bool) {
	fresh := make(map[string]store.Message, len(rows))
	for _, r := range rows {
		fresh[r.ID] = r
	}
	for _, e := range v.entries {
		r, ok := fresh[e.ID]
		if !ok {
			continue
		}
		delete(fresh, e.ID)
		if e.State.InFlight() {
			continue
		}
		e.Message = r
		e.Saved = true
		if e.State != StateFailed {
			e.State = StatePersisted
		}
		if e.DisplayedVersion < 1 || e.DisplayedVersion > r.VersionCount {
			e.DisplayedVersion = r.VersionCount
		}
	}
	var added []*Entry
	for _, r := range rows {
		if _, ok := fresh[r.ID]; !ok {
			continue
		}
		added = append(added, &Entry{Message: r, State: StatePersisted, Saved: true, DisplayedVersion: r.VersionCount})
	}

	var all []*Entry
	if older {
		all = append(added, v.entries...)
	} else {
		all = append(append([]*Entry(nil), v.entries...), added...)
	}
	saved := make([]*Entry, 0, len(all))
	var local []*Entry
	for _, e := range all {
		if e.Saved {
			saved = append(saved, e)
		} else {
			local = append(local, e)
		}
	}
	sort.SliceStable(saved, func(i, j int) bool { return saved[i].CreatedAt.Before(saved[j].CreatedAt) })
	v.entries = append(saved, local...)
}
