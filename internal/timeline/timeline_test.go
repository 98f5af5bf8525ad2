package timeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/gen"
	"github.com/floegence/threadsync/internal/gen/gentest"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/optrack"
	"github.com/floegence/threadsync/internal/retry"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/store/storetest"
	"github.com/floegence/threadsync/internal/threads"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func userCtx() context.Context {
	return session.WithMeta(context.Background(), &session.Meta{UserID: "u1"})
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	mem     *store.Memory
	faulty  *storetest.Faulty
	model   *gentest.Scripted
	reg     *threads.Registry
	tl      *Timeline
	tracker *optrack.Tracker

	mu      sync.Mutex
	updates []Update
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: base.Add(time.Hour)}
	f := &fixture{tracker: optrack.New(), model: gentest.New()}
	f.mem = store.NewMemoryWithClock(clock.Now)
	f.faulty = storetest.Wrap(f.mem)

	reg, err := threads.New(f.faulty,
		threads.WithTracker(f.tracker),
		threads.WithRetryPolicy(fastPolicy()),
		threads.WithClock(clock.Now),
		threads.WithLogger(logging.Nop()),
	)
	require.NoError(t, err)
	f.reg = reg

	svc, err := gen.New(f.model, gen.WithLogger(logging.Nop()))
	require.NoError(t, err)

	ids := 0
	var idMu sync.Mutex
	all := append([]Option{
		WithTracker(f.tracker),
		WithRetryPolicy(fastPolicy()),
		WithTimeout(time.Second),
		WithClock(clock.Now),
		WithLogger(logging.Nop()),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("m-%d", ids)
		}),
		WithListener(func(u Update) {
			f.mu.Lock()
			f.updates = append(f.updates, u)
			f.mu.Unlock()
		}),
	}, opts...)
	tl, err := New(f.faulty, reg, svc, all...)
	require.NoError(t, err)
	f.tl = tl
	t.Cleanup(tl.Wait)
	return f
}

func (f *fixture) seedThread(t *testing.T, id string) {
	t.Helper()
	_, err := f.mem.CreateThread(context.Background(), store.Thread{ID: id, UserID: "u1", Title: "Seeded " + id, CreatedAt: base})
	require.NoError(t, err)
}

// seedMessages inserts n alternating user/assistant messages named <thread>-1..n, oldest first.
func (f *fixture) seedMessages(t *testing.T, threadID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		role := store.RoleUser
		if i%2 == 0 {
			role = store.RoleAssistant
		}
		_, err := f.mem.InsertMessage(context.Background(), store.Message{
			ID:        fmt.Sprintf("%s-%d", threadID, i),
			ThreadID:  threadID,
			UserID:    "u1",
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func (f *fixture) deltas(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := ""
	for _, u := range f.updates {
		if u.MessageID == id {
			out += u.Delta
		}
	}
	return out
}

func (f *fixture) sawState(id string, s State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.updates {
		if u.MessageID == id && u.State == s {
			return true
		}
	}
	return false
}

func (f *fixture) commits(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.updates {
		if u.MessageID == id && u.Committed {
			n++
		}
	}
	return n
}

func messageIDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	svc, err := gen.New(gentest.New())
	require.NoError(t, err)
	reg, err := threads.New(store.NewMemory())
	require.NoError(t, err)

	_, err = New(nil, reg, svc)
	assert.Error(t, err)
	_, err = New(store.NewMemory(), nil, svc)
	assert.Error(t, err)
	_, err = New(store.NewMemory(), reg, nil)
	assert.Error(t, err)
}

func TestFetchMessages_RequiresUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.tl.FetchMessages(context.Background(), "t1", 1)
	assert.ErrorIs(t, err, apperr.ErrAuth)
	_, err = f.tl.FetchMessages(userCtx(), " ", 1)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Zero(t, f.faulty.Calls(storetest.ListMessages))
}

func TestFetchMessages_PagesWithPrefetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithPageSize(2))
	f.seedThread(t, "t1")
	f.seedMessages(t, "t1", 5)
	ctx := userCtx()

	got, err := f.tl.Activate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1-4", "t1-5"}, messageIDs(got))
	assert.True(t, f.tl.HasMore())

	f.tl.Wait()
	require.Equal(t, 2, f.faulty.Calls(storetest.ListMessages), "page 2 prefetched")

	got, err = f.tl.FetchMessages(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1-2", "t1-3", "t1-4", "t1-5"}, messageIDs(got))

	f.tl.Wait()
	require.Equal(t, 3, f.faulty.Calls(storetest.ListMessages))

	got, err = f.tl.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1-1", "t1-2", "t1-3", "t1-4", "t1-5"}, messageIDs(got))
	assert.False(t, f.tl.HasMore())

	// Page 1 is served from the cache.
	got, err = f.tl.FetchMessages(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	f.tl.Wait()
	assert.Equal(t, 3, f.faulty.Calls(storetest.ListMessages))
	for _, e := range got {
		assert.Equal(t, StatePersisted, e.State)
		assert.True(t, e.Saved)
		assert.Equal(t, 1, e.DisplayedVersion)
	}
}

func TestFetchMessages_ConcurrentCallsShareOneRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedThread(t, "t1")
	f.seedMessages(t, "t1", 1)
	release := f.faulty.Gate(storetest.ListMessages)
	ctx := userCtx()

	var wg sync.WaitGroup
	results := make([][]Entry, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.tl.FetchMessages(ctx, "t1", 1)
		}()
	}
	require.Eventually(t, func() bool { return f.faulty.Calls(storetest.ListMessages) == 1 }, time.Second, time.Millisecond)
	release()
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"t1-1"}, messageIDs(results[i]))
	}
	assert.Equal(t, 1, f.faulty.Calls(storetest.ListMessages))
}

func TestFetchMessages_RemoteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedThread(t, "t1")
	f.faulty.FailAlways(storetest.ListMessages, nil)

	_, err := f.tl.FetchMessages(userCtx(), "t1", 1)
	assert.ErrorIs(t, err, apperr.ErrRemote)
	assert.Equal(t, 3, f.faulty.Calls(storetest.ListMessages))
}

func TestClearThreadMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedThread(t, "t1")
	f.seedMessages(t, "t1", 3)
	ctx := userCtx()

	_, err := f.tl.Activate(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, f.tl.Messages(), 3)

	f.tl.ClearThreadMessages("t1")
	assert.Empty(t, f.tl.Messages())
	assert.Equal(t, "t1", f.tl.ActiveThreadID())

	// The next fetch goes back to the store.
	got, err := f.tl.FetchMessages(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, f.faulty.Calls(storetest.ListMessages))
}

func TestDeactivate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedThread(t, "t1")
	f.seedMessages(t, "t1", 2)
	_, err := f.tl.Activate(userCtx(), "t1")
	require.NoError(t, err)

	assert.False(t, f.tl.Deactivate("t2"), "only the displayed thread is deactivated")
	assert.Equal(t, "t1", f.tl.ActiveThreadID())

	assert.True(t, f.tl.Deactivate(" t1 "))
	assert.Empty(t, f.tl.ActiveThreadID())
	assert.Nil(t, f.tl.Messages())
	assert.False(t, f.tl.HasMore())
}

func TestReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedThread(t, "t1")
	f.seedMessages(t, "t1", 1)
	_, err := f.tl.Activate(userCtx(), "t1")
	require.NoError(t, err)

	f.tl.Reset()
	assert.Empty(t, f.tl.ActiveThreadID())
	assert.Nil(t, f.tl.Messages())
}

func TestMergeRows_KeepsLocalTailAndOrdersSaved(t *testing.T) {
	t.Parallel()

	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }
	v := &view{entries: []*Entry{
		{Message: store.Message{ID: "b", CreatedAt: at(2), Content: "stale"}, Saved: true, State: StatePersisted},
		{Message: store.Message{ID: "local", CreatedAt: at(9)}, State: StatePending},
	}}
	mergeRows(v, []store.Message{
		{ID: "a", CreatedAt: at(1), VersionCount: 1},
		{ID: "b", CreatedAt: at(2), Content: "fresh", VersionCount: 1},
	}, true)

	require.Equal(t, []string{"a", "b", "local"}, []string{v.entries[0].ID, v.entries[1].ID, v.entries[2].ID})
	assert.Equal(t, "fresh", v.entries[1].Content)
	assert.Equal(t, StatePending, v.entries[2].State)
}

func TestCapHistory(t *testing.T) {
	t.Parallel()

	in := []gen.Turn{
		{Role: gen.RoleUser, Text: "aaaaaaaaaa"},
		{Role: gen.RoleAssistant, Text: "bbbbb"},
		{Role: gen.RoleUser, Text: "ccccc"},
	}
	assert.Len(t, capHistory(in, 0), 3)
	assert.Len(t, capHistory(in, 20), 3)
	got := capHistory(in, 12)
	require.Len(t, got, 2)
	assert.Equal(t, "bbbbb", got[0].Text)
}
