package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) store.Remote { return store.NewMemory() })
}

func TestFaulty(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) store.Remote { return storetest.Wrap(store.NewMemory()) })
}

func TestFaulty_InjectsFailuresInOrder(t *testing.T) {
	t.Parallel()

	f := storetest.Wrap(store.NewMemory())
	ctx := context.Background()
	f.FailNext(storetest.CreateThread, nil, apperr.E(apperr.KindTimeout, "x", nil))

	_, err := f.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
	assert.ErrorIs(t, err, apperr.ErrRemote)
	_, err = f.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	_, err = f.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.Calls(storetest.CreateThread))

	f.FailAlways(storetest.GetThread, nil)
	for i := 0; i < 3; i++ {
		_, err = f.GetThread(ctx, "u1", "t1")
		assert.ErrorIs(t, err, apperr.ErrRemote)
	}
	f.Heal(storetest.GetThread)
	_, err = f.GetThread(ctx, "u1", "t1")
	assert.NoError(t, err)
}

func TestFaulty_GateHonoursCancellation(t *testing.T) {
	t.Parallel()

	f := storetest.Wrap(store.NewMemory())
	release := f.Gate(storetest.ListThreads)
	defer release()

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.ListThreads(ctx, "u1", 0, 10)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel(apperr.ErrCancelled)
	select {
	case err := <-done:
		assert.True(t, apperr.IsCancelled(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("gated call did not observe cancellation")
	}
}

func TestSortThreads(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := []store.Thread{
		{ID: "b", UpdatedAt: now},
		{ID: "a", UpdatedAt: now},
		{ID: "p", Pinned: true, UpdatedAt: now.Add(-time.Hour)},
		{ID: "n", UpdatedAt: now.Add(time.Minute)},
	}
	store.SortThreads(ts)
	got := []string{ts[0].ID, ts[1].ID, ts[2].ID, ts[3].ID}
	assert.Equal(t, []string{"p", "n", "a", "b"}, got)
}

func TestTitleCandidate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", store.TitleCandidate("   "))
	assert.Equal(t, "hello world", store.TitleCandidate("  hello\n  world "))
	long := "abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij"
	assert.Len(t, []rune(store.TitleCandidate(long)), 48)

	_, ok := store.NormalizeTitle(string(make([]rune, 201)))
	assert.False(t, ok)
}
