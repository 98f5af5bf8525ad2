package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/store"
)

// Run exercises the behavior every store.Remote must share. open returns a fresh, empty store
// and is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) store.Remote) {
	t.Helper()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

	t.Run("ThreadOrdering", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for _, th := range []store.Thread{
			{ID: "a", UserID: "u1", Title: "old", UpdatedAt: at(1)},
			{ID: "b", UserID: "u1", Title: "new", UpdatedAt: at(5)},
			{ID: "c", UserID: "u1", Title: "pinned old", Pinned: true, UpdatedAt: at(0)},
			{ID: "d", UserID: "u1", Title: "tie", UpdatedAt: at(5)},
			{ID: "x", UserID: "u2", Title: "other user", UpdatedAt: at(9)},
		} {
			th.CreatedAt = at(0)
			_, err := s.CreateThread(ctx, th)
			require.NoError(t, err)
		}

		page, err := s.ListThreads(ctx, "u1", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		if diff := cmp.Diff([]string{"c", "b", "d", "a"}, threadIDs(page.Threads)); diff != "" {
			t.Fatalf("order mismatch (-want +got):\n%s", diff)
		}

		page, err = s.ListThreads(ctx, "u1", 2, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "a"}, threadIDs(page.Threads))

		page, err = s.ListThreads(ctx, "u1", 10, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Threads)
		assert.Equal(t, 4, page.Total)
	})

	t.Run("CreateAssignsTimestamps", func(t *testing.T) {
		s := open(t)
		got, err := s.CreateThread(context.Background(), store.Thread{ID: " t1 ", UserID: "u1", Title: "  hi  "})
		require.NoError(t, err)
		assert.Equal(t, "t1", got.ID)
		assert.Equal(t, "hi", got.Title)
		assert.False(t, got.CreatedAt.IsZero())
		assert.Equal(t, got.CreatedAt, got.UpdatedAt)

		_, err = s.CreateThread(context.Background(), store.Thread{ID: "t1", UserID: "u1"})
		assert.ErrorIs(t, err, apperr.ErrInvalid)
	})

	t.Run("UpdateThread", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1", Title: "before", CreatedAt: at(0)})
		require.NoError(t, err)

		title, pinned, touched := "after", true, at(3)
		got, err := s.UpdateThread(ctx, "u1", "t1", store.ThreadPatch{Title: &title, Pinned: &pinned, UpdatedAt: &touched})
		require.NoError(t, err)
		assert.Equal(t, "after", got.Title)
		assert.True(t, got.Pinned)
		assert.True(t, got.UpdatedAt.Equal(touched))

		long := fmt.Sprintf("%0201d", 0)
		_, err = s.UpdateThread(ctx, "u1", "t1", store.ThreadPatch{Title: &long})
		assert.ErrorIs(t, err, apperr.ErrInvalid)

		_, err = s.UpdateThread(ctx, "u1", "t1", store.ThreadPatch{})
		assert.ErrorIs(t, err, apperr.ErrInvalid)

		_, err = s.UpdateThread(ctx, "u2", "t1", store.ThreadPatch{Title: &title})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("GetThreadScopedByUser", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
		require.NoError(t, err)

		got, err := s.GetThread(ctx, "u1", "t1")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.ID)

		_, err = s.GetThread(ctx, "u2", "t1")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.GetThread(ctx, "u1", "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("MessagesNewestFirst", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
		require.NoError(t, err)

		// m2 and m3 share a timestamp; insertion order breaks the tie.
		for i, m := range []store.Message{
			{ID: "m1", Role: store.RoleUser, Content: "one", CreatedAt: at(1)},
			{ID: "m2", Role: store.RoleAssistant, Content: "two", CreatedAt: at(2)},
			{ID: "m3", Role: store.RoleUser, Content: "three", CreatedAt: at(2), Files: []string{"a.png", " "}},
		} {
			m.ThreadID, m.UserID = "t1", "u1"
			got, err := s.InsertMessage(ctx, m)
			require.NoError(t, err, "insert %d", i)
			assert.Equal(t, 1, got.VersionCount)
		}

		page, err := s.ListMessages(ctx, "u1", "t1", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, "m3", page.Messages[0].ID)
		assert.Equal(t, []string{"a.png"}, page.Messages[0].Files)
		assert.Equal(t, "m2", page.Messages[1].ID)

		page, err = s.ListMessages(ctx, "u1", "t1", 2, 2)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		assert.Equal(t, "m1", page.Messages[0].ID)

		page, err = s.ListMessages(ctx, "u2", "t1", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Messages)
	})

	t.Run("InsertMessageIsIdempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
		require.NoError(t, err)

		m := store.Message{ID: "m1", ThreadID: "t1", UserID: "u1", Role: store.RoleUser, Content: "hello", CreatedAt: at(1)}
		_, err = s.InsertMessage(ctx, m)
		require.NoError(t, err)
		again, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, "hello", again.Content)

		page, err := s.ListMessages(ctx, "u1", "t1", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)

		_, err = s.InsertMessage(ctx, store.Message{ID: "m2", ThreadID: "nope", UserID: "u1", Role: store.RoleUser})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.InsertMessage(ctx, store.Message{ID: "m3", ThreadID: "t1", UserID: "u1", Role: "robot"})
		assert.ErrorIs(t, err, apperr.ErrInvalid)
	})

	t.Run("Versions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
		require.NoError(t, err)
		_, err = s.InsertMessage(ctx, store.Message{ID: "m1", ThreadID: "t1", UserID: "u1", Role: store.RoleAssistant, Content: "first"})
		require.NoError(t, err)

		require.NoError(t, s.PutVersion(ctx, "u1", store.MessageVersion{MessageID: "m1", Number: 1, Content: "first"}))
		require.NoError(t, s.PutVersion(ctx, "u1", store.MessageVersion{MessageID: "m1", Number: 2, Content: "second", CreatedBy: store.AuthorUser}))
		// Upsert replaces content.
		require.NoError(t, s.PutVersion(ctx, "u1", store.MessageVersion{MessageID: "m1", Number: 1, Content: "first!"}))

		updated, err := s.UpdateMessage(ctx, store.Message{ID: "m1", UserID: "u1", Content: "second", VersionCount: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.VersionCount)
		assert.Equal(t, "second", updated.Content)

		v, err := s.GetVersion(ctx, "u1", "m1", 1)
		require.NoError(t, err)
		assert.Equal(t, "first!", v.Content)
		assert.Equal(t, store.AuthorSystem, v.CreatedBy)

		vs, err := s.ListVersions(ctx, "u1", "m1")
		require.NoError(t, err)
		require.Len(t, vs, 2)
		assert.Equal(t, 1, vs[0].Number)
		assert.Equal(t, store.AuthorUser, vs[1].CreatedBy)

		_, err = s.GetVersion(ctx, "u1", "m1", 3)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.GetVersion(ctx, "u2", "m1", 1)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.ErrorIs(t, s.PutVersion(ctx, "u1", store.MessageVersion{MessageID: "missing", Number: 1}), apperr.ErrNotFound)
		_, err = s.UpdateMessage(ctx, store.Message{ID: "m1", UserID: "u1", VersionCount: 0})
		assert.ErrorIs(t, err, apperr.ErrInvalid)
	})

	t.Run("DeleteThreadCascades", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.CreateThread(ctx, store.Thread{ID: "t1", UserID: "u1"})
		require.NoError(t, err)
		_, err = s.CreateThread(ctx, store.Thread{ID: "t2", UserID: "u1"})
		require.NoError(t, err)
		_, err = s.InsertMessage(ctx, store.Message{ID: "m1", ThreadID: "t1", UserID: "u1", Role: store.RoleUser, Content: "x"})
		require.NoError(t, err)
		require.NoError(t, s.PutVersion(ctx, "u1", store.MessageVersion{MessageID: "m1", Number: 1, Content: "x"}))

		require.NoError(t, s.DeleteThread(ctx, "u1", "t1", at(10)))

		page, err := s.ListThreads(ctx, "u1", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, threadIDs(page.Threads))

		msgs, err := s.ListMessages(ctx, "u1", "t1", 0, 10)
		require.NoError(t, err)
		assert.Zero(t, msgs.Total)

		vs, err := s.ListVersions(ctx, "u1", "m1")
		require.NoError(t, err)
		assert.Empty(t, vs)

		_, err = s.GetThread(ctx, "u1", "t1")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.ErrorIs(t, s.DeleteThread(ctx, "u1", "t1", at(11)), apperr.ErrNotFound)
		_, err = s.InsertMessage(ctx, store.Message{ID: "m9", ThreadID: "t1", UserID: "u1", Role: store.RoleUser})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(apperr.ErrCancelled)
		_, err := s.ListThreads(ctx, "u1", 0, 10)
		require.Error(t, err)
		assert.True(t, apperr.IsCancelled(err), "got %v", err)
	})
}

func threadIDs(ts []store.Thread) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
