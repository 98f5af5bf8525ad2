package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutIsRemote(t *testing.T) {
	t.Parallel()

	err := E(KindTimeout, "timeline.generate", errors.New("deadline"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrRemote)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, Retryable(err))
}

func TestRemoteIsNotTimeout(t *testing.T) {
	t.Parallel()

	err := E(KindRemote, "store.insert", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrRemote)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestE_PreservesKindThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := E(KindNotFound, "store.get_thread", nil)
	wrapped := fmt.Errorf("select: %w", inner)
	outer := E(KindRemote, "threads.select", wrapped)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.ErrorIs(t, outer, ErrNotFound)
	assert.False(t, Retryable(outer))
}

func TestKindOf_ContextErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("user cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(ErrCancelled)
		err := FromContext(ctx, "op", context.Canceled)
		require.Error(t, err)
		assert.True(t, IsCancelled(err))
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		err := FromContext(ctx, "op", context.DeadlineExceeded)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("plain failure", func(t *testing.T) {
		err := FromContext(context.Background(), "op", errors.New("socket closed"))
		assert.ErrorIs(t, err, ErrRemote)
		assert.Contains(t, err.Error(), "op: socket closed")
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, FromContext(context.Background(), "op", nil))
	})
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "threads.fetch: not signed in", E(KindAuth, "threads.fetch", nil).Error())
	assert.Equal(t, "not found", ErrNotFound.Error())
}
