package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/logging"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.True(t, p.Jitter)
}

func TestDelay_ExponentialAndCapped(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 300*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(7))
}

func TestDelay_JitterStaysWithinTenPercent(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestDo_RetriesRemoteErrorsUpToBound(t *testing.T) {
	t.Parallel()

	calls := 0
	var retries []Attempt
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return apperr.E(apperr.KindRemote, "insert", errors.New("connection reset"))
	}, OnRetry(func(a Attempt) { retries = append(retries, a) }), WithLogger(logging.Nop(), "insert"))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemote)
	assert.Equal(t, 3, calls)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Number)
	assert.Equal(t, 2, retries[1].Number)
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 2 {
			return apperr.E(apperr.KindTimeout, "generate", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_DoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	for _, kind := range []apperr.Kind{apperr.KindNotFound, apperr.KindAuth, apperr.KindCancelled, apperr.KindInvalid} {
		calls := 0
		err := Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
			calls++
			return apperr.E(kind, "op", nil)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "kind %s", kind)
	}
}

func TestDo_CustomPredicate(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("plain")
	}, If(func(error) bool { return true }))
	assert.Equal(t, 3, calls)
}

func TestDo_StopsWhenContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(ctx context.Context, attempt int) error {
			calls++
			return apperr.E(apperr.KindRemote, "op", nil)
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperr.ErrRemote)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_ContextAlreadyDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy(), func(ctx context.Context, attempt int) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
