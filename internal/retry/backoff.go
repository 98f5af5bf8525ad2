// Package retry runs an operation with bounded, exponentially backed-off retries.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/floegence/threadsync/internal/apperr"
)

// Policy configures retry behavior. MaxAttempts counts the first try, so the default of 3
// means one attempt plus two retries.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// DefaultPolicy is 3 attempts waiting 500ms then 1s (±10% jitter), capped at 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Delay returns the wait before attempt number attempt+1 (attempt is zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter && delay > 0 {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number int // 1-based number of the attempt that failed
	Err    error
	Wait   time.Duration
}

type options struct {
	onRetry   func(Attempt)
	retryable func(error) bool
	logger    *zerolog.Logger
	op        string
}

type Option func(*options)

// OnRetry is called before sleeping between attempts.
func OnRetry(fn func(Attempt)) Option {
	return func(o *options) { o.onRetry = fn }
}

// If overrides which errors are retried (default apperr.Retryable).
func If(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

func WithLogger(logger zerolog.Logger, op string) Option {
	return func(o *options) {
		o.logger = &logger
		o.op = op
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the policy, or ctx is
// done. The last attempt's error is returned as-is; callers inspect their own context to tell
// a cancellation during backoff apart from exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	p = p.normalized()
	o := options{retryable: apperr.Retryable}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx, attempt+1)
		if err == nil {
			if attempt > 0 && o.logger != nil {
				o.logger.Debug().Str("op", o.op).Int("attempts", attempt+1).Msg("succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !o.retryable(err) || attempt+1 >= p.MaxAttempts {
			break
		}

		wait := p.Delay(attempt)
		if o.logger != nil {
			o.logger.Warn().Err(err).Str("op", o.op).Int("attempt", attempt+1).Int("max_attempts", p.MaxAttempts).Dur("wait", wait).Msg("retrying")
		}
		if o.onRetry != nil {
			o.onRetry(Attempt{Number: attempt + 1, Err: err, Wait: wait})
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
