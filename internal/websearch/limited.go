package websearch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/floegence/threadsync/internal/apperr"
)

// Limited throttles calls to an underlying provider.
type Limited struct {
	Provider
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls with the given burst. perSecond <= 0 disables throttling.
func NewLimited(p Provider, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Every(time.Duration(float64(time.Second) / perSecond))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Provider: p, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, apperr.FromContext(ctx, "websearch."+l.Name(), err)
	}
	return l.Provider.Search(ctx, req)
}
