// Package gentest provides a scripted gen.Provider for tests.
package gentest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/floegence/threadsync/internal/gen"
)

// Reply is one scripted completion.
type Reply struct {
	Deltas []string
	// Err is returned after the deltas are emitted.
	Err error
	// Gap is slept between deltas.
	Gap time.Duration
	// Hold, when non-nil, blocks after the deltas until it is closed or the context ends.
	Hold <-chan struct{}
	// Started, when non-nil, is closed once the first delta has been emitted.
	Started chan struct{}
}

// Text is a Reply that streams s word by word.
func Text(s string) Reply {
	words := strings.SplitAfter(s, " ")
	return Reply{Deltas: words}
}

type rule struct {
	match   func(gen.Request) bool
	replies []Reply
	used    int
}

// Scripted answers requests from rules registered with On. The first matching rule wins; its
// replies are consumed in order and the last one repeats. Requests matching no rule get
// Fallback.
type Scripted struct {
	mu       sync.Mutex
	rules    []*rule
	calls    []gen.Request
	started  map[chan struct{}]bool
	Fallback Reply
}

func New() *Scripted {
	return &Scripted{Fallback: Text("ok"), started: make(map[chan struct{}]bool)}
}

func (s *Scripted) On(match func(gen.Request) bool, replies ...Reply) *Scripted {
	if len(replies) == 0 {
		replies = []Reply{s.Fallback}
	}
	s.mu.Lock()
	s.rules = append(s.rules, &rule{match: match, replies: replies})
	s.mu.Unlock()
	return s
}

// OnPrompt matches requests whose prompt contains substr.
func (s *Scripted) OnPrompt(substr string, replies ...Reply) *Scripted {
	return s.On(func(r gen.Request) bool { return strings.Contains(r.Prompt, substr) }, replies...)
}

// OnSystem matches requests whose system prompt contains substr.
func (s *Scripted) OnSystem(substr string, replies ...Reply) *Scripted {
	return s.On(func(r gen.Request) bool { return strings.Contains(r.System, substr) }, replies...)
}

func (s *Scripted) Calls() []gen.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gen.Request(nil), s.calls...)
}

// CallsMatching counts requests whose prompt contains substr.
func (s *Scripted) CallsMatching(substr string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.Contains(c.Prompt, substr) {
			n++
		}
	}
	return n
}

func (s *Scripted) next(req gen.Request) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	for _, r := range s.rules {
		if !r.match(req) {
			continue
		}
		i := r.used
		if i >= len(r.replies) {
			i = len(r.replies) - 1
		}
		r.used++
		return r.replies[i]
	}
	return s.Fallback
}

func (s *Scripted) markStarted(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started[ch] {
		return
	}
	s.started[ch] = true
	close(ch)
}

func (s *Scripted) Stream(ctx context.Context, req gen.Request, onDelta func(string)) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reply := s.next(req)
	var b strings.Builder
	for i, d := range reply.Deltas {
		if i > 0 && reply.Gap > 0 {
			t := time.NewTimer(reply.Gap)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return b.String(), ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		b.WriteString(d)
		if onDelta != nil {
			onDelta(d)
		}
		if i == 0 && reply.Started != nil {
			s.markStarted(reply.Started)
		}
	}
	if reply.Hold != nil {
		select {
		case <-reply.Hold:
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
	if reply.Err != nil {
		return b.String(), reply.Err
	}
	return strings.TrimSpace(b.String()), nil
}

var _ gen.Provider = (*Scripted)(nil)
