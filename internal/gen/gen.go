// Package gen talks to the text generation service. A Service wraps one Provider (OpenAI,
// Anthropic or a scripted fake) and exposes chat sessions whose replies stream over a channel.
package gen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
	"github.com/rs/zerolog"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/logging"
)

const defaultMaxOutputTokens = 4096

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange entry sent as history.
type Turn struct {
	Role Role
	Text string
}

type Request struct {
	Model           string
	System          string
	History         []Turn
	Prompt          string
	MaxOutputTokens int
}

// Provider streams one completion. onDelta is called for every text fragment in order; the
// returned text is the full reply.
type Provider interface {
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// Chunk is one element of a reply stream. The last chunk has Done set (with the full Text) or
// Err set; the channel is closed after it.
type Chunk struct {
	Delta string
	Text  string
	Done  bool
	Err   error
}

type Service struct {
	provider        Provider
	model           string
	maxOutputTokens int
	log             zerolog.Logger
}

type Option func(*Service)

func WithModel(model string) Option {
	return func(s *Service) { s.model = strings.TrimSpace(model) }
}

func WithMaxOutputTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxOutputTokens = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func New(p Provider, opts ...Option) (*Service, error) {
	if p == nil {
		return nil, errors.New("nil provider")
	}
	s := &Service{
		provider:        p,
		maxOutputTokens: defaultMaxOutputTokens,
		log:             logging.Component("gen"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Service) Model() string { return s.model }

// Session is a chat with a fixed system prompt. History grows with every completed exchange.
type Session struct {
	svc    *Service
	system string

	mu      sync.Mutex
	history []Turn
}

// StartChat opens a session seeded with prior turns (oldest first).
func (s *Service) StartChat(system string, history []Turn) *Session {
	h := make([]Turn, 0, len(history))
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		h = append(h, t)
	}
	return &Session{svc: s, system: strings.TrimSpace(system), history: h}
}

func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Send streams the reply to text. Cancelling ctx aborts the outbound request; the stream then
// ends with an Err chunk classified by apperr.FromContext.
func (s *Session) Send(ctx context.Context, text string) <-chan Chunk {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan Chunk, 16)
	s.mu.Lock()
	req := Request{
		Model:           s.svc.model,
		System:          s.system,
		History:         append([]Turn(nil), s.history...),
		Prompt:          text,
		MaxOutputTokens: s.svc.maxOutputTokens,
	}
	s.mu.Unlock()

	go func() {
		defer close(out)
		full, err := s.svc.provider.Stream(ctx, req, func(delta string) {
			if delta == "" {
				return
			}
			select {
			case out <- Chunk{Delta: delta}:
			case <-ctx.Done():
			}
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			err = classify(ctx, "gen.send", err)
			if !apperr.IsCancelled(err) {
				s.svc.log.Warn().Err(err).Str("model", req.Model).Msg("generation failed")
			}
			deliver(ctx, out, Chunk{Err: err})
			return
		}
		s.mu.Lock()
		s.history = append(s.history, Turn{Role: RoleUser, Text: text}, Turn{Role: RoleAssistant, Text: full})
		s.mu.Unlock()
		deliver(ctx, out, Chunk{Done: true, Text: full})
	}()
	return out
}

// deliver sends the terminal chunk without blocking forever on a reader that went away.
func deliver(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
		return
	default:
	}
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

// Collect drains a reply stream, calling onDelta for each fragment, and returns the full text.
func Collect(ch <-chan Chunk, onDelta func(string)) (string, error) {
	var b strings.Builder
	for c := range ch {
		switch {
		case c.Err != nil:
			return b.String(), c.Err
		case c.Done:
			return c.Text, nil
		default:
			b.WriteString(c.Delta)
			if onDelta != nil {
				onDelta(c.Delta)
			}
		}
	}
	return b.String(), apperr.Errorf(apperr.KindRemote, "gen.collect", "stream ended without completion")
}

// Complete runs a one-shot, non-streaming prompt (classifier, query rewrite, titles).
func (s *Service) Complete(ctx context.Context, system string, prompt string) (string, error) {
	text, err := Collect(s.StartChat(system, nil).Send(ctx, prompt), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// classify maps provider failures to the apperr taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		return apperr.FromContext(ctx, op, err)
	}
	if code := httpStatus(err); code != 0 {
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return apperr.E(apperr.KindAuth, op, err)
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return apperr.E(apperr.KindTimeout, op, err)
		case code == http.StatusTooManyRequests || code >= 500:
			return apperr.E(apperr.KindRemote, op, err)
		case code >= 400:
			return apperr.E(apperr.KindInvalid, op, err)
		}
	}
	return apperr.FromContext(ctx, op, err)
}

func httpStatus(err error) int {
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode
	}
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode
	}
	return 0
}

// StatusError is returned by providers that report an HTTP status outside the SDKs.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation service returned %d: %s", e.StatusCode, e.Message)
}
