// Package augment decides whether a prompt needs web search context and, when it does, fans the
// query out to several search providers and condenses the ranked hits into a prompt addendum.
package augment

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/websearch"
)

const (
	defaultTopN          = 5
	defaultPerProvider   = 8
	maxFollowUps         = 3
	followUpPrefix       = "FOLLOW_UP:"
	classifierSearch     = "SEARCH"
	classifierNoSearch   = "NO_SEARCH"
	minRankRelevance     = 0.1
	rankRelevanceFalloff = 0.1
)

// Completer runs one-shot prompts. *gen.Service satisfies it.
type Completer interface {
	Complete(ctx context.Context, system string, prompt string) (string, error)
}

// Source is a ranked search hit.
type Source struct {
	websearch.Result
	Trust float64 `json:"trust"`
	Score float64 `json:"score"`
}

type Result struct {
	Query          string   `json:"query"`
	RewrittenQuery string   `json:"rewritten_query"`
	Summary        string   `json:"summary"`
	Sources        []Source `json:"sources"`
	FollowUps      []string `json:"follow_ups,omitempty"`
}

type Augmenter struct {
	gen         Completer
	providers   []websearch.Provider
	topN        int
	perProvider int
	log         zerolog.Logger
}

type Option func(*Augmenter)

func WithTopN(n int) Option {
	return func(a *Augmenter) {
		if n > 0 {
			a.topN = n
		}
	}
}

func WithResultsPerProvider(n int) Option {
	return func(a *Augmenter) {
		if n > 0 {
			a.perProvider = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Augmenter) { a.log = l }
}

func New(gen Completer, providers []websearch.Provider, opts ...Option) (*Augmenter, error) {
	if gen == nil {
		return nil, errors.New("nil completer")
	}
	ps := make([]websearch.Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	if len(ps) < 2 {
		return nil, apperr.Errorf(apperr.KindInvalid, "augment.new", "need at least two search providers, got %d", len(ps))
	}
	a := &Augmenter{
		gen:         gen,
		providers:   ps,
		topN:        defaultTopN,
		perProvider: defaultPerProvider,
		log:         logging.Component("augment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

var (
	// Self-reference only: "show me the weather" is not personal, "my schedule" is.
	personalQueryRe = regexp.MustCompile(`(?i)\bmy\s+\w|\b(mine|myself)\b|\babout me\b|\b(know|remind) me\b|\bremember\b|\bwho am i\b|\bi told you\b`)
	interrogativeRe = regexp.MustCompile(`(?i)^(what|who|whom|whose|when|where|why|how|which|is|are|was|were|can|could|does|do|did|should|will|would|has|have)\b`)
)

const classifierSystem = `You decide whether answering a chat message needs a live web search.
Reply with exactly one word: SEARCH if the message asks about current events, recent releases,
prices, schedules, or facts you may not know; NO_SEARCH otherwise.`

// ShouldAugment reports whether content should be answered with search context. Personal
// queries never search when the user has a personalization profile. Classifier failures fall
// back to searching only for question-shaped content.
func (a *Augmenter) ShouldAugment(ctx context.Context, content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	if meta := session.FromContext(ctx); meta != nil && meta.Personalized && IsPersonalQuery(content) {
		return false
	}
	out, err := a.gen.Complete(ctx, classifierSystem, content)
	if err != nil {
		if !apperr.IsCancelled(err) {
			a.log.Debug().Err(err).Msg("search classifier failed, using question heuristic")
		}
		return LooksLikeQuestion(content)
	}
	verdict := strings.ToUpper(strings.TrimSpace(out))
	switch {
	case strings.Contains(verdict, classifierNoSearch):
		return false
	case strings.Contains(verdict, classifierSearch):
		return true
	default:
		return LooksLikeQuestion(content)
	}
}

func IsPersonalQuery(content string) bool {
	return personalQueryRe.MatchString(content)
}

func LooksLikeQuestion(content string) bool {
	content = strings.TrimSpace(content)
	return strings.HasSuffix(content, "?") || interrogativeRe.MatchString(content)
}

const rewriteSystem = `Rewrite the user's message as a concise web search query that maximizes recall.
Reply with the query only.`

// Augment searches for query and condenses the top hits. It fails only when no provider
// returned anything usable.
func (a *Augmenter) Augment(ctx context.Context, query string) (*Result, error) {
	const op = "augment"
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "empty query")
	}

	rewritten := a.rewrite(ctx, query)
	hits := a.fanOut(ctx, rewritten)
	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(ctx, op, err)
	}
	sources := Rank(hits, a.topN)
	if len(sources) == 0 {
		return nil, apperr.Errorf(apperr.KindRemote, op, "no usable search results")
	}

	res := &Result{Query: query, RewrittenQuery: rewritten, Sources: sources}
	res.Summary, res.FollowUps = a.synthesize(ctx, query, sources)
	return res, nil
}

func (a *Augmenter) rewrite(ctx context.Context, query string) string {
	out, err := a.gen.Complete(ctx, rewriteSystem, query)
	if err != nil {
		a.log.Debug().Err(err).Msg("query rewrite failed")
		return query
	}
	out = strings.Trim(strings.TrimSpace(firstLine(out)), `"'`)
	if out == "" {
		return query
	}
	return out
}

// fanOut queries every provider in parallel. A failing provider contributes nothing.
func (a *Augmenter) fanOut(ctx context.Context, query string) []websearch.Result {
	perProvider := make([][]websearch.Result, len(a.providers))
	var g errgroup.Group
	var mu sync.Mutex
	failed := 0
	for i, p := range a.providers {
		g.Go(func() error {
			res, err := p.Search(ctx, websearch.SearchRequest{Query: query, Count: a.perProvider})
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				if !apperr.IsCancelled(err) {
					a.log.Warn().Err(err).Str("provider", p.Name()).Msg("search provider failed")
				}
				return nil
			}
			perProvider[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var all []websearch.Result
	for _, res := range perProvider {
		all = append(all, res...)
	}
	a.log.Debug().Int("providers", len(a.providers)).Int("failed", failed).Int("hits", len(all)).Msg("search fan-out done")
	return all
}

// Rank deduplicates hits by normalized URL, scores each by domain trust times relevance and
// returns the best topN, highest first. Ties keep input order.
func Rank(hits []websearch.Result, topN int) []Source {
	index := make(map[string]int, len(hits))
	out := make([]Source, 0, len(hits))
	for _, h := range hits {
		key := NormalizeURL(h.URL)
		if key == "" {
			continue
		}
		trust := TrustWeight(h.URL)
		s := Source{Result: h, Trust: trust, Score: trust * relevance(h)}
		if i, ok := index[key]; ok {
			if s.Score > out[i].Score {
				out[i] = s
			}
			continue
		}
		index[key] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// relevance clamps the provider score, deriving one from rank when the provider gave none.
func relevance(r websearch.Result) float64 {
	if r.Relevance > 0 {
		if r.Relevance > 1 {
			return 1
		}
		return r.Relevance
	}
	rank := r.Rank
	if rank < 1 {
		rank = 1
	}
	v := 1 - float64(rank-1)*rankRelevanceFalloff
	if v < minRankRelevance {
		v = minRankRelevance
	}
	return v
}

const synthesisSystem = `Summarize the numbered search results to help answer the user's question.
Write a short factual summary citing sources as [n]. Then add up to three lines of the form
FOLLOW_UP: <question> with natural follow-up questions.`

func (a *Augmenter) synthesize(ctx context.Context, query string, sources []Source) (string, []string) {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\n")
	writeSources(&b, sources)

	out, err := a.gen.Complete(ctx, synthesisSystem, b.String())
	if err != nil {
		a.log.Debug().Err(err).Msg("search synthesis failed, using snippets")
		return snippetSummary(sources), nil
	}
	summary, followUps := parseSynthesis(out)
	if summary == "" {
		summary = snippetSummary(sources)
	}
	return summary, followUps
}

func parseSynthesis(out string) (string, []string) {
	var summary []string
	var followUps []string
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), followUpPrefix) {
			q := strings.TrimSpace(trimmed[len(followUpPrefix):])
			if q != "" && len(followUps) < maxFollowUps {
				followUps = append(followUps, q)
			}
			continue
		}
		summary = append(summary, line)
	}
	return strings.TrimSpace(strings.Join(summary, "\n")), followUps
}

func snippetSummary(sources []Source) string {
	parts := make([]string, 0, len(sources))
	for i, s := range sources {
		if i == 3 {
			break
		}
		if s.Snippet != "" {
			parts = append(parts, s.Snippet)
		}
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
