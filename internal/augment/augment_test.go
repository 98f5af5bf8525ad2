package augment

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/gen"
	"github.com/floegence/threadsync/internal/gen/gentest"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/websearch"
)

type staticProvider struct {
	name    string
	results []websearch.Result
	err     error
	calls   atomic.Int32
	queries chan string
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Search(_ context.Context, req websearch.SearchRequest) ([]websearch.Result, error) {
	p.calls.Add(1)
	if p.queries != nil {
		p.queries <- req.Query
	}
	if p.err != nil {
		return nil, p.err
	}
	out := make([]websearch.Result, len(p.results))
	for i, r := range p.results {
		r.Rank = i + 1
		r.Provider = p.name
		out[i] = r
	}
	return out, nil
}

func newAugmenter(t *testing.T, script *gentest.Scripted, providers ...websearch.Provider) *Augmenter {
	t.Helper()
	svc, err := gen.New(script, gen.WithLogger(logging.Nop()))
	require.NoError(t, err)
	a, err := New(svc, providers, WithLogger(logging.Nop()))
	require.NoError(t, err)
	return a
}

func urls(sources []Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.URL)
	}
	return out
}

func TestAugment_OverlappingProvidersDedupAndRank(t *testing.T) {
	t.Parallel()

	first := &staticProvider{name: "first", results: []websearch.Result{
		{Title: "Example A", URL: "https://www.example.com/a", Snippet: "generic", Relevance: 0.9},
		{Title: "Go docs", URL: "https://go.dev/doc/", Snippet: "official docs", Relevance: 0.8},
		{Title: "NASA", URL: "https://nasa.gov/x", Relevance: 0.5},
	}}
	second := &staticProvider{name: "second", results: []websearch.Result{
		{Title: "Example A again", URL: "https://example.com/a/", Relevance: 0.95},
		{Title: "Go docs dup", URL: "https://go.dev/doc#intro", Relevance: 0.7},
		{Title: "Go blog", URL: "https://golang.org/blog", Relevance: 0.6},
	}}
	script := gentest.New().
		OnSystem("Rewrite", gentest.Text("go documentation")).
		OnSystem("Summarize", gentest.Text("Go has docs [1].\nFOLLOW_UP: Where is the tour?\nFOLLOW_UP: What changed in 1.25?"))
	a := newAugmenter(t, script, first, second)

	res, err := a.Augment(context.Background(), "where are the go docs")
	require.NoError(t, err)
	assert.Equal(t, "go documentation", res.RewrittenQuery)

	want := []string{"https://go.dev/doc/", "https://example.com/a/", "https://nasa.gov/x", "https://golang.org/blog"}
	if diff := cmp.Diff(want, urls(res.Sources)); diff != "" {
		t.Fatalf("ranked urls mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(res.Sources); i++ {
		assert.GreaterOrEqual(t, res.Sources[i-1].Score, res.Sources[i].Score)
	}
	assert.Equal(t, "Go has docs [1].", res.Summary)
	assert.Equal(t, []string{"Where is the tour?", "What changed in 1.25?"}, res.FollowUps)
}

func TestAugment_ProviderFailureIsZeroResults(t *testing.T) {
	t.Parallel()

	ok := &staticProvider{name: "ok", results: []websearch.Result{{Title: "Only", URL: "https://only.example/", Snippet: "the one"}}}
	broken := &staticProvider{name: "broken", err: apperr.Errorf(apperr.KindRemote, "test", "down")}
	script := gentest.New().OnSystem("Summarize", gentest.Reply{Err: errors.New("synthesis down")})
	a := newAugmenter(t, script, ok, broken)

	res, err := a.Augment(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "the one", res.Summary)
	assert.Empty(t, res.FollowUps)
	assert.EqualValues(t, 1, broken.calls.Load())
}

func TestAugment_AllEmptyIsRemoteError(t *testing.T) {
	t.Parallel()

	a := newAugmenter(t, gentest.New(),
		&staticProvider{name: "a", err: errors.New("boom")},
		&staticProvider{name: "b"},
	)
	_, err := a.Augment(context.Background(), "q")
	assert.ErrorIs(t, err, apperr.ErrRemote)

	_, err = a.Augment(context.Background(), "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestAugment_RewriteFailureKeepsQuery(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 2)
	p1 := &staticProvider{name: "a", queries: queries, results: []websearch.Result{{URL: "https://a.example"}}}
	p2 := &staticProvider{name: "b", queries: queries}
	script := gentest.New().OnSystem("Rewrite", gentest.Reply{Err: &gen.StatusError{StatusCode: 503}})
	a := newAugmenter(t, script, p1, p2)

	res, err := a.Augment(context.Background(), "original words")
	require.NoError(t, err)
	assert.Equal(t, "original words", res.RewrittenQuery)
	assert.Equal(t, "original words", <-queries)
	assert.Equal(t, "original words", <-queries)
}

func TestAugment_TopN(t *testing.T) {
	t.Parallel()

	var results []websearch.Result
	for _, u := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		results = append(results, websearch.Result{URL: "https://" + u + ".example"})
	}
	a := newAugmenter(t, gentest.New(), &staticProvider{name: "x", results: results}, &staticProvider{name: "y"})
	res, err := a.Augment(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, res.Sources, 5)
	assert.Equal(t, "https://a.example", res.Sources[0].URL)
}

func TestShouldAugment(t *testing.T) {
	t.Parallel()

	script := gentest.New().
		OnPrompt("stock price", gentest.Text("SEARCH")).
		OnPrompt("poem", gentest.Text("NO_SEARCH")).
		OnPrompt("garbled", gentest.Text("maybe?")).
		OnPrompt("offline", gentest.Reply{Err: &gen.StatusError{StatusCode: 500}})
	a := newAugmenter(t, script, &staticProvider{name: "a"}, &staticProvider{name: "b"})
	ctx := context.Background()

	assert.True(t, a.ShouldAugment(ctx, "current stock price of ACME"))
	assert.False(t, a.ShouldAugment(ctx, "write a poem"))
	assert.True(t, a.ShouldAugment(ctx, "garbled: does it work?"))
	assert.False(t, a.ShouldAugment(ctx, "garbled statement"))
	assert.True(t, a.ShouldAugment(ctx, "offline but is it raining?"))
	assert.False(t, a.ShouldAugment(ctx, "offline chatter"))
	assert.False(t, a.ShouldAugment(ctx, "   "))

	before := len(script.Calls())
	personal := session.WithMeta(ctx, &session.Meta{UserID: "u1", Personalized: true})
	assert.False(t, a.ShouldAugment(personal, "what is my favourite stock price?"))
	assert.Len(t, script.Calls(), before, "personal queries skip the classifier")

	plain := session.WithMeta(ctx, &session.Meta{UserID: "u1"})
	assert.True(t, a.ShouldAugment(plain, "what is my favourite stock price?"))
	assert.True(t, a.ShouldAugment(personal, "show me the current stock price of ACME"),
		"asking the assistant to show something is not about the user")
}

func TestIsPersonalQuery(t *testing.T) {
	t.Parallel()

	personal := []string{
		"what is my favourite colour?",
		"Tell me about me",
		"who am I",
		"Do you remember what I said yesterday?",
		"that one is mine",
		"what do you know me by",
	}
	for _, q := range personal {
		assert.True(t, IsPersonalQuery(q), q)
	}
	general := []string{
		"Tell me the latest Go release",
		"Show me today's weather in Paris",
		"Can you give me current BTC price?",
		"help me compare two laptops",
		"myriad uses of graphene",
	}
	for _, q := range general {
		assert.False(t, IsPersonalQuery(q), q)
	}
}

func TestNew_RequiresTwoProviders(t *testing.T) {
	t.Parallel()

	svc, err := gen.New(gentest.New())
	require.NoError(t, err)
	_, err = New(svc, []websearch.Provider{&staticProvider{name: "one"}, nil})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestTrustWeight(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"https://www.stanford.edu/x":          1.0,
		"https://data.gov.uk/set":             1.0,
		"https://en.wikipedia.org/wiki/Go":    0.9,
		"https://github.com/golang/go":        0.9,
		"https://www.python.org/":             0.75,
		"https://blog.example.com/":           0.6,
		"not a url":                           0.6,
		"https://www.army.mil/":               1.0,
		"https://www.ox.ac.uk/admissions":     1.0,
		"https://nasa.gov.attacker.example/x": 0.6,
		"https://mit.edu.spam.io/":            0.6,
		"https://gov.uk.example.com/":         0.6,
		"https://notgithub.com/":              0.6,
		"https://github.com.evil.net/":        0.6,
	}
	for raw, want := range cases {
		assert.InDelta(t, want, TrustWeight(raw), 1e-9, raw)
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://example.com/a", NormalizeURL("HTTP://WWW.Example.com/a/#top"))
	assert.Equal(t, "https://example.com/a?q=1", NormalizeURL("https://example.com/a/?q=1"))
	assert.Equal(t, "https://example.com", NormalizeURL("https://example.com/"))
	assert.Empty(t, NormalizeURL("/relative/path"))
}

func TestRank_DerivesRelevanceFromRank(t *testing.T) {
	t.Parallel()

	hits := []websearch.Result{
		{URL: "https://x.example/1", Rank: 1},
		{URL: "https://x.example/2", Rank: 2},
		{URL: "https://x.example/20", Rank: 20},
	}
	got := Rank(hits, 0)
	require.Len(t, got, 3)
	assert.InDelta(t, 0.6, got[0].Score, 1e-9)
	assert.InDelta(t, 0.54, got[1].Score, 1e-9)
	assert.InDelta(t, 0.06, got[2].Score, 1e-9)
}

func TestFormatContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FormatContext(nil))
	out := FormatContext(&Result{
		Query:     "go",
		Summary:   "Go is a language.",
		Sources:   []Source{{Result: websearch.Result{Title: "Go", URL: "https://go.dev", Snippet: "home"}}},
		FollowUps: []string{"Who made Go?"},
	})
	assert.True(t, strings.HasPrefix(out, `Web search results for "go":`))
	assert.Contains(t, out, "Summary: Go is a language.")
	assert.Contains(t, out, "[1] Go (https://go.dev)\n    home")
	assert.Contains(t, out, "- Who made Go?")
}
