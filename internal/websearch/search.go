package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/threadsync/internal/apperr"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 2 << 20
)

type options struct {
	endpoint string
	client   *http.Client
}

type Option func(*options)

// WithEndpoint overrides the provider's API URL.
func WithEndpoint(u string) Option {
	return func(o *options) { o.endpoint = strings.TrimSpace(u) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// New builds the named provider.
func New(provider string, apiKey string, opts ...Option) (Provider, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		provider = ProviderBrave
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.Errorf(apperr.KindAuth, "websearch.new", "missing %s api key", provider)
	}
	o := options{client: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	switch provider {
	case ProviderBrave:
		return newBrave(apiKey, o), nil
	case ProviderTavily:
		return newTavily(apiKey, o), nil
	default:
		return nil, apperr.Errorf(apperr.KindInvalid, "websearch.new", "unsupported web search provider %q", provider)
	}
}

// Search runs one query against p and wraps the hits for printing.
func Search(ctx context.Context, p Provider, req SearchRequest) (SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.Normalize()
	if req.Query == "" {
		return SearchResult{}, apperr.Errorf(apperr.KindInvalid, "websearch.search", "missing query")
	}
	results, err := p.Search(ctx, req)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Provider: p.Name(), Query: req.Query, Results: results}, nil
}

// do sends req and returns the body of a 2xx response.
func do(ctx context.Context, client *http.Client, op string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.FromContext(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.FromContext(ctx, op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.E(apperr.KindAuth, op, cause)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.E(apperr.KindRemote, op, cause)
	default:
		return nil, apperr.E(apperr.KindInvalid, op, cause)
	}
}

func cleanResults(provider string, in []Result) []Result {
	out := make([]Result, 0, len(in))
	for _, r := range in {
		u := strings.TrimSpace(r.URL)
		if u == "" {
			continue
		}
		r.URL = u
		r.Title = strings.TrimSpace(r.Title)
		if r.Title == "" {
			r.Title = u
		}
		r.Snippet = strings.TrimSpace(r.Snippet)
		if r.Relevance < 0 {
			r.Relevance = 0
		}
		if r.Relevance > 1 {
			r.Relevance = 1
		}
		r.Rank = len(out) + 1
		r.Provider = provider
		out = append(out, r)
	}
	return out
}
