package websearch

import (
	"context"
	"strings"
)

const (
	ProviderBrave  = "brave"
	ProviderTavily = "tavily"
)

const (
	defaultCount = 5
	maxCount     = 10
)

// Provider is one independent search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, req SearchRequest) ([]Result, error)
}

type SearchRequest struct {
	Query string
	Count int
}

func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.Query = strings.TrimSpace(out.Query)
	if out.Count <= 0 {
		out.Count = defaultCount
	}
	if out.Count > maxCount {
		out.Count = maxCount
	}
	return out
}

// Result is one hit. Relevance is the provider's own score in [0, 1]; zero means the provider
// reported none and callers should derive one from Rank.
type Result struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
	Rank      int     `json:"rank"`
	Provider  string  `json:"provider"`
}

// SearchResult is the JSON shape printed by the CLI.
type SearchResult struct {
	Provider string   `json:"provider"`
	Query    string   `json:"query"`
	Results  []Result `json:"results"`
}
