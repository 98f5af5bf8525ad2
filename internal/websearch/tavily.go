package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/floegence/threadsync/internal/apperr"
)

const tavilySearchEndpoint = "https://api.tavily.com/search"

type tavilySearchRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilySearchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Tavily queries the Tavily search API, which scores each hit in [0, 1].
type Tavily struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func newTavily(apiKey string, o options) *Tavily {
	ep := o.endpoint
	if ep == "" {
		ep = tavilySearchEndpoint
	}
	return &Tavily{apiKey: apiKey, endpoint: ep, client: o.client}
}

func (t *Tavily) Name() string { return ProviderTavily }

func (t *Tavily) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	const op = "websearch.tavily"
	req = req.Normalize()
	if req.Query == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "missing query")
	}

	payload, err := json.Marshal(tavilySearchRequest{Query: req.Query, MaxResults: req.Count, SearchDepth: "basic"})
	if err != nil {
		return nil, apperr.E(apperr.KindInvalid, op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.E(apperr.KindInvalid, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	body, err := do(ctx, t.client, op, httpReq)
	if err != nil {
		return nil, err
	}
	var decoded tavilySearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, apperr.Errorf(apperr.KindRemote, op, "invalid tavily search response")
	}

	results := make([]Result, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		results = append(results, Result{Title: item.Title, URL: item.URL, Snippet: item.Content, Relevance: item.Score})
	}
	return cleanResults(ProviderTavily, results), nil
}
