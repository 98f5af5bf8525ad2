package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/floegence/threadsync/internal/apperr"
)

const braveWebSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

type braveWebSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Brave queries the Brave web search API. It reports no relevance scores.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func newBrave(apiKey string, o options) *Brave {
	ep := o.endpoint
	if ep == "" {
		ep = braveWebSearchEndpoint
	}
	return &Brave{apiKey: apiKey, endpoint: ep, client: o.client}
}

func (b *Brave) Name() string { return ProviderBrave }

func (b *Brave) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	const op = "websearch.brave"
	req = req.Normalize()
	if req.Query == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "missing query")
	}

	endpoint, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "invalid brave search endpoint")
	}
	q := endpoint.Query()
	q.Set("q", req.Query)
	q.Set("count", strconv.Itoa(req.Count))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, apperr.E(apperr.KindInvalid, op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", b.apiKey)

	body, err := do(ctx, b.client, op, httpReq)
	if err != nil {
		return nil, err
	}
	var decoded braveWebSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, apperr.Errorf(apperr.KindRemote, op, "invalid brave web search response")
	}

	results := make([]Result, 0, len(decoded.Web.Results))
	for _, item := range decoded.Web.Results {
		results = append(results, Result{Title: item.Title, URL: item.URL, Snippet: item.Description})
	}
	return cleanResults(ProviderBrave, results), nil
}
