// Package googlecse connects the Candidate Retriever (C4) to the Google
// Programmable Search (Custom Search JSON) API.
package googlecse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"briefly/internal/logger"
	"briefly/internal/model"
	"briefly/internal/providers"
)

const baseURL = "https://www.googleapis.com/customsearch/v1"

// Connector implements providers.Connector against Google CSE. C5's filter
// policy exempts it, like every "google"-prefixed connector, from the
// published-date requirement, since CSE rarely returns one.
type Connector struct {
	apiKey string
	cx     string
	client *http.Client
}

// New creates a Google CSE connector. apiKey and cx are per-request
// overridable via the X-Google-Cse-Api-Key / X-Google-Cse-Cx headers.
func New(apiKey, cx string) *Connector {
	return &Connector{
		apiKey: apiKey,
		cx:     cx,
		client: &http.Client{Timeout: providers.DefaultTimeout},
	}
}

// Name identifies this connector in candidate records and metrics.
func (c *Connector) Name() string { return "google" }

// Search issues a single Custom Search request for q.Text.
func (c *Connector) Search(ctx context.Context, q providers.Query) (providers.Result, error) {
	if c.apiKey == "" || c.cx == "" {
		return providers.Result{}, fmt.Errorf("googlecse: missing api key or cx")
	}

	num := q.MaxResults
	if num <= 0 || num > 10 {
		num = 10 // Google CSE allows at most 10 results per request
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("cx", c.cx)
	params.Set("q", q.Text)
	params.Set("num", strconv.Itoa(num))
	if q.SinceHours > 0 {
		days := q.SinceHours / 24
		switch {
		case days <= 1:
			params.Set("dateRestrict", "d1")
		case days <= 7:
			params.Set("dateRestrict", "w1")
		case days <= 30:
			params.Set("dateRestrict", "m1")
		default:
			params.Set("dateRestrict", "y1")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return providers.Result{}, fmt.Errorf("googlecse: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return providers.Result{}, fmt.Errorf("googlecse: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return providers.Result{}, fmt.Errorf("googlecse: status %d", resp.StatusCode)
	}

	var body struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return providers.Result{}, fmt.Errorf("googlecse: decode response: %w", err)
	}
	if body.Error.Code != 0 {
		return providers.Result{}, fmt.Errorf("googlecse: api error (%d): %s", body.Error.Code, body.Error.Message)
	}

	now := time.Now()
	items := make([]model.Candidate, 0, len(body.Items))
	for _, item := range body.Items {
		if item.Link == "" {
			continue
		}
		items = append(items, model.Candidate{
			ID:       providers.CandidateID(item.Link),
			Provider: c.Name(),
			Title:    item.Title,
			URL:      item.Link,
			Snippet:  item.Snippet,
		})
	}

	logger.Info("googlecse search completed", "query", q.Text, "results", len(items), "at", now)

	return providers.Result{
		Items:   items,
		Metrics: model.ProviderMetrics{Returned: len(body.Items), Unique: len(items)},
	}, nil
}
