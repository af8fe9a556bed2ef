// Package newsapi connects the Candidate Retriever (C4) to a NewsAPI-shaped
// news search REST endpoint.
package newsapi

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

const baseURL = "https://newsapi.org/v2/everything"

const timeLayout = time.RFC3339

// Connector implements providers.Connector against a NewsAPI-compatible
// "everything" search endpoint.
type Connector struct {
	apiKey string
	client *http.Client
}

// New creates a newsapi connector bound to apiKey.
func New(apiKey string) *Connector {
	return &Connector{apiKey: apiKey, client: &http.Client{Timeout: providers.DefaultTimeout}}
}

// Name identifies this connector in candidate records and metrics.
func (c *Connector) Name() string { return "newsapi" }

// Search issues a single "everything" search request for q.Text.
func (c *Connector) Search(ctx context.Context, q providers.Query) (providers.Result, error) {
	if c.apiKey == "" {
		return providers.Result{}, fmt.Errorf("newsapi: missing api key")
	}

	pageSize := q.MaxResults
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("pageSize", strconv.Itoa(pageSize))
	params.Set("sortBy", "publishedAt")
	params.Set("language", "en")
	if q.SinceHours > 0 {
		from := time.Now().Add(-time.Duration(q.SinceHours) * time.Hour)
		params.Set("from", from.Format("2006-01-02"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return providers.Result{}, fmt.Errorf("newsapi: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return providers.Result{}, fmt.Errorf("newsapi: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return providers.Result{}, fmt.Errorf("newsapi: status %d", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Articles []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PublishedAt string `json:"publishedAt"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return providers.Result{}, fmt.Errorf("newsapi: decode response: %w", err)
	}
	if body.Status != "ok" {
		return providers.Result{}, fmt.Errorf("newsapi: api error: %s", body.Message)
	}

	items := make([]model.Candidate, 0, len(body.Articles))
	for _, a := range body.Articles {
		if a.URL == "" {
			continue
		}
		cand := model.Candidate{
			ID:         providers.CandidateID(a.URL),
			Provider:   c.Name(),
			Title:      a.Title,
			URL:        a.URL,
			SourceName: a.Source.Name,
			Snippet:    a.Description,
		}
		if pub, err := time.Parse(timeLayout, a.PublishedAt); err == nil {
			cand.PublishedAt = &pub
		}
		items = append(items, cand)
	}

	logger.Info("newsapi search completed", "query", q.Text, "results", len(items))

	return providers.Result{
		Items:   items,
		Metrics: model.ProviderMetrics{Returned: len(body.Articles), Unique: len(items)},
	}, nil
}
