// Package eventregistry connects the Candidate Retriever (C4) to the Event
// Registry article search API.
package eventregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"briefly/internal/logger"
	"briefly/internal/model"
	"briefly/internal/providers"
)

const baseURL = "https://eventregistry.org/api/v1/article/getArticles"

// Connector implements providers.Connector against the Event Registry
// article search API, which takes a POST body rather than query params.
type Connector struct {
	apiKey string
	client *http.Client
}

// New creates an eventregistry connector bound to apiKey.
func New(apiKey string) *Connector {
	return &Connector{apiKey: apiKey, client: &http.Client{Timeout: providers.DefaultTimeout}}
}

// Name identifies this connector in candidate records and metrics.
func (c *Connector) Name() string { return "eventregistry" }

type requestBody struct {
	Action          string `json:"action"`
	Keyword         string `json:"keyword"`
	ArticlesCount   int    `json:"articlesCount"`
	ArticlesSortBy  string `json:"articlesSortBy"`
	DateStart       string `json:"dateStart,omitempty"`
	ResultType      string `json:"resultType"`
	ApiKey          string `json:"apiKey"`
}

// Search issues a single getArticles request for q.Text.
func (c *Connector) Search(ctx context.Context, q providers.Query) (providers.Result, error) {
	if c.apiKey == "" {
		return providers.Result{}, fmt.Errorf("eventregistry: missing api key")
	}

	count := q.MaxResults
	if count <= 0 || count > 100 {
		count = 20
	}

	reqBody := requestBody{
		Action:         "getArticles",
		Keyword:        q.Text,
		ArticlesCount:  count,
		ArticlesSortBy: "date",
		ResultType:     "articles",
		ApiKey:         c.apiKey,
	}
	if q.SinceHours > 0 {
		reqBody.DateStart = time.Now().Add(-time.Duration(q.SinceHours) * time.Hour).Format("2006-01-02")
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return providers.Result{}, fmt.Errorf("eventregistry: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(payload))
	if err != nil {
		return providers.Result{}, fmt.Errorf("eventregistry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return providers.Result{}, fmt.Errorf("eventregistry: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return providers.Result{}, fmt.Errorf("eventregistry: status %d", resp.StatusCode)
	}

	var body struct {
		Articles struct {
			Results []struct {
				Title  string `json:"title"`
				URL    string `json:"url"`
				Body   string `json:"body"`
				Date   string `json:"date"`
				Time   string `json:"time"`
				Source struct {
					Title string `json:"title"`
				} `json:"source"`
			} `json:"results"`
		} `json:"articles"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return providers.Result{}, fmt.Errorf("eventregistry: decode response: %w", err)
	}
	if body.Error != "" {
		return providers.Result{}, fmt.Errorf("eventregistry: api error: %s", body.Error)
	}

	items := make([]model.Candidate, 0, len(body.Articles.Results))
	for _, a := range body.Articles.Results {
		if a.URL == "" {
			continue
		}
		cand := model.Candidate{
			ID:         providers.CandidateID(a.URL),
			Provider:   c.Name(),
			Title:      a.Title,
			URL:        a.URL,
			SourceName: a.Source.Title,
			Snippet:    truncate(a.Body, 500),
		}
		if a.Date != "" {
			stamp := a.Date
			if a.Time != "" {
				stamp += "T" + a.Time
			} else {
				stamp += "T00:00:00"
			}
			if pub, err := time.Parse("2006-01-02T15:04:05", stamp); err == nil {
				cand.PublishedAt = &pub
			}
		}
		items = append(items, cand)
	}

	logger.Info("eventregistry search completed", "query", q.Text, "results", len(items))

	return providers.Result{
		Items:   items,
		Metrics: model.ProviderMetrics{Returned: len(body.Articles.Results), Unique: len(items)},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
