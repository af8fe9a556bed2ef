// Package googlenews connects the Candidate Retriever (C4) to Google News
// via its public RSS search feed.
package googlenews

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"briefly/internal/logger"
	"briefly/internal/model"
	"briefly/internal/providers"
)

const baseURL = "https://news.google.com/rss/search"

// rss mirrors the subset of the Google News RSS schema this connector reads.
type rss struct {
	XMLName xml.Name `xml:"rss"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Items []item `xml:"item"`
}

type item struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
	Source  string `xml:"source"`
}

// Connector implements providers.Connector against Google News RSS search.
type Connector struct {
	client *http.Client
}

// New creates a googlenews connector. No API key is required.
func New() *Connector {
	return &Connector{client: &http.Client{Timeout: providers.DefaultTimeout}}
}

// Name identifies this connector in candidate records and metrics. It is
// treated as Google-like by C5's filter policy, so dateless items are not
// penalized.
func (c *Connector) Name() string { return "googlenews" }

// Search issues a single RSS search request for q.Text.
func (c *Connector) Search(ctx context.Context, q providers.Query) (providers.Result, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	if q.SinceHours > 0 {
		days := q.SinceHours / 24
		if days < 1 {
			days = 1
		}
		params.Set("q", q.Text+fmt.Sprintf(" when:%dd", days))
	}
	params.Set("hl", "en-US")
	params.Set("gl", "US")
	params.Set("ceid", "US:en")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return providers.Result{}, fmt.Errorf("googlenews: build request: %w", err)
	}
	req.Header.Set("User-Agent", "briefing-engine/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return providers.Result{}, fmt.Errorf("googlenews: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return providers.Result{}, fmt.Errorf("googlenews: status %d", resp.StatusCode)
	}

	var parsed rss
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return providers.Result{}, fmt.Errorf("googlenews: decode feed: %w", err)
	}

	limit := q.MaxResults
	if limit <= 0 {
		limit = len(parsed.Channel.Items)
	}

	items := make([]model.Candidate, 0, len(parsed.Channel.Items))
	for _, it := range parsed.Channel.Items {
		if len(items) >= limit {
			break
		}
		if it.Link == "" {
			continue
		}
		cand := model.Candidate{
			ID:         providers.CandidateID(it.Link),
			Provider:   c.Name(),
			Title:      it.Title,
			URL:        it.Link,
			SourceName: it.Source,
		}
		if pub, ok := parsePubDate(it.PubDate); ok {
			cand.PublishedAt = &pub
		}
		items = append(items, cand)
	}

	logger.Info("googlenews search completed", "query", q.Text, "results", len(items))

	return providers.Result{
		Items:   items,
		Metrics: model.ProviderMetrics{Returned: len(parsed.Channel.Items), Unique: len(items)},
	}, nil
}

func parsePubDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	formats := []string{time.RFC1123, time.RFC1123Z, "Mon, 2 Jan 2006 15:04:05 MST"}
	for _, f := range formats {
		if t, err := time.Parse(f, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
