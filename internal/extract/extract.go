// Package extract implements the Extractor & Filter Stage (C5): downloads
// and extracts full article text from candidate URLs under global and
// per-host concurrency limits, then applies freshness/quality/relevance
// filters.
package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"briefly/internal/concurrency"
	"briefly/internal/model"
)

const (
	minWordCount   = 150
	minUniqueWords = 80
	minRelevance   = 0.1
	maxPromoHits   = 2
	maxExcerptLen  = 600
)

var mainContentSelectors = []string{
	"article", "main", ".main-content", ".entry-content", ".post-content",
	".post-body", ".article-body", "[role='main']", ".content", "#content",
}

var boilerplateSelector = "script, style, nav, footer, header, aside, form, iframe, noscript, .sidebar, #sidebar, .ad, .advertisement, .popup, .modal, .cookie-banner"

// DefaultPromotionalPhrases is the fallback promotional-phrase list used
// when a Stage is constructed with none configured. config.Extract.
// PromotionalPhrases (EXTRACT_PROMOTIONAL_PHRASES) carries the same
// content as the deployment's tunable default, so this list is exercised
// directly only by callers (and tests) that build a Stage without going
// through config.
var DefaultPromotionalPhrases = []string{
	"click here to subscribe", "limited time offer", "buy now", "act now",
	"sign up today", "don't miss out", "exclusive deal", "as an amazon associate",
}

// Stage runs the Extractor & Filter pipeline over a batch of candidates.
type Stage struct {
	client             *http.Client
	global             *concurrency.Semaphore
	globalCap          int
	hostCap            int
	hostsMu            sync.Mutex
	hosts              map[string]*concurrency.Semaphore
	bannedHost         []string
	promotionalPhrases []string
}

// New creates a Stage bounded by globalConcurrency (min 1) total in-flight
// extractions and perHostConcurrency (min 1) per lowercased hostname.
// bannedHostPatterns are matched as case-insensitive substrings of the
// host. promotionalPhrases governs the promotional-content rejection gate;
// an empty list falls back to DefaultPromotionalPhrases.
func New(globalConcurrency, perHostConcurrency int, bannedHostPatterns, promotionalPhrases []string) *Stage {
	globalCap := globalConcurrency
	if globalCap < 1 {
		globalCap = 1
	}
	hostCap := perHostConcurrency
	if hostCap < 1 {
		hostCap = 1
	}
	if len(promotionalPhrases) == 0 {
		promotionalPhrases = DefaultPromotionalPhrases
	}
	return &Stage{
		client:             &http.Client{Timeout: 20 * time.Second},
		global:             concurrency.NewSemaphore(globalCap),
		globalCap:          globalCap,
		hostCap:            hostCap,
		hosts:              make(map[string]*concurrency.Semaphore),
		bannedHost:         bannedHostPatterns,
		promotionalPhrases: promotionalPhrases,
	}
}

func (s *Stage) hostSemaphore(host string) *concurrency.Semaphore {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	if sem, ok := s.hosts[host]; ok {
		return sem
	}
	sem := concurrency.NewSemaphore(s.hostCap)
	s.hosts[host] = sem
	return sem
}

// Outcome is the batch result of running the Extractor & Filter stage.
type Outcome struct {
	Accepted    []model.NormalizedArticle
	PerProvider map[string]model.ProviderMetrics
}

// Run extracts and filters every candidate concurrently under the stage's
// global and per-host limits, evaluating each against query for relevance
// and recencyHours for freshness. A candidate's extraction or evaluation
// failure is recorded in its provider's metrics and never aborts the batch.
func (s *Stage) Run(ctx context.Context, candidates []model.Candidate, query string, recencyHours int) (Outcome, error) {
	type itemResult struct {
		provider string
		article  *model.NormalizedArticle
		reason   string // rejection reason, empty on accept
		errMsg   string // extraction error, empty on success
	}

	queryTokens := tokenizeForRelevance(query, 24)

	task := func(ctx context.Context, i int) (any, error) {
		cand := candidates[i]

		host := hostOf(cand.URL)
		releaseGlobal, err := s.global.Acquire(ctx)
		if err != nil {
			return itemResult{provider: cand.Provider, errMsg: err.Error()}, nil
		}
		defer releaseGlobal()

		releaseHost, err := s.hostSemaphore(host).Acquire(ctx)
		if err != nil {
			return itemResult{provider: cand.Provider, errMsg: err.Error()}, nil
		}
		defer releaseHost()

		if matchesAny(host, s.bannedHost) {
			return itemResult{provider: cand.Provider, reason: "banned_host"}, nil
		}

		article, err := s.fetchAndExtract(ctx, cand)
		if err != nil {
			return itemResult{provider: cand.Provider, errMsg: err.Error()}, nil
		}

		reason := evaluateArticle(article, cand.Provider, queryTokens, recencyHours, s.promotionalPhrases)
		if reason != "" {
			return itemResult{provider: cand.Provider, reason: reason}, nil
		}
		return itemResult{provider: cand.Provider, article: article}, nil
	}

	raw, _ := concurrency.Pool(ctx, len(candidates), s.globalCap, task)

	out := Outcome{PerProvider: make(map[string]model.ProviderMetrics)}
	for _, r := range raw {
		if r == nil {
			continue
		}
		item := r.(itemResult)
		metrics := out.PerProvider[item.provider]
		switch {
		case item.errMsg != "":
			metrics.Errored++
		case item.reason != "":
			metrics.Rejected++
			if metrics.RejectionReasons == nil {
				metrics.RejectionReasons = make(map[string]int)
			}
			metrics.RejectionReasons[item.reason]++
		default:
			metrics.Accepted++
			out.Accepted = append(out.Accepted, *item.article)
		}
		out.PerProvider[item.provider] = metrics
	}

	return out, nil
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

func matchesAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// fetchAndExtract downloads candidate's URL and extracts its main article
// text via goquery, mirroring the teacher's content-selector fallback
// chain.
func (s *Stage) fetchAndExtract(ctx context.Context, cand model.Candidate) (*model.NormalizedArticle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cand.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "briefing-engine/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find(boilerplateSelector).Remove()

	body := extractMainText(doc)
	title := cand.Title
	if title == "" {
		title = strings.TrimSpace(doc.Find("head title").First().Text())
	}

	wordCount := len(strings.Fields(body))
	excerpt := body
	if len(excerpt) > maxExcerptLen {
		excerpt = excerpt[:maxExcerptLen]
	}

	article := &model.NormalizedArticle{
		ID:           cand.ID,
		Title:        title,
		CanonicalURL: strings.ToLower(cand.URL),
		SourceHost:   hostOf(cand.URL),
		SourceName:   cand.SourceName,
		PublishedAt:  cand.PublishedAt,
		Excerpt:      excerpt,
		Body:         body,
		WordCount:    wordCount,
		Provenance: model.Provenance{
			Provider:  cand.Provider,
			FetchedAt: time.Now().UTC(),
		},
	}
	return article, nil
}

func extractMainText(doc *goquery.Document) string {
	var b strings.Builder
	for _, selector := range mainContentSelectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			sel.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote").Each(func(_ int, item *goquery.Selection) {
				text := strings.TrimSpace(item.Text())
				if text != "" {
					b.WriteString(text)
					b.WriteString("\n\n")
				}
			})
		})
		if b.Len() > 0 {
			break
		}
	}
	if b.Len() == 0 {
		doc.Find("body").Find("p, li").Each(func(_ int, item *goquery.Selection) {
			text := strings.TrimSpace(item.Text())
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		})
	}
	return strings.TrimSpace(b.String())
}

// evaluateArticle implements the §4.5 filter policy. It returns the
// rejection reason name, or "" if the article is accepted.
func evaluateArticle(a *model.NormalizedArticle, provider string, queryTokens []string, recencyHours int, promotionalPhrases []string) string {
	isGoogleLike := strings.HasPrefix(provider, "google")
	if a.PublishedAt == nil {
		if !isGoogleLike {
			return "missing_published_at"
		}
	} else if time.Since(*a.PublishedAt) > time.Duration(recencyHours)*time.Hour {
		return "stale"
	}

	if a.WordCount < minWordCount {
		return "too_short"
	}

	if uniqueWordCount(a.Body) < minUniqueWords {
		return "insufficient_unique_content"
	}

	if relevanceScore(queryTokens, a.Title+" "+a.Excerpt) < minRelevance {
		return "low_relevance"
	}

	if promotionalHits(a.Body, promotionalPhrases) > maxPromoHits {
		return "promotional"
	}

	return ""
}

func uniqueWordCount(text string) int {
	seen := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		seen[tok] = struct{}{}
	}
	return len(seen)
}

func promotionalHits(text string, phrases []string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, phrase := range phrases {
		hits += strings.Count(lower, phrase)
	}
	return hits
}

// tokenizeForRelevance lowercases and tokenizes query, keeping alphanumeric
// tokens, capped at maxTokens.
func tokenizeForRelevance(query string, maxTokens int) []string {
	tokens := tokenize(query)
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}
	return tokens
}

// tokenize splits text into lowercased alphanumeric tokens.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// relevanceScore computes the fraction of queryTokens present in text.
func relevanceScore(queryTokens []string, text string) float64 {
	if len(queryTokens) == 0 {
		return 1
	}
	textTokens := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		textTokens[tok] = struct{}{}
	}
	matches := 0
	for _, tok := range queryTokens {
		if _, ok := textTokens[tok]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTokens))
}
