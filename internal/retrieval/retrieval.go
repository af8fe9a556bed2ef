// Package retrieval implements the Candidate Retriever (C4): fans a topic
// out to enabled search providers in parallel, unions and dedupes the
// resulting candidates by canonical URL, and tags each with its provider.
package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"briefly/internal/llmclient"
	"briefly/internal/model"
	"briefly/internal/providers"
)

// maxProviderDataChars bounds providerData per candidate (spec §4.4.4).
const maxProviderDataChars = 5000

// Config holds the retrieval-stage knobs referenced elsewhere in the spec
// as config.retrieval.*.
type Config struct {
	GlobalConcurrency  int
	PerHostConcurrency int
	MinAccepted        int
	MaxAttempts        int
	MaxCandidates      int
	SkipTopicAnalysis  bool // set true in the serverless-host deployment mode
}

// Retriever runs C4 against a fixed set of connectors.
type Retriever struct {
	connectors []providers.Connector
	llm        *llmclient.Client // optional; nil disables topic analysis
}

// New creates a Retriever over the given connectors. llm may be nil, in
// which case topic analysis is always skipped.
func New(connectors []providers.Connector, llm *llmclient.Client) *Retriever {
	return &Retriever{connectors: connectors, llm: llm}
}

// Outcome is the result of one retrieval run: the deduped candidate list
// plus per-provider metrics, keyed by provider name.
type Outcome struct {
	Candidates  []model.Candidate
	PerProvider map[string]model.ProviderMetrics
}

const topicAnalysisPrompt = `You optimize a news search topic into short, provider-specific search queries.
Given the topic below, return JSON {"queries": {"<providerName>": "<query>"}} with one concise query per provider name listed.
Providers: %s
Topic: %s`

// Retrieve runs topic analysis (unless disabled), fans out to every
// connector concurrently, canonicalizes and dedupes by URL, and returns the
// unioned candidate list with per-provider metrics. Connector failures are
// isolated into {failed: true, error} metrics records and never abort the
// stage.
func (r *Retriever) Retrieve(ctx context.Context, cfg Config, topic string, maxResultsPerProvider, sinceHours int) (Outcome, error) {
	queries := r.analyzeTopic(ctx, cfg, topic)

	type fanoutResult struct {
		name    string
		result  providers.Result
		err     error
	}

	results := make([]fanoutResult, len(r.connectors))
	var wg sync.WaitGroup
	for i, conn := range r.connectors {
		wg.Add(1)
		go func(i int, conn providers.Connector) {
			defer wg.Done()
			q := providers.Query{
				Text:       queryFor(queries, conn.Name(), topic),
				MaxResults: maxResultsPerProvider,
				SinceHours: sinceHours,
			}
			res, err := conn.Search(ctx, q)
			results[i] = fanoutResult{name: conn.Name(), result: res, err: err}
		}(i, conn)
	}
	wg.Wait()

	perProvider := make(map[string]model.ProviderMetrics, len(results))
	seen := make(map[string]struct{})
	var candidates []model.Candidate

	for _, fr := range results {
		if fr.err != nil {
			perProvider[fr.name] = model.ProviderMetrics{Failed: true, Error: fr.err.Error()}
			continue
		}
		metrics := fr.result.Metrics
		metrics.Returned = len(fr.result.Items)

		deduped := 0
		for _, cand := range fr.result.Items {
			canonical := canonicalizeURL(cand.URL)
			if _, ok := seen[canonical]; ok {
				deduped++
				continue
			}
			seen[canonical] = struct{}{}
			cand.ProviderData = shrinkProviderData(cand.ProviderData)
			candidates = append(candidates, cand)
		}
		metrics.Deduped = deduped
		metrics.Unique = len(fr.result.Items) - deduped
		perProvider[fr.name] = metrics
	}

	if cfg.MaxCandidates > 0 && len(candidates) > cfg.MaxCandidates {
		candidates = candidates[:cfg.MaxCandidates]
	}

	return Outcome{Candidates: candidates, PerProvider: perProvider}, nil
}

// analyzeTopic optionally invokes C2 to produce per-provider query strings;
// on any failure, or when skipped, it returns nil so queryFor falls back to
// the raw topic for every provider.
func (r *Retriever) analyzeTopic(ctx context.Context, cfg Config, topic string) map[string]string {
	if cfg.SkipTopicAnalysis || r.llm == nil {
		return nil
	}

	names := make([]string, 0, len(r.connectors))
	for _, c := range r.connectors {
		names = append(names, c.Name())
	}

	type payload struct {
		Queries map[string]string `json:"queries"`
	}

	prompt := fmt.Sprintf(topicAnalysisPrompt, strings.Join(names, ", "), topic)
	parsed, _, err := llmclient.GenerateAndParse[payload](ctx, r.llm, prompt, llmclient.Options{})
	if err != nil {
		return nil
	}
	return parsed.Queries
}

func queryFor(queries map[string]string, provider, topic string) string {
	if queries == nil {
		return topic
	}
	if q, ok := queries[provider]; ok && strings.TrimSpace(q) != "" {
		return q
	}
	return topic
}

// canonicalizeURL lowercases the URL and strips its fragment ("hash") and
// query string ("search") for stable dedup, per spec §4.4.3.
func canonicalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	parsed.Fragment = ""
	parsed.RawQuery = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return strings.ToLower(parsed.String())
}

// shrinkProviderData caps providerData to maxProviderDataChars on its
// body/content field only, bounding memory per spec §4.4.4.
func shrinkProviderData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	for _, key := range []string{"body", "content"} {
		if v, ok := data[key].(string); ok && len(v) > maxProviderDataChars {
			data[key] = v[:maxProviderDataChars]
		}
	}
	return data
}

