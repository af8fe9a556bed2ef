// Package research implements the Targeted Researcher (C8): for each
// outline point, expands a search query, runs a tightened mini-retrieval,
// merges the resulting clusters, and formats an evidence digest.
package research

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"briefly/internal/concurrency"
	"briefly/internal/llmclient"
	"briefly/internal/model"
	"briefly/internal/retrieval"
)

const (
	rewriteCacheCapacity = 32
	maxMergedQueries     = 2
	maxMergedClusters    = 8
	maxCitations         = 5
	miniMaxCandidates    = 36
)

// Config holds the knobs C8 tightens relative to the main retrieval run.
type Config struct {
	GlobalConcurrency int
	MinAccepted       int
	MaxAttempts       int
	SinceHours        int
}

// Researcher runs C8 against a shared LLM client and mini-retrieval
// pipeline.
type Researcher struct {
	llm      *llmclient.Client
	pipeline *retrieval.Pipeline
	cache    *rewriteCache
	inflight *inflightGroup
}

// New creates a Researcher. llm may be nil, in which case query expansion
// always falls back to the baseline query.
func New(llm *llmclient.Client, pipeline *retrieval.Pipeline) *Researcher {
	return &Researcher{
		llm:      llm,
		pipeline: pipeline,
		cache:    newRewriteCache(rewriteCacheCapacity),
		inflight: newInflightGroup(),
	}
}

// Research runs C8 over every outline point concurrently, with parallelism
// min(2, cfg.GlobalConcurrency).
func (r *Researcher) Research(ctx context.Context, topic string, outline []model.OutlinePoint, cfg Config) ([]model.EvidenceItem, error) {
	parallelism := cfg.GlobalConcurrency
	if parallelism > 2 {
		parallelism = 2
	}
	if parallelism < 1 {
		parallelism = 1
	}

	minAccepted := cfg.MinAccepted
	if minAccepted > 6 {
		minAccepted = 6
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts > 18 {
		maxAttempts = 18
	}

	task := func(ctx context.Context, i int) (any, error) {
		point := outline[i]
		return r.researchPoint(ctx, topic, point, i, minAccepted, maxAttempts, cfg.SinceHours), nil
	}

	raw, err := concurrency.Pool(ctx, len(outline), parallelism, task)
	if err != nil {
		return nil, err
	}

	items := make([]model.EvidenceItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, r.(model.EvidenceItem))
	}
	return items, nil
}

// ResearchPoint runs C8 for a single outline point, identified by its
// caller-supplied outlineIndex, bypassing the Research method's
// all-points Pool. Used by the targeted-research-stream endpoint, which
// researches exactly one point per request.
func (r *Researcher) ResearchPoint(ctx context.Context, topic string, point model.OutlinePoint, outlineIndex int, cfg Config) model.EvidenceItem {
	minAccepted := cfg.MinAccepted
	if minAccepted > 6 {
		minAccepted = 6
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts > 18 {
		maxAttempts = 18
	}
	return r.researchPoint(ctx, topic, point, outlineIndex, minAccepted, maxAttempts, cfg.SinceHours)
}

func (r *Researcher) researchPoint(ctx context.Context, topic string, point model.OutlinePoint, index, minAccepted, maxAttempts, sinceHours int) model.EvidenceItem {
	baseline := strings.TrimSpace(topic + " " + point.Point)
	expansion := r.expandQuery(ctx, baseline)
	queries := mergeQueries(baseline, expansion)

	var allClusters []model.StoryCluster
	seen := make(map[string]struct{})
	for _, q := range queries {
		cfg := retrieval.Config{SkipTopicAnalysis: true, MaxCandidates: miniMaxCandidates}
		out, err := r.pipeline.Run(ctx, cfg, q, sinceHours, minAccepted, maxAttempts)
		if err != nil {
			continue
		}
		for _, cl := range out.Clusters {
			if _, ok := seen[cl.ClusterID]; ok {
				continue
			}
			seen[cl.ClusterID] = struct{}{}
			allClusters = append(allClusters, cl)
		}
	}

	sort.Slice(allClusters, func(i, j int) bool { return allClusters[i].Score > allClusters[j].Score })
	if len(allClusters) > maxMergedClusters {
		allClusters = allClusters[:maxMergedClusters]
	}

	digest, citations := formatEvidenceDigest(allClusters)
	return model.EvidenceItem{OutlineIndex: index, Point: point.Point, Digest: digest, Citations: citations}
}

const queryExpansionPrompt = `Suggest one alternative, more specific web search query for the following research query. Return only the query text, nothing else.

Query: %s`

// expandQuery calls C2 with a query-expansion prompt (3 attempts via
// GenerateWithRetry; empty or failing results fall back to baseline).
// Concurrent requests for the same baseline collapse into a single call,
// and results are memoized in a capacity-32 LRU-by-insertion cache.
func (r *Researcher) expandQuery(ctx context.Context, baseline string) string {
	if r.llm == nil {
		return ""
	}
	if cached, ok := r.cache.get(baseline); ok {
		return cached
	}

	result := r.inflight.do(baseline, func() string {
		prompt := fmt.Sprintf(queryExpansionPrompt, baseline)
		text, err := r.llm.GenerateWithRetry(ctx, prompt, llmclient.Options{})
		if err != nil {
			return ""
		}
		return strings.TrimSpace(text)
	})

	r.cache.put(baseline, result)
	return result
}

// mergeQueries unions baseline and expansion, order-preserving, capped at
// maxMergedQueries, skipping an expansion that duplicates or is empty.
func mergeQueries(baseline, expansion string) []string {
	queries := []string{baseline}
	if expansion != "" && !strings.EqualFold(expansion, baseline) {
		queries = append(queries, expansion)
	}
	if len(queries) > maxMergedQueries {
		queries = queries[:maxMergedQueries]
	}
	return queries
}

// formatEvidenceDigest builds at most maxCitations citation lines of shape
// "[n] YYYY-MM-DD - SourceName: Title. Key points: excerpt", with a
// parallel citation array assigning IDs 1..n.
func formatEvidenceDigest(clusters []model.StoryCluster) (string, []model.EvidenceCitation) {
	n := len(clusters)
	if n > maxCitations {
		n = maxCitations
	}

	var lines []string
	citations := make([]model.EvidenceCitation, 0, n)
	for i := 0; i < n; i++ {
		rep := clusters[i].Representative
		id := i + 1
		date := "Undated"
		if rep.PublishedAt != nil {
			date = rep.PublishedAt.Format("2006-01-02")
		}
		source := rep.SourceName
		if source == "" {
			source = rep.SourceHost
		}
		lines = append(lines, fmt.Sprintf("[%d] %s - %s: %s. Key points: %s", id, date, source, rep.Title, rep.Excerpt))
		citations = append(citations, model.EvidenceCitation{
			ID:          id,
			Title:       rep.Title,
			URL:         rep.CanonicalURL,
			PublishedAt: rep.PublishedAt,
			Source:      source,
		})
	}

	return strings.Join(lines, "\n"), citations
}

// BuildEvidenceFromClusters implements the serverless-host replacement for
// Research: it formats the same digest shape from the global top-5
// clusters by score and applies it identically to every outline point, so
// article synthesis still receives structured evidence without extra
// subrequests.
func BuildEvidenceFromClusters(outline []model.OutlinePoint, clusters []model.StoryCluster) []model.EvidenceItem {
	sorted := make([]model.StoryCluster, len(clusters))
	copy(sorted, clusters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	digest, citations := formatEvidenceDigest(sorted)

	items := make([]model.EvidenceItem, len(outline))
	for i, point := range outline {
		items[i] = model.EvidenceItem{OutlineIndex: i, Point: point.Point, Digest: digest, Citations: citations}
	}
	return items
}
