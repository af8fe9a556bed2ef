package retrieval

import (
	"context"

	"briefly/internal/clustering"
	"briefly/internal/extract"
	"briefly/internal/model"
)

// Pipeline composes the Candidate Retriever (C4), the Extractor & Filter
// Stage (C5), and the Clusterer (C6) behind a single retry loop: it keeps
// re-running retrieval+extraction until minAccepted articles have been
// accepted or maxAttempts is exhausted, then clusters whatever was
// accepted. Both the run-outline flow (C11) and targeted research's
// per-query mini-retrieval (C8) are instances of this same loop, differing
// only in their knobs.
type Pipeline struct {
	retriever *Retriever
	extractor *extract.Stage
	clusterer *clustering.Clusterer
}

// NewPipeline wires a Retriever, an extract.Stage and a clustering.Clusterer
// into one Pipeline.
func NewPipeline(retriever *Retriever, extractor *extract.Stage, clusterer *clustering.Clusterer) *Pipeline {
	return &Pipeline{retriever: retriever, extractor: extractor, clusterer: clusterer}
}

// PipelineOutcome is the result of running the full C4→C5→C6 loop once.
type PipelineOutcome struct {
	Clusters         []model.StoryCluster
	Accepted         []model.NormalizedArticle
	RetrievalMetrics map[string]model.ProviderMetrics
	ExtractMetrics   map[string]model.ProviderMetrics
	Attempts         int
}

// Run executes the attempt loop for topic. minAccepted, maxAttempts and
// cfg.MaxCandidates are the caller's tightened or default knobs; each
// attempt's retrieved candidates are capped to cfg.MaxCandidates before
// extraction. A candidate URL already tried in an earlier attempt, whether
// it was accepted, rejected or errored, is not re-extracted (deduped by
// canonical URL).
func (p *Pipeline) Run(ctx context.Context, cfg Config, topic string, sinceHours, minAccepted, maxAttempts int) (PipelineOutcome, error) {
	seen := make(map[string]struct{})
	out := PipelineOutcome{
		RetrievalMetrics: make(map[string]model.ProviderMetrics),
		ExtractMetrics:   make(map[string]model.ProviderMetrics),
	}

	for out.Attempts < maxAttempts && len(out.Accepted) < minAccepted {
		out.Attempts++

		retrieved, err := p.retriever.Retrieve(ctx, cfg, topic, cfg.MaxCandidates, sinceHours)
		if err != nil {
			return out, err
		}
		mergeMetrics(out.RetrievalMetrics, retrieved.PerProvider)

		var fresh []model.Candidate
		for _, cand := range retrieved.Candidates {
			key := canonicalizeURL(cand.URL)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fresh = append(fresh, cand)
		}
		if len(fresh) == 0 {
			continue
		}

		extracted, err := p.extractor.Run(ctx, fresh, topic, sinceHours)
		if err != nil {
			return out, err
		}
		mergeMetrics(out.ExtractMetrics, extracted.PerProvider)
		out.Accepted = append(out.Accepted, extracted.Accepted...)
	}

	out.Clusters = p.clusterer.Cluster(out.Accepted)
	return out, nil
}

func mergeMetrics(dst, src map[string]model.ProviderMetrics) {
	for provider, m := range src {
		existing := dst[provider]
		existing.Returned += m.Returned
		existing.Deduped += m.Deduped
		existing.Unique += m.Unique
		existing.Accepted += m.Accepted
		existing.Rejected += m.Rejected
		existing.Errored += m.Errored
		if m.Failed {
			existing.Failed = true
			existing.Error = m.Error
		}
		if len(m.RejectionReasons) > 0 {
			if existing.RejectionReasons == nil {
				existing.RejectionReasons = make(map[string]int)
			}
			for reason, count := range m.RejectionReasons {
				existing.RejectionReasons[reason] += count
			}
		}
		dst[provider] = existing
	}
}
