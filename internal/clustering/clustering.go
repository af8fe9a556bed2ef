// Package clustering implements the Clusterer (C6): groups accepted
// articles into story clusters by title+excerpt token similarity, picks a
// representative per cluster, and scores clusters for ranking.
package clustering

import (
	"sort"
	"strings"
	"time"

	"briefly/internal/model"
	"briefly/internal/runctx"
)

// Config holds the Clusterer's two thresholds from config.clustering.*.
type Config struct {
	ClusterThreshold float64 // similarity at/above which a seed's representative may be replaced
	AttachThreshold  float64 // similarity at/above which an article attaches as a member
}

// DefaultConfig mirrors the conservative threshold values used elsewhere in
// the pipeline for similarity-gated stages.
var DefaultConfig = Config{ClusterThreshold: 0.35, AttachThreshold: 0.2}

// Clusterer groups NormalizedArticles into StoryClusters.
type Clusterer struct {
	cfg Config
}

// New creates a Clusterer with the given thresholds.
func New(cfg Config) *Clusterer {
	return &Clusterer{cfg: cfg}
}

type seed struct {
	cluster *model.StoryCluster
	tokens  map[string]struct{}
}

// Cluster groups articles using Jaccard similarity over case-folded
// alphanumeric tokens (length > 3) drawn from each article's title+excerpt.
// Articles scoring at or above AttachThreshold against their best-matching
// existing seed attach to it as a member; attaching at or above
// ClusterThreshold additionally considers the article for representative.
// Articles below AttachThreshold against every seed start a new one.
// Cluster IDs are short random strings, stable for the run. Clusters are
// returned sorted by descending score.
func (c *Clusterer) Cluster(articles []model.NormalizedArticle) []model.StoryCluster {
	var seeds []*seed

	for _, article := range articles {
		tokens := clusterTokens(article.Title + " " + article.Excerpt)

		best := -1
		bestScore := 0.0
		for i, s := range seeds {
			sim := jaccard(tokens, s.tokens)
			if sim > bestScore {
				bestScore = sim
				best = i
			}
		}

		if best >= 0 && bestScore >= c.cfg.AttachThreshold {
			s := seeds[best]
			s.cluster.Members = append(s.cluster.Members, article)
			s.tokens = unionTokens(s.tokens, tokens)
			if bestScore >= c.cfg.ClusterThreshold && representativeScore(article) > representativeScore(s.cluster.Representative) {
				s.cluster.Representative = article
			}
			continue
		}

		seeds = append(seeds, &seed{
			cluster: &model.StoryCluster{
				ClusterID:      runctx.NewID(),
				Representative: article,
				Members:        []model.NormalizedArticle{article},
			},
			tokens: tokens,
		})
	}

	clusters := make([]model.StoryCluster, 0, len(seeds))
	for _, s := range seeds {
		cl := *s.cluster
		cl.Citations = citationsFor(cl.Members)
		cl.Score = clusterScore(cl)
		clusters = append(clusters, cl)
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Score > clusters[j].Score })
	return clusters
}

// clusterTokens extracts case-folded alphanumeric tokens longer than 3
// characters.
func clusterTokens(text string) map[string]struct{} {
	lower := strings.ToLower(text)
	tokens := make(map[string]struct{})
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 3 {
			tokens[cur.String()] = struct{}{}
		}
		cur.Reset()
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

func unionTokens(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// representativeScore favors fresher, longer articles when a cluster's seed
// is up for replacement.
func representativeScore(a model.NormalizedArticle) float64 {
	return freshnessScore(a.PublishedAt) + depthScore(a.WordCount)
}

func freshnessScore(publishedAt *time.Time) float64 {
	if publishedAt == nil {
		return 0.3
	}
	age := time.Since(*publishedAt)
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.8
	case age <= 30*24*time.Hour:
		return 0.5
	default:
		return 0.2
	}
}

func depthScore(wordCount int) float64 {
	switch {
	case wordCount >= 800:
		return 0.3
	case wordCount >= 400:
		return 0.2
	default:
		return 0.1
	}
}

// clusterScore is monotone in cluster size and source diversity, weighted by
// the representative's freshness.
func clusterScore(cl model.StoryCluster) float64 {
	sizeFactor := 1.0 + 0.1*float64(len(cl.Members)-1)
	diversityFactor := 1.0 + 0.05*float64(sourceDiversity(cl.Members)-1)
	return freshnessScore(cl.Representative.PublishedAt) * sizeFactor * diversityFactor
}

func sourceDiversity(members []model.NormalizedArticle) int {
	hosts := make(map[string]struct{})
	for _, m := range members {
		hosts[m.SourceHost] = struct{}{}
	}
	return len(hosts)
}

func citationsFor(members []model.NormalizedArticle) []model.CitationRef {
	refs := make([]model.CitationRef, 0, len(members))
	for _, m := range members {
		refs = append(refs, model.CitationRef{Title: m.Title, URL: m.CanonicalURL, PublishedAt: m.PublishedAt})
	}
	return refs
}
