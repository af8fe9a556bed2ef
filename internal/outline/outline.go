// Package outline implements the Outline Generator (C7): turns a scored set
// of story clusters into a validated thesis + point-by-point outline, with
// a numbered repair-instruction retry loop on validation failure.
package outline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"briefly/internal/llmclient"
	"briefly/internal/model"
)

const maxAttempts = 3

var isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

// Generator runs C7 against a fixed LLM client.
type Generator struct {
	llm *llmclient.Client
}

// New creates a Generator.
func New(llm *llmclient.Client) *Generator {
	return &Generator{llm: llm}
}

// violation is one numbered repair-instruction rule.
type violation struct {
	n    int
	text string
}

// rawPoint is the shape the model is asked to emit per outline point, with
// a cluster alias instead of a real cluster ID.
type rawPoint struct {
	Point    string   `json:"point"`
	Summary  string   `json:"summary"`
	Supports []string `json:"supports"`
	Dates    []string `json:"dates"`
}

type rawPayload struct {
	Thesis  string     `json:"thesis"`
	Outline []rawPoint `json:"outline"`
}

// Generate produces a validated OutlinePayload for topic over clusters, up
// to maxAttempts, appending a numbered repair instruction after each
// validation failure. The third failure returns an error.
func (g *Generator) Generate(ctx context.Context, topic string, clusters []model.StoryCluster) (model.OutlinePayload, error) {
	n := len(clusters)
	requiredPoints := clampInt(n, 1, 5)
	requiredClusters := clampInt(n, 1, 4)

	aliases, byAlias, byID := aliasClusters(clusters)

	var repair string
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		prompt := buildPrompt(topic, aliases, requiredPoints, requiredClusters, repair)

		raw, _, err := llmclient.GenerateAndParse[rawPayload](ctx, g.llm, prompt, llmclient.Options{})
		if err != nil {
			lastErr = err
			repair = fmt.Sprintf("1. Your previous response could not be parsed as JSON: %v. Return valid JSON only.", err)
			continue
		}

		payload, violations := normalizeAndValidate(raw, byAlias, byID, clusters, requiredPoints, requiredClusters)
		if len(violations) == 0 {
			return payload, nil
		}

		lastErr = fmt.Errorf("outline validation failed: %d violation(s)", len(violations))
		repair = formatRepairInstruction(violations)
	}

	return model.OutlinePayload{}, fmt.Errorf("outline generation failed after %d attempts: %w", maxAttempts, lastErr)
}

func clampInt(n, lo, hi int) int {
	v := n
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

// aliasClusters assigns each cluster a short alias (C01, C02, …) in score
// order and returns lookup maps both ways.
func aliasClusters(clusters []model.StoryCluster) ([]string, map[string]model.StoryCluster, map[string]model.StoryCluster) {
	aliases := make([]string, len(clusters))
	byAlias := make(map[string]model.StoryCluster, len(clusters))
	byID := make(map[string]model.StoryCluster, len(clusters))
	for i, cl := range clusters {
		alias := fmt.Sprintf("C%02d", i+1)
		aliases[i] = alias
		byAlias[alias] = cl
		byID[cl.ClusterID] = cl
	}
	return aliases, byAlias, byID
}

func buildPrompt(topic string, aliases []string, requiredPoints, requiredClusters int, repair string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a briefing outline for topic %q.\n\n", topic)
	b.WriteString("Available story clusters (cite by alias in \"supports\"):\n")
	for _, alias := range aliases {
		fmt.Fprintf(&b, "- %s\n", alias)
	}
	fmt.Fprintf(&b, "\nReturn JSON {\"thesis\": string, \"outline\": [{\"point\": string, \"summary\": string, \"supports\": [alias...], \"dates\": [\"YYYY-MM-DD\"...]}]}.\n")
	fmt.Fprintf(&b, "Produce exactly %d outline points, covering at least %d distinct clusters, and a thesis of at least 12 characters.\n", requiredPoints, requiredClusters)
	if repair != "" {
		b.WriteString("\nYour previous attempt violated these rules:\n")
		b.WriteString(repair)
	}
	return b.String()
}

// normalizeAndValidate implements spec §4.7 steps 1-5.
func normalizeAndValidate(raw rawPayload, byAlias, byID map[string]model.StoryCluster, clusters []model.StoryCluster, requiredPoints, requiredClusters int) (model.OutlinePayload, []violation) {
	points := make([]model.OutlinePoint, 0, len(raw.Outline))
	for _, rp := range raw.Outline {
		supports := normalizeSupports(rp.Supports, byAlias, byID)
		dates := normalizeDates(rp.Dates)
		if len(dates) == 0 && len(supports) > 0 {
			if d := firstDate(supports[0], byID); d != "" {
				dates = []string{d}
			}
		}
		points = append(points, model.OutlinePoint{
			Point:    rp.Point,
			Summary:  rp.Summary,
			Supports: supports,
			Dates:    dates,
		})
	}

	points = trimOrPad(points, requiredPoints, clusters)
	points = ensureDistinctCoverage(points, requiredClusters, clusters)

	payload := model.OutlinePayload{Thesis: raw.Thesis, Outline: points}
	violations := validate(payload, byID, requiredPoints, requiredClusters)
	return payload, violations
}

// normalizeSupports replaces aliases with real cluster IDs and drops tokens
// matching neither.
func normalizeSupports(tokens []string, byAlias, byID map[string]model.StoryCluster) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if cl, ok := byAlias[tok]; ok {
			out = append(out, cl.ClusterID)
			continue
		}
		if _, ok := byID[tok]; ok {
			out = append(out, tok)
		}
	}
	return out
}

// normalizeDates strips time components and keeps only ISO-date matches.
func normalizeDates(dates []string) []string {
	var out []string
	for _, d := range dates {
		if m := isoDateRe.FindString(d); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func firstDate(clusterID string, byID map[string]model.StoryCluster) string {
	cl, ok := byID[clusterID]
	if !ok || cl.Representative.PublishedAt == nil {
		return ""
	}
	return cl.Representative.PublishedAt.Format("2006-01-02")
}

// trimOrPad keeps the first P points, or appends synthesized points from
// top-scoring unused clusters until there are P.
func trimOrPad(points []model.OutlinePoint, required int, clusters []model.StoryCluster) []model.OutlinePoint {
	if len(points) > required {
		return points[:required]
	}

	used := usedClusters(points)
	for _, cl := range clusters {
		if len(points) >= required {
			break
		}
		if used[cl.ClusterID] {
			continue
		}
		dates := []string{}
		if cl.Representative.PublishedAt != nil {
			dates = []string{cl.Representative.PublishedAt.Format("2006-01-02")}
		}
		points = append(points, model.OutlinePoint{
			Point:    cl.Representative.Title,
			Summary:  cl.Representative.Excerpt,
			Supports: []string{cl.ClusterID},
			Dates:    dates,
		})
		used[cl.ClusterID] = true
	}
	return points
}

func usedClusters(points []model.OutlinePoint) map[string]bool {
	used := make(map[string]bool)
	for _, p := range points {
		for _, id := range p.Supports {
			used[id] = true
		}
	}
	return used
}

// ensureDistinctCoverage round-robin appends unused cluster IDs into
// existing points until distinct-cluster coverage reaches required.
func ensureDistinctCoverage(points []model.OutlinePoint, required int, clusters []model.StoryCluster) []model.OutlinePoint {
	if len(points) == 0 {
		return points
	}
	used := usedClusters(points)
	if len(used) >= required {
		return points
	}

	idx := 0
	for _, cl := range clusters {
		if len(used) >= required {
			break
		}
		if used[cl.ClusterID] {
			continue
		}
		points[idx%len(points)].Supports = append(points[idx%len(points)].Supports, cl.ClusterID)
		used[cl.ClusterID] = true
		idx++
	}
	return points
}

// validate implements spec §4.7 step 5, returning the numbered rule
// violations found.
func validate(payload model.OutlinePayload, byID map[string]model.StoryCluster, requiredPoints, requiredClusters int) []violation {
	var violations []violation
	rule := 1
	add := func(format string, args ...any) {
		violations = append(violations, violation{n: rule, text: fmt.Sprintf(format, args...)})
		rule++
	}

	if len(payload.Thesis) < 12 {
		add("thesis must be at least 12 characters long")
	}
	if len(payload.Outline) != requiredPoints {
		add("outline must contain exactly %d points, got %d", requiredPoints, len(payload.Outline))
	}
	for i, p := range payload.Outline {
		if len(p.Supports) == 0 {
			add("point %d must cite at least one supporting cluster", i+1)
			continue
		}
		for _, id := range p.Supports {
			if _, ok := byID[id]; !ok {
				add("point %d cites unknown cluster id %q", i+1, id)
			}
		}
		for _, d := range p.Dates {
			if !isoDateRe.MatchString(d) {
				add("point %d has a malformed date %q", i+1, d)
			}
		}
	}
	if dc := distinctClusters(payload.Outline); dc < requiredClusters {
		add("outline must cover at least %d distinct clusters, covered %d", requiredClusters, dc)
	}

	return violations
}

func distinctClusters(points []model.OutlinePoint) int {
	seen := make(map[string]struct{})
	for _, p := range points {
		for _, id := range p.Supports {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

func formatRepairInstruction(violations []violation) string {
	var b strings.Builder
	for _, v := range violations {
		fmt.Fprintf(&b, "%d. %s\n", v.n, v.text)
	}
	return b.String()
}
