// Package synthesis implements the Article Synthesizer (C9): builds the
// SourceCatalog, calls C2 for a draft article, mechanically rewrites its
// "Key developments" section from the catalog, validates the result, and
// loops up to 3 times with a numbered repair instruction on fatal errors.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"briefly/internal/extract"
	"briefly/internal/llmclient"
	"briefly/internal/model"
)

const (
	maxAttempts  = 3
	minCitations = 8
)

var (
	citationRe     = regexp.MustCompile(`\[(\d+)\]`)
	isoDateRe      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	keyDevHeading  = regexp.MustCompile(`(?im)^[#\s*]*key developments\b.*$`)
)

// Generator runs C9 against a fixed LLM client.
type Generator struct {
	llm                *llmclient.Client
	promotionalPhrases []string
}

// New creates a Generator. promotionalPhrases is the same configured list
// the Extractor & Filter stage checks candidates against (config.Extract.
// PromotionalPhrases); an empty list falls back to
// extract.DefaultPromotionalPhrases so the two stages' guards agree even
// when a caller omits it.
func New(llm *llmclient.Client, promotionalPhrases []string) *Generator {
	if len(promotionalPhrases) == 0 {
		promotionalPhrases = extract.DefaultPromotionalPhrases
	}
	return &Generator{llm: llm, promotionalPhrases: promotionalPhrases}
}

// violation is one numbered repair-instruction rule.
type violation struct {
	n    int
	text string
}

// rawPayload is the model's response decoded into a generic map so every
// drifted shape the model might return can be coerced by candidateMaps.
type rawPayload = map[string]any

// Generate produces a validated ArticleResult for topic from outline,
// clusters, per-point evidence, an optional previous article (for novelty
// scoring) and an optional pre-built source catalog (serverless-host mode
// supplies one; otherwise it is built by unioning evidence and cluster
// URLs in first-seen order).
func (g *Generator) Generate(ctx context.Context, topic string, outline model.OutlinePayload, clusters []model.StoryCluster, evidence []model.EvidenceItem, previousArticle string, providedCatalog []model.SourceCatalogEntry) (model.ArticleResult, error) {
	catalog := buildCatalog(providedCatalog, evidence, clusters)
	availableDates := collectDates(catalog)

	narrativeDateTarget := len(availableDates)
	if narrativeDateTarget > 3 {
		narrativeDateTarget = 3
	}
	distinctSourceTarget := clampInt(len(catalog), 1, 6)
	keyDevMin := clampInt(len(catalog), 1, 5)
	keyDevMax := clampInt(len(catalog), keyDevMin, 7)

	evidenceDigest := joinEvidenceDigests(evidence)

	var repair string
	var lastErr error
	var lastRaw string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		prompt := buildPrompt(topic, outline, evidenceDigest, catalog, availableDates, previousArticle, distinctSourceTarget, narrativeDateTarget, keyDevMin, keyDevMax, repair)

		raw, rawText, err := llmclient.GenerateAndParse[rawPayload](ctx, g.llm, prompt, llmclient.Options{
			FallbackToText: true,
			TextFallback: func(text string) (any, error) {
				return rawPayload{"article": text}, nil
			},
		})
		lastRaw = rawText
		if err != nil {
			lastErr = err
			repair = fmt.Sprintf("1. Your previous response could not be read: %v. Return valid JSON only.", err)
			continue
		}

		maps := candidateMaps(raw)
		title := extractTitle(maps)
		article := extractArticleBody(maps)
		coerced := extractSources(maps)
		if len(coerced) == 0 {
			coerced = sourcesFromInlineCitations(article, catalog)
		}
		if len(coerced) == 0 {
			coerced = sourcesFromCatalogPrefix(catalog, 10)
		}

		article = rewriteKeyDevelopments(article, catalog, keyDevMin, keyDevMax)

		violations, warnings := validateArticleBody(article, catalog, distinctSourceTarget, narrativeDateTarget, keyDevMin, keyDevMax)
		if promo := findPromotionalSentence(article, g.promotionalPhrases); promo != "" {
			violations = append(violations, violation{n: len(violations) + 1, text: fmt.Sprintf("sentence matches a promotional phrase: %q", promo)})
		}

		if len(violations) > 0 {
			lastErr = fmt.Errorf("article validation failed: %d violation(s)", len(violations))
			repair = formatRepairInstruction(violations)
			continue
		}

		sources := repairSources(article, coerced, catalog)
		wordCount := countWords(article)
		warnings = append(warnings, wordCountWarnings(wordCount)...)

		return model.ArticleResult{
			Title:         title,
			Article:       article,
			Sources:       sources,
			WordCount:     wordCount,
			RawResponse:   lastRaw,
			Attempts:      attempt,
			NoveltyScore:  computeNoveltyScore(previousArticle, article),
			SourceCatalog: catalog,
			Warnings:      warnings,
		}, nil
	}

	return model.ArticleResult{}, fmt.Errorf("article synthesis failed after %d attempts: %w", maxAttempts, lastErr)
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

// buildCatalog unions evidence citations and cluster article URLs in
// first-seen order, assigning monotonically increasing IDs starting at 1.
// A non-empty providedCatalog (serverless-host mode) is used as-is.
func buildCatalog(provided []model.SourceCatalogEntry, evidence []model.EvidenceItem, clusters []model.StoryCluster) []model.SourceCatalogEntry {
	if len(provided) > 0 {
		out := make([]model.SourceCatalogEntry, len(provided))
		copy(out, provided)
		return out
	}

	var catalog []model.SourceCatalogEntry
	seen := make(map[string]struct{})
	add := func(title, url, source string, publishedAt *time.Time) {
		if url == "" {
			return
		}
		key := strings.ToLower(url)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		catalog = append(catalog, model.SourceCatalogEntry{
			ID: len(catalog) + 1, Title: title, URL: url, Source: source, PublishedAt: publishedAt,
		})
	}

	for _, item := range evidence {
		for _, c := range item.Citations {
			add(c.Title, c.URL, c.Source, c.PublishedAt)
		}
	}
	for _, cl := range clusters {
		add(cl.Representative.Title, cl.Representative.CanonicalURL, sourceOf(cl.Representative), cl.Representative.PublishedAt)
		for _, m := range cl.Members {
			add(m.Title, m.CanonicalURL, sourceOf(m), m.PublishedAt)
		}
	}
	return catalog
}

func sourceOf(a model.NormalizedArticle) string {
	if a.SourceName != "" {
		return a.SourceName
	}
	return a.SourceHost
}

// collectDates returns the distinct YYYY-MM-DD dates present in catalog.
func collectDates(catalog []model.SourceCatalogEntry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range catalog {
		if e.PublishedAt == nil {
			continue
		}
		d := e.PublishedAt.Format("2006-01-02")
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func joinEvidenceDigests(evidence []model.EvidenceItem) string {
	var b strings.Builder
	for _, item := range evidence {
		fmt.Fprintf(&b, "Point: %s\n%s\n\n", item.Point, item.Digest)
	}
	return strings.TrimSpace(b.String())
}

func buildPrompt(topic string, outline model.OutlinePayload, evidenceDigest string, catalog []model.SourceCatalogEntry, availableDates []string, previousArticle string, distinctSourceTarget, narrativeDateTarget, keyDevMin, keyDevMax int, repair string) string {
	outlineJSON, _ := json.Marshal(outline)
	catalogJSON, _ := json.Marshal(catalog)
	datesJSON, _ := json.Marshal(availableDates)

	var b strings.Builder
	fmt.Fprintf(&b, "Write the briefing article for topic %q.\n\n", topic)
	fmt.Fprintf(&b, "Outline:\n%s\n\n", outlineJSON)
	fmt.Fprintf(&b, "Evidence digest:\n%s\n\n", evidenceDigest)
	fmt.Fprintf(&b, "Source catalog (cite inline as [id]):\n%s\n\n", catalogJSON)
	fmt.Fprintf(&b, "Available narrative dates:\n%s\n\n", datesJSON)
	if strings.TrimSpace(previousArticle) != "" {
		fmt.Fprintf(&b, "Previous article (for novelty, do not repeat verbatim):\n%s\n\n", previousArticle)
	}
	fmt.Fprintf(&b, "Cite at least %d inline [id] references, across at least %d distinct catalog ids, ", minCitations, distinctSourceTarget)
	fmt.Fprintf(&b, "mention at least %d of the available narrative dates, and end with a \"Key developments\" section of %d-%d bullets.\n", narrativeDateTarget, keyDevMin, keyDevMax)
	fmt.Fprintf(&b, "Return JSON {\"title\": string, \"article\": string, \"sources\": [{\"id\": number, \"title\": string, \"url\": string}...]}.\n")
	if repair != "" {
		b.WriteString("\nYour previous attempt violated these rules:\n")
		b.WriteString(repair)
	}
	return b.String()
}

// candidateMaps returns raw plus any nested {raw: {...}} / {raw: {data:
// {...}}} wrapper maps, so coercion can look at every plausible shape the
// model might have returned.
func candidateMaps(raw map[string]any) []map[string]any {
	out := []map[string]any{raw}
	if nested, ok := raw["raw"].(map[string]any); ok {
		out = append(out, nested)
		if data, ok := nested["data"].(map[string]any); ok {
			out = append(out, data)
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func extractTitle(maps []map[string]any) string {
	for _, m := range maps {
		if s := firstString(m, "title", "headline"); s != "" {
			return s
		}
	}
	return ""
}

func extractArticleBody(maps []map[string]any) string {
	for _, m := range maps {
		if s := firstString(m, "article", "body", "content", "text", "markdown"); s != "" {
			return s
		}
		if sections, ok := m["sections"].([]any); ok {
			var b strings.Builder
			for _, raw := range sections {
				sec, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if t := firstString(sec, "text", "content", "body"); t != "" {
					b.WriteString(t)
					b.WriteString("\n\n")
				}
			}
			if b.Len() > 0 {
				return strings.TrimSpace(b.String())
			}
		}
	}
	return ""
}

var sourceKeys = []string{"sources", "citations", "references", "refs", "sourceList", "source_list"}

func extractSources(maps []map[string]any) []model.ArticleSource {
	for _, m := range maps {
		for _, key := range sourceKeys {
			list, ok := m[key].([]any)
			if !ok {
				continue
			}
			var out []model.ArticleSource
			for _, raw := range list {
				entry, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				url := firstString(entry, "url", "URL", "link")
				if url == "" {
					continue
				}
				id := 0
				if idVal, ok := entry["id"].(float64); ok {
					id = int(idVal)
				}
				out = append(out, model.ArticleSource{ID: id, Title: firstString(entry, "title", "Title"), URL: url})
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// usedCitationIDs returns the set of distinct [n] ids referenced in text.
func usedCitationIDs(text string) map[int]struct{} {
	ids := make(map[int]struct{})
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		var n int
		if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil {
			ids[n] = struct{}{}
		}
	}
	return ids
}

func catalogByID(catalog []model.SourceCatalogEntry) map[int]model.SourceCatalogEntry {
	byID := make(map[int]model.SourceCatalogEntry, len(catalog))
	for _, e := range catalog {
		byID[e.ID] = e
	}
	return byID
}

func sourcesFromInlineCitations(article string, catalog []model.SourceCatalogEntry) []model.ArticleSource {
	byID := catalogByID(catalog)
	used := usedCitationIDs(article)
	ids := make([]int, 0, len(used))
	for id := range used {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []model.ArticleSource
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, model.ArticleSource{ID: e.ID, Title: e.Title, URL: e.URL})
		}
	}
	return out
}

func sourcesFromCatalogPrefix(catalog []model.SourceCatalogEntry, n int) []model.ArticleSource {
	if n > len(catalog) {
		n = len(catalog)
	}
	out := make([]model.ArticleSource, 0, n)
	for i := 0; i < n; i++ {
		e := catalog[i]
		out = append(out, model.ArticleSource{ID: e.ID, Title: e.Title, URL: e.URL})
	}
	return out
}

// repairSources is the final, authoritative source list: the catalog
// entries for every citation id actually used in article. The model's own
// "sources" field is never trusted once the article text is final, mirroring
// the Key-developments rewrite authority.
func repairSources(article string, coerced []model.ArticleSource, catalog []model.SourceCatalogEntry) []model.ArticleSource {
	repaired := sourcesFromInlineCitations(article, catalog)
	if len(repaired) > 0 {
		return repaired
	}
	return coerced
}

// rewriteKeyDevelopments replaces (or appends) the article's "Key
// developments" section with one built mechanically from catalog: sorted by
// publishedAt descending, undated entries last and stable, capped at
// keyDevMax bullets.
func rewriteKeyDevelopments(article string, catalog []model.SourceCatalogEntry, keyDevMin, keyDevMax int) string {
	sorted := make([]model.SourceCatalogEntry, len(catalog))
	copy(sorted, catalog)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].PublishedAt, sorted[j].PublishedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})

	n := keyDevMax
	if n > len(sorted) {
		n = len(sorted)
	}
	section := formatKeyDevelopments(sorted, n)

	if loc := keyDevHeading.FindStringIndex(article); loc != nil {
		return strings.TrimRight(article[:loc[0]], "\n") + "\n\n" + section + "\n"
	}
	return strings.TrimRight(article, "\n") + "\n\n" + section + "\n"
}

func formatKeyDevelopments(catalog []model.SourceCatalogEntry, n int) string {
	var b strings.Builder
	b.WriteString("Key developments:\n")
	for i := 0; i < n; i++ {
		e := catalog[i]
		date := "Undated"
		if e.PublishedAt != nil {
			date = e.PublishedAt.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "- %s - %s - %s (%s) [%d]\n", date, e.Source, e.Title, e.URL, e.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// validateArticleBody implements spec §4.9 step 5. Fatal rule violations are
// returned as numbered violations; the per-paragraph-citation and
// narrative-date checks are warn-only per the spec's authoritative variant.
func validateArticleBody(article string, catalog []model.SourceCatalogEntry, distinctSourceTarget, narrativeDateTarget, keyDevMin, keyDevMax int) ([]violation, []string) {
	var violations []violation
	var warnings []string
	rule := 1
	add := func(format string, args ...any) {
		violations = append(violations, violation{n: rule, text: fmt.Sprintf(format, args...)})
		rule++
	}
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	citationCount := len(citationRe.FindAllString(article, -1))
	if citationCount < minCitations {
		add("Article contains %d citations; expected at least %d", citationCount, minCitations)
	}

	usedIDs := usedCitationIDs(article)
	if len(usedIDs) < distinctSourceTarget {
		add("article cites %d distinct sources; expected at least %d", len(usedIDs), distinctSourceTarget)
	}

	byID := catalogByID(catalog)
	for id := range usedIDs {
		if _, ok := byID[id]; !ok {
			add("citation [%d] does not map to any source catalog entry", id)
		}
	}

	if narrativeDates := len(dedupISODates(article)); narrativeDates < narrativeDateTarget {
		warn("article references %d narrative dates; expected at least %d", narrativeDates, narrativeDateTarget)
	}

	if loc := keyDevHeading.FindStringIndex(article); loc == nil {
		add("article is missing a \"Key developments\" section")
	} else if bullets := countBullets(article[loc[0]:]); bullets < keyDevMin || bullets > keyDevMax {
		add("Key developments section has %d bullets; expected between %d and %d", bullets, keyDevMin, keyDevMax)
	}

	for _, para := range nonTrivialParagraphs(article) {
		if !citationRe.MatchString(para) {
			warn("paragraph has no citation: %q", truncate(para, 80))
		}
	}

	return violations, warnings
}

func dedupISODates(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range isoDateRe.FindAllString(text, -1) {
		out[m] = struct{}{}
	}
	return out
}

func countBullets(section string) int {
	lines := strings.Split(section, "\n")
	count := 0
	for i, line := range lines {
		if i == 0 {
			continue // heading line itself
		}
		if strings.HasPrefix(strings.TrimSpace(line), "-") {
			count++
		}
	}
	return count
}

// nonTrivialParagraphs returns paragraphs (blank-line separated) with at
// least 8 words.
func nonTrivialParagraphs(article string) []string {
	var out []string
	for _, para := range strings.Split(article, "\n\n") {
		trimmed := strings.TrimSpace(para)
		if len(strings.Fields(trimmed)) >= 8 {
			out = append(out, trimmed)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// findPromotionalSentence returns the first sentence matching phrases, or
// "" if none match.
func findPromotionalSentence(article string, phrases []string) string {
	for _, sentence := range splitSentences(article) {
		lower := strings.ToLower(sentence)
		for _, phrase := range phrases {
			if strings.Contains(lower, phrase) {
				return strings.TrimSpace(sentence)
			}
		}
	}
	return ""
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '\n' || r == '!' || r == '?'
	})
}

// computeNoveltyScore is a pure function over two article strings: 1 when
// there is no previous article, else 1 minus the share of the current
// article's lowercased, alphanumeric, length>3 token set that also occurs
// in the previous article's, rounded to 3 decimals.
func computeNoveltyScore(previous, current string) float64 {
	if strings.TrimSpace(previous) == "" {
		return 1
	}
	currTokens := tokenSet(current)
	if len(currTokens) == 0 {
		return 1
	}
	prevTokens := tokenSet(previous)

	intersection := 0
	for tok := range currTokens {
		if _, ok := prevTokens[tok]; ok {
			intersection++
		}
	}

	score := 1 - float64(intersection)/float64(len(currTokens))
	return math.Round(score*1000) / 1000
}

func tokenSet(text string) map[string]struct{} {
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

func countWords(text string) int {
	return len(strings.Fields(text))
}

// wordCountWarnings records a non-fatal warning when wordCount falls outside
// [350, 900]. Word-count drift never fails the run (spec's authoritative,
// warn-only policy — an earlier hard [400,600] variant is superseded).
func wordCountWarnings(wordCount int) []string {
	if wordCount < 350 || wordCount > 900 {
		return []string{fmt.Sprintf("word count %d is outside the expected range [350, 900]", wordCount)}
	}
	return nil
}

func formatRepairInstruction(violations []violation) string {
	var b strings.Builder
	for _, v := range violations {
		fmt.Fprintf(&b, "%d. %s\n", v.n, v.text)
	}
	return b.String()
}
