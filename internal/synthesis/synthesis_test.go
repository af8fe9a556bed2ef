package synthesis

import (
	"strings"
	"testing"
	"time"

	"briefly/internal/extract"
	"briefly/internal/model"
)

func catalogEntry(id int, title, url, source string, age time.Duration) model.SourceCatalogEntry {
	t := time.Now().Add(-age)
	return model.SourceCatalogEntry{ID: id, Title: title, URL: url, Source: source, PublishedAt: &t}
}

func TestBuildCatalogUsesProvidedCatalogAsIs(t *testing.T) {
	provided := []model.SourceCatalogEntry{catalogEntry(1, "t", "https://a.example/1", "A", time.Hour)}
	out := buildCatalog(provided, nil, nil)
	if len(out) != 1 || out[0].ID != 1 {
		t.Fatalf("expected provided catalog returned as-is, got %+v", out)
	}
}

func TestBuildCatalogUnionsEvidenceAndClustersFirstSeen(t *testing.T) {
	now := time.Now()
	evidence := []model.EvidenceItem{{
		Citations: []model.EvidenceCitation{
			{Title: "e1", URL: "https://a.example/1", Source: "A", PublishedAt: &now},
		},
	}}
	clusters := []model.StoryCluster{{
		Representative: model.NormalizedArticle{Title: "c1", CanonicalURL: "https://a.example/1", PublishedAt: &now},
		Members: []model.NormalizedArticle{
			{Title: "c1", CanonicalURL: "https://a.example/1", PublishedAt: &now},
			{Title: "c2", CanonicalURL: "https://b.example/2", PublishedAt: &now},
		},
	}}

	catalog := buildCatalog(nil, evidence, clusters)
	if len(catalog) != 2 {
		t.Fatalf("expected 2 distinct urls in catalog, got %d: %+v", len(catalog), catalog)
	}
	if catalog[0].ID != 1 || catalog[1].ID != 2 {
		t.Fatalf("expected monotonically increasing ids, got %+v", catalog)
	}
	if catalog[0].URL != "https://a.example/1" {
		t.Fatalf("expected first-seen url first, got %+v", catalog[0])
	}
}

func TestExtractArticleBodyPrefersArticleFieldOverSections(t *testing.T) {
	maps := []map[string]any{{"article": "direct body"}}
	if got := extractArticleBody(maps); got != "direct body" {
		t.Fatalf("expected direct body, got %q", got)
	}
}

func TestExtractArticleBodyConcatenatesSections(t *testing.T) {
	maps := []map[string]any{{
		"sections": []any{
			map[string]any{"text": "first"},
			map[string]any{"content": "second"},
		},
	}}
	got := extractArticleBody(maps)
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Fatalf("expected both section texts concatenated, got %q", got)
	}
}

func TestExtractSourcesChecksAlternateKeys(t *testing.T) {
	maps := []map[string]any{{
		"references": []any{
			map[string]any{"id": float64(1), "title": "t", "url": "https://a.example"},
		},
	}}
	sources := extractSources(maps)
	if len(sources) != 1 || sources[0].URL != "https://a.example" {
		t.Fatalf("expected source recovered from 'references' key, got %+v", sources)
	}
}

func TestCandidateMapsIncludesNestedRawData(t *testing.T) {
	raw := map[string]any{
		"raw": map[string]any{
			"data": map[string]any{"article": "nested body"},
		},
	}
	maps := candidateMaps(raw)
	if len(maps) != 3 {
		t.Fatalf("expected 3 candidate maps (top, raw, raw.data), got %d", len(maps))
	}
	if extractArticleBody(maps) != "nested body" {
		t.Fatalf("expected nested article body to be found")
	}
}

func TestSourcesFromInlineCitationsDerivesFromUsedIDs(t *testing.T) {
	catalog := []model.SourceCatalogEntry{
		catalogEntry(1, "a", "https://a.example", "A", time.Hour),
		catalogEntry(2, "b", "https://b.example", "B", time.Hour),
	}
	article := "Something happened [1] and also [2] and again [1]."
	sources := sourcesFromInlineCitations(article, catalog)
	if len(sources) != 2 {
		t.Fatalf("expected 2 distinct sources, got %+v", sources)
	}
}

func TestRewriteKeyDevelopmentsReplacesExistingBoldColonizedHeading(t *testing.T) {
	catalog := []model.SourceCatalogEntry{
		catalogEntry(1, "a", "https://a.example", "A", time.Hour),
		catalogEntry(2, "b", "https://b.example", "B", 2*time.Hour),
	}
	article := "Body text [1] [2].\n\n**Key developments (past 14 days):**\nstale bullets here"
	out := rewriteKeyDevelopments(article, catalog, 1, 2)
	if strings.Contains(out, "stale bullets here") {
		t.Fatal("expected stale section to be fully replaced")
	}
	if !strings.Contains(out, "[1]") || !strings.Contains(out, "[2]") {
		t.Fatalf("expected rewritten bullets to cite catalog ids, got %q", out)
	}
}

func TestRewriteKeyDevelopmentsAppendsWhenMissing(t *testing.T) {
	catalog := []model.SourceCatalogEntry{catalogEntry(1, "a", "https://a.example", "A", time.Hour)}
	out := rewriteKeyDevelopments("Body text [1].", catalog, 1, 1)
	if !strings.Contains(strings.ToLower(out), "key developments") {
		t.Fatalf("expected section appended, got %q", out)
	}
}

func TestRewriteKeyDevelopmentsSortsDescendingUndatedLast(t *testing.T) {
	recent := catalogEntry(1, "recent", "https://a.example", "A", time.Hour)
	older := catalogEntry(2, "older", "https://b.example", "B", 48*time.Hour)
	undated := model.SourceCatalogEntry{ID: 3, Title: "undated", URL: "https://c.example", Source: "C"}
	out := rewriteKeyDevelopments("Body [1] [2] [3].", []model.SourceCatalogEntry{older, undated, recent}, 1, 3)

	idxRecent := strings.Index(out, "recent")
	idxOlder := strings.Index(out, "older")
	idxUndated := strings.Index(out, "undated")
	if !(idxRecent < idxOlder && idxOlder < idxUndated) {
		t.Fatalf("expected recent, older, undated order in %q", out)
	}
}

func TestValidateArticleBodyFlagsTooFewCitations(t *testing.T) {
	catalog := []model.SourceCatalogEntry{catalogEntry(1, "a", "https://a.example", "A", time.Hour)}
	article := "Short article with [1] one citation.\n\nKey developments:\n- Undated - A - a (https://a.example) [1]"
	violations, _ := validateArticleBody(article, catalog, 1, 0, 1, 1)
	found := false
	for _, v := range violations {
		if strings.Contains(v.text, "expected at least 8") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a minCitations violation, got %+v", violations)
	}
}

func TestValidateArticleBodyWarnsOnlyForMissingParagraphCitation(t *testing.T) {
	catalog := []model.SourceCatalogEntry{catalogEntry(1, "a", "https://a.example", "A", time.Hour)}
	paragraph := "This is a long paragraph with more than eight words and no citation marker at all here."
	article := strings.Repeat("[1] ", 8) + "\n\n" + paragraph + "\n\nKey developments:\n- Undated - A - a (https://a.example) [1]"
	violations, warnings := validateArticleBody(article, catalog, 1, 0, 1, 1)
	for _, v := range violations {
		if strings.Contains(v.text, "no citation") {
			t.Fatalf("expected missing-citation check to warn, not fail: %+v", violations)
		}
	}
	if len(warnings) == 0 {
		t.Fatal("expected a warning about the uncited paragraph")
	}
}

func TestValidateArticleBodyRejectsCitationNotInCatalog(t *testing.T) {
	catalog := []model.SourceCatalogEntry{catalogEntry(1, "a", "https://a.example", "A", time.Hour)}
	article := strings.Repeat("[1] ", 7) + "[99]\n\nKey developments:\n- Undated - A - a (https://a.example) [1]"
	violations, _ := validateArticleBody(article, catalog, 1, 0, 1, 1)
	found := false
	for _, v := range violations {
		if strings.Contains(v.text, "does not map") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a catalog-mapping violation, got %+v", violations)
	}
}

func TestFindPromotionalSentenceMatchesSharedPhraseList(t *testing.T) {
	article := "Regular sentence. Buy now while supplies last. Another sentence."
	got := findPromotionalSentence(article, extract.DefaultPromotionalPhrases)
	if !strings.Contains(strings.ToLower(got), "buy now") {
		t.Fatalf("expected promotional sentence match, got %q", got)
	}
}

func TestComputeNoveltyScoreIsOneWithNoPreviousArticle(t *testing.T) {
	if got := computeNoveltyScore("", "anything here"); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestComputeNoveltyScoreIsZeroForIdenticalText(t *testing.T) {
	text := "regulation policy announcement today"
	if got := computeNoveltyScore(text, text); got != 0 {
		t.Fatalf("expected 0 for identical text, got %v", got)
	}
}

func TestComputeNoveltyScoreRoundsToThreeDecimals(t *testing.T) {
	got := computeNoveltyScore("alpha bravo charlie delta", "alpha bravo zulu yankee")
	if got < 0 || got > 1 {
		t.Fatalf("expected score in [0,1], got %v", got)
	}
	if got := computeNoveltyScore("alpha", "alpha bravo charlie"); got != 0.667 {
		t.Fatalf("expected 1-1/3 rounded to 0.667, got %v", got)
	}
}

func TestWordCountWarningsFlagsOutOfRange(t *testing.T) {
	if w := wordCountWarnings(100); len(w) == 0 {
		t.Fatal("expected a warning for a too-short article")
	}
	if w := wordCountWarnings(500); len(w) != 0 {
		t.Fatalf("expected no warning within range, got %v", w)
	}
}
