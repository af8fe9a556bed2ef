package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"briefly/internal/model"
)

func TestNewFallsBackToDefaultPromotionalPhrasesWhenNoneConfigured(t *testing.T) {
	s := New(4, 4, nil, nil)
	if len(s.promotionalPhrases) != len(DefaultPromotionalPhrases) {
		t.Fatalf("expected default promotional phrases, got %v", s.promotionalPhrases)
	}
}

func TestNewUsesConfiguredPromotionalPhrasesOverDefault(t *testing.T) {
	s := New(4, 4, nil, []string{"only this phrase"})
	if len(s.promotionalPhrases) != 1 || s.promotionalPhrases[0] != "only this phrase" {
		t.Fatalf("expected configured phrase list to override default, got %v", s.promotionalPhrases)
	}
}

func TestMatchesAnyBannedHostIsCaseInsensitiveSubstring(t *testing.T) {
	if !matchesAny("news.example.com", []string{"EXAMPLE.com"}) {
		t.Fatal("expected case-insensitive substring match against banned host pattern")
	}
	if matchesAny("news.other.com", []string{"example.com"}) {
		t.Fatal("expected no match for unrelated host")
	}
}

func TestTokenizeForRelevanceCapsLength(t *testing.T) {
	query := "one two three four five"
	tokens := tokenizeForRelevance(query, 3)
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d: %v", len(tokens), tokens)
	}
}

func TestRelevanceScoreFullOverlap(t *testing.T) {
	score := relevanceScore([]string{"ai", "regulation"}, "New AI Regulation Proposed")
	if score != 1.0 {
		t.Fatalf("expected full overlap score of 1.0, got %v", score)
	}
}

func TestEvaluateArticleRejectsShortBody(t *testing.T) {
	now := time.Now()
	a := &model.NormalizedArticle{
		Title:       "short",
		Excerpt:     "short",
		Body:        "too short to pass the minimum word count filter",
		WordCount:   8,
		PublishedAt: &now,
	}
	reason := evaluateArticle(a, "newsapi", []string{"ai"}, 168, DefaultPromotionalPhrases)
	if reason != "too_short" {
		t.Fatalf("expected too_short, got %q", reason)
	}
}

func TestEvaluateArticleMissingDateRejectedForNonGoogle(t *testing.T) {
	a := &model.NormalizedArticle{Title: "x", Body: bigBody(), WordCount: 200}
	reason := evaluateArticle(a, "newsapi", []string{"ai"}, 168, DefaultPromotionalPhrases)
	if reason != "missing_published_at" {
		t.Fatalf("expected missing_published_at, got %q", reason)
	}
}

func TestEvaluateArticleMissingDateAcceptedForGoogle(t *testing.T) {
	a := &model.NormalizedArticle{Title: "ai news", Excerpt: "ai policy", Body: bigBody(), WordCount: 200}
	reason := evaluateArticle(a, "google", []string{"ai"}, 168, DefaultPromotionalPhrases)
	if reason != "" {
		t.Fatalf("expected google-exempt acceptance, got reason %q", reason)
	}
}

func TestEvaluateArticleRejectsLowRelevance(t *testing.T) {
	now := time.Now()
	a := &model.NormalizedArticle{
		Title:       "unrelated",
		Excerpt:     "completely unrelated content about gardening",
		Body:        bigBody(),
		WordCount:   200,
		PublishedAt: &now,
	}
	reason := evaluateArticle(a, "newsapi", []string{"quantum", "computing"}, 168, DefaultPromotionalPhrases)
	if reason != "low_relevance" {
		t.Fatalf("expected low_relevance, got %q", reason)
	}
}

func bigBody() string {
	var b []byte
	for i := 0; i < 200; i++ {
		b = append(b, []byte(fmt.Sprintf("word%d ", i))...)
	}
	return string(b)
}

func TestHostOfStripsWWW(t *testing.T) {
	if got := hostOf("https://WWW.Example.com/a/b"); got != "example.com" {
		t.Fatalf("hostOf() = %q, want example.com", got)
	}
}

func TestFetchAndExtractPullsMainContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Sample</title></head><body>
			<nav>skip this</nav>
			<article><p>First paragraph about AI regulation.</p><p>Second paragraph with more detail.</p></article>
		</body></html>`)
	}))
	defer srv.Close()

	stage := New(2, 2, nil, nil)
	cand := model.Candidate{ID: "1", URL: srv.URL, Provider: "newsapi"}
	article, err := stage.fetchAndExtract(context.Background(), cand)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if article.Title != "Sample" {
		t.Fatalf("expected title Sample, got %q", article.Title)
	}
	if article.WordCount == 0 {
		t.Fatalf("expected non-zero word count")
	}
	if article.SourceHost == "" {
		t.Fatalf("expected non-empty source host")
	}
}
