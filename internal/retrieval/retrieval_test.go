package retrieval

import (
	"context"
	"errors"
	"testing"

	"briefly/internal/model"
	"briefly/internal/providers"
)

type stubConnector struct {
	name  string
	items []model.Candidate
	err   error
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) Search(ctx context.Context, q providers.Query) (providers.Result, error) {
	if s.err != nil {
		return providers.Result{}, s.err
	}
	return providers.Result{Items: s.items}, nil
}

func TestRetrieveDedupesByCanonicalURL(t *testing.T) {
	a := &stubConnector{name: "a", items: []model.Candidate{
		{ID: "1", URL: "https://Example.com/story?utm_source=x#frag"},
	}}
	b := &stubConnector{name: "b", items: []model.Candidate{
		{ID: "2", URL: "https://example.com/story"},
		{ID: "3", URL: "https://example.com/other"},
	}}

	r := New([]providers.Connector{a, b}, nil)
	out, err := r.Retrieve(context.Background(), Config{SkipTopicAnalysis: true}, "topic", 10, 168)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Candidates) != 2 {
		t.Fatalf("expected 2 deduped candidates, got %d: %+v", len(out.Candidates), out.Candidates)
	}
}

func TestRetrieveIsolatesConnectorFailure(t *testing.T) {
	ok := &stubConnector{name: "ok", items: []model.Candidate{{ID: "1", URL: "https://example.com/a"}}}
	bad := &stubConnector{name: "bad", err: errors.New("boom")}

	r := New([]providers.Connector{ok, bad}, nil)
	out, err := r.Retrieve(context.Background(), Config{SkipTopicAnalysis: true}, "topic", 10, 168)
	if err != nil {
		t.Fatalf("connector failure must not abort the stage, got %v", err)
	}
	if len(out.Candidates) != 1 {
		t.Fatalf("expected 1 candidate from the healthy connector, got %d", len(out.Candidates))
	}
	if !out.PerProvider["bad"].Failed {
		t.Fatalf("expected bad provider marked failed in metrics, got %+v", out.PerProvider["bad"])
	}
}

func TestRetrieveRespectsMaxCandidates(t *testing.T) {
	items := []model.Candidate{
		{ID: "1", URL: "https://example.com/a"},
		{ID: "2", URL: "https://example.com/b"},
		{ID: "3", URL: "https://example.com/c"},
	}
	conn := &stubConnector{name: "a", items: items}

	r := New([]providers.Connector{conn}, nil)
	out, err := r.Retrieve(context.Background(), Config{SkipTopicAnalysis: true, MaxCandidates: 2}, "topic", 10, 168)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Candidates) != 2 {
		t.Fatalf("expected candidates capped at 2, got %d", len(out.Candidates))
	}
}

func TestCanonicalizeURLStripsHashAndSearch(t *testing.T) {
	got := canonicalizeURL("HTTPS://Example.com/Path?q=1#section")
	want := "https://example.com/path"
	if got != want {
		t.Fatalf("canonicalizeURL() = %q, want %q", got, want)
	}
}
