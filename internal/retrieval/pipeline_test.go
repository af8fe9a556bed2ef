package retrieval

import (
	"context"
	"testing"
	"time"

	"briefly/internal/clustering"
	"briefly/internal/extract"
	"briefly/internal/model"
	"briefly/internal/providers"
)

type countingConnector struct {
	name  string
	calls int
	batch func(call int) []model.Candidate
}

func (c *countingConnector) Name() string { return c.name }

func (c *countingConnector) Search(ctx context.Context, q providers.Query) (providers.Result, error) {
	c.calls++
	return providers.Result{Items: c.batch(c.calls)}, nil
}

func TestPipelineSkipsRetrievalWhenMinAcceptedAlreadyZero(t *testing.T) {
	conn := &countingConnector{name: "stub", batch: func(call int) []model.Candidate {
		return []model.Candidate{{ID: "1", URL: "https://example.com/a"}}
	}}

	retriever := New([]providers.Connector{conn}, nil)
	extractor := extract.New(4, 4, nil, nil)
	clusterer := clustering.New(clustering.DefaultConfig)
	pipeline := NewPipeline(retriever, extractor, clusterer)

	cfg := Config{SkipTopicAnalysis: true, MaxCandidates: 36}
	out, err := pipeline.Run(context.Background(), cfg, "topic", 168, 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Attempts != 0 || conn.calls != 0 {
		t.Fatalf("expected the loop to stop before any attempt when minAccepted is 0, got attempts=%d calls=%d", out.Attempts, conn.calls)
	}
}

func TestPipelineExhaustsMaxAttemptsWhenStarved(t *testing.T) {
	conn := &countingConnector{name: "empty", batch: func(call int) []model.Candidate { return nil }}

	retriever := New([]providers.Connector{conn}, nil)
	extractor := extract.New(4, 4, nil, nil)
	clusterer := clustering.New(clustering.DefaultConfig)
	pipeline := NewPipeline(retriever, extractor, clusterer)

	cfg := Config{SkipTopicAnalysis: true, MaxCandidates: 36}
	out, err := pipeline.Run(context.Background(), cfg, "topic", 168, 6, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts when starved of candidates, got %d", out.Attempts)
	}
	if len(out.Accepted) != 0 {
		t.Fatalf("expected 0 accepted articles, got %d", len(out.Accepted))
	}
}

func TestPipelineDedupsAcrossAttempts(t *testing.T) {
	now := time.Now()
	conn := &countingConnector{name: "repeat", batch: func(call int) []model.Candidate {
		return []model.Candidate{{ID: "1", URL: "https://example.com/same", PublishedAt: &now, Provider: "repeat"}}
	}}

	retriever := New([]providers.Connector{conn}, nil)
	extractor := extract.New(4, 4, nil, nil)
	clusterer := clustering.New(clustering.DefaultConfig)
	pipeline := NewPipeline(retriever, extractor, clusterer)

	cfg := Config{SkipTopicAnalysis: true, MaxCandidates: 36}
	out, err := pipeline.Run(context.Background(), cfg, "topic", 168, 6, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected all 3 attempts to run since minAccepted is never reached, got %d", out.Attempts)
	}
	m := out.ExtractMetrics["repeat"]
	if processed := m.Accepted + m.Rejected + m.Errored; processed != 1 {
		t.Fatalf("expected the repeated url to be extracted once across attempts, got %d", processed)
	}
}
