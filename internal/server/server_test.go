package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"briefly/internal/config"
	"briefly/internal/metrics"
	"briefly/internal/persistence"
	"briefly/internal/pipeline"
)

func httpBody(s string) *strings.Reader {
	return strings.NewReader(s)
}

func testServer() *Server {
	cfg := &config.Config{}
	cfg.App.RecencyHours = 24
	cfg.Server.Port = 0
	cfg.Retrieval.GlobalConcurrency = 8
	cfg.Retrieval.PerHostConcurrency = 2
	cfg.Retrieval.MinAccepted = 6
	cfg.Retrieval.MaxAttempts = 3
	cfg.Retrieval.MaxCandidates = 40
	cfg.Clustering.ClusterThreshold = 0.35
	cfg.Clustering.AttachThreshold = 0.2
	cfg.Gemini.RequestsPerMinute = 5

	store := persistence.New(persistence.ModeNone, "", "")
	reg := metrics.New(cfg.Metrics.Enabled)
	orchestrator := pipeline.New(cfg, nil, store, reg)
	return New(cfg.Server, cfg.Public(), orchestrator, store, reg)
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %+v", body)
	}
	if _, present := body["ts"]; !present {
		t.Fatal("expected a ts field")
	}
}

func TestHandleConfigExposesNoSecrets(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if containsAny(rec.Body.String(), []string{"apiKey", "APIKey", "api_key"}) {
		t.Fatalf("config response leaked a credential field: %s", rec.Body.String())
	}
	var public config.PublicConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &public); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if public.RecencyHoursDefault != 24 {
		t.Fatalf("expected recencyHoursDefault 24, got %d", public.RecencyHoursDefault)
	}
}

func TestOpenStreamEnforcesConfiguredBudgetDeadline(t *testing.T) {
	s := testServer()
	s.public.Retrieval.TotalBudgetMs = 1

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/run-agent-stream?topic=x", nil)

	stream, ok := s.openStream(w, r, "x", 24)
	if !ok {
		t.Fatal("expected stream to open")
	}
	defer stream.Close()

	select {
	case <-stream.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("expected stream context to hit its deadline")
	}
}

func TestOpenStreamWithNoBudgetConfiguredDoesNotExpireImmediately(t *testing.T) {
	s := testServer()
	s.public.Retrieval.TotalBudgetMs = 0

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/run-agent-stream?topic=x", nil)

	stream, ok := s.openStream(w, r, "x", 24)
	if !ok {
		t.Fatal("expected stream to open")
	}
	defer stream.Close()

	select {
	case <-stream.Context().Done():
		t.Fatal("expected no immediate deadline with an unconfigured budget")
	default:
	}
}

func TestHandleRetrieveCandidatesRequiresTopic(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/retrieve-candidates", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without topic, got %d", rec.Code)
	}
}

func TestHandleExtractBatchRequiresCandidates(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/api/extract-batch", httpBody(`{"runId":"r1","mainQuery":"q"}`))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without candidates, got %d", rec.Code)
	}
}

func TestHandleClusterArticlesClustersGivenArticles(t *testing.T) {
	s := testServer()
	body := `{"runId":"r1","articles":[
		{"id":"a1","title":"Storm hits coast","canonicalUrl":"https://a.example/1","sourceHost":"a.example","excerpt":"storm coast flooding","body":"storm coast flooding damage"},
		{"id":"a2","title":"Storm hits coast again","canonicalUrl":"https://b.example/2","sourceHost":"b.example","excerpt":"storm coast flooding","body":"storm coast flooding damage repeated"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/cluster-articles", httpBody(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetArtifactReturns404WhenMissing(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/missing-run/artifacts/outline", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetNormalizedReturns404WhenMissing(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/normalized/missing-article", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if len(n) > 0 && jsonContains(haystack, n) {
			return true
		}
	}
	return false
}

func jsonContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
