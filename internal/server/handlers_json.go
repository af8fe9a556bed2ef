package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"briefly/internal/config"
	"briefly/internal/metrics"
	"briefly/internal/model"
	"briefly/internal/persistence"
	"briefly/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"metrics": s.metrics.Snapshot(),
	})
}

// configResponse flattens config.PublicConfig's fields and adds a "metrics"
// debug subobject, gated by config.Metrics.Enabled the same way the
// healthz probe subobject is.
type configResponse struct {
	config.PublicConfig
	Metrics metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{PublicConfig: s.public, Metrics: s.metrics.Snapshot()})
}

func (s *Server) handleRetrieveCandidates(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	recencyHours, ok := resolveRecencyHours(r.URL.Query().Get("recencyHours"), s.public.RecencyHoursDefault)
	if !ok {
		writeError(w, http.StatusBadRequest, "recencyHours must be a number")
		return
	}
	runID := newRunID(r.URL.Query().Get("runId"))

	result, err := s.orchestrator.RetrieveCandidates(r.Context(), credentialsFromHeaders(r), pipeline.RetrieveCandidatesRequest{
		RunID:        runID,
		Topic:        topic,
		RecencyHours: recencyHours,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":          runID,
		"recencyHours":   recencyHours,
		"mainQuery":      topic,
		"candidateCount": len(result.Candidates),
		"candidates":     result.Candidates,
		"perProvider":    result.PerProvider,
	})
}

type extractBatchBody struct {
	RunID        string            `json:"runId"`
	MainQuery    string            `json:"mainQuery"`
	Candidates   []model.Candidate `json:"candidates"`
	RecencyHours int               `json:"recencyHours"`
}

func (s *Server) handleExtractBatch(w http.ResponseWriter, r *http.Request) {
	var body extractBatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "candidates is required")
		return
	}

	result, err := s.orchestrator.ExtractBatch(r.Context(), pipeline.ExtractBatchRequest{
		MainQuery:    body.MainQuery,
		Candidates:   body.Candidates,
		RecencyHours: body.RecencyHours,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":         result.Accepted,
		"perProvider":      result.PerProvider,
		"extractionErrors": []string{},
	})
}

type clusterArticlesBody struct {
	RunID        string                    `json:"runId"`
	Articles     []model.NormalizedArticle `json:"articles"`
	RecencyHours int                       `json:"recencyHours"`
}

func (s *Server) handleClusterArticles(w http.ResponseWriter, r *http.Request) {
	var body clusterArticlesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Articles) == 0 {
		writeError(w, http.StatusBadRequest, "articles is required")
		return
	}

	clusters := s.orchestrator.ClusterArticles(pipeline.ClusterArticlesRequest{Articles: body.Articles})
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":        body.RunID,
		"clusters":     clusters,
		"clusterCount": len(clusters),
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	kind := chi.URLParam(r, "kind")

	var raw json.RawMessage
	if err := s.store.ReadArtifact(r.Context(), runID, kind, &raw); err != nil {
		if err == persistence.ErrNotFound {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	var raw json.RawMessage
	if err := s.store.ReadArtifact(r.Context(), runID, persistence.KindArticle, &raw); err != nil {
		if err == persistence.ErrNotFound {
			writeError(w, http.StatusNotFound, "article not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleGetNormalized(w http.ResponseWriter, r *http.Request) {
	articleID := chi.URLParam(r, "articleId")

	article, err := s.store.ReadNormalized(r.Context(), articleID)
	if err != nil {
		if err == persistence.ErrNotFound {
			writeError(w, http.StatusNotFound, "normalized article not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, article)
}
