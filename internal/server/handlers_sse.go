package server

import (
	"encoding/json"
	"net/http"
	"time"

	"briefly/internal/model"
	"briefly/internal/pipeline"
	"briefly/internal/runctx"
	"briefly/internal/sse"
)

func (s *Server) heartbeatInterval() time.Duration {
	if s.cfg.HeartbeatIntervalMs <= 0 {
		return 0
	}
	return time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
}

// openStream opens an SSE stream whose cancellation context carries a
// deadline derived from retrieval.totalBudgetMs, per the run's cancellation
// model. A non-positive budget (unconfigured) disables the deadline rather
// than expiring the stream immediately. The deadline-bound context is torn
// down alongside the stream.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request, topic string, recencyHours int) (*sse.Stream, bool) {
	budgetMs := s.public.Retrieval.TotalBudgetMs
	if budgetMs <= 0 {
		stream, err := sse.New(r.Context(), w, s.heartbeatInterval(), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return nil, false
		}
		return stream, true
	}

	rc := runctx.New(r.Context(), topic, recencyHours, time.Duration(budgetMs)*time.Millisecond)
	stream, err := sse.New(rc.Context(), w, s.heartbeatInterval(), rc.Cancel)
	if err != nil {
		rc.Cancel()
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return stream, true
}

func (s *Server) handleRunAgentStream(w http.ResponseWriter, r *http.Request) {
	topic := firstQueryValue(r, "topic", "topicQuery")
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

	stream, ok := s.openStream(w, r, topic, recencyHours)
	if !ok {
		return
	}
	defer stream.Close()
	emitter := sse.NewEmitter(stream, runID)

	result, err := s.orchestrator.RunFullPipeline(stream.Context(), emitter, credentialsFromHeaders(r), pipeline.FullPipelineRequest{
		RunID:        runID,
		Topic:        topic,
		RecencyHours: recencyHours,
	})
	if err != nil {
		emitter.Fatal(err)
		return
	}
	emitter.Result("article-result", map[string]any{"runId": runID, "article": result.Article})
}

func (s *Server) handleRetrieveStream(w http.ResponseWriter, r *http.Request) {
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

	stream, ok := s.openStream(w, r, topic, recencyHours)
	if !ok {
		return
	}
	defer stream.Close()
	emitter := sse.NewEmitter(stream, runID)

	_, err := s.orchestrator.RetrieveAndCluster(stream.Context(), emitter, credentialsFromHeaders(r), pipeline.RetrieveAndClusterRequest{
		RunID:        runID,
		Topic:        topic,
		RecencyHours: recencyHours,
	})
	if err != nil {
		emitter.Fatal(err)
	}
}

type generateOutlineBody struct {
	RunID        string               `json:"runId"`
	Topic        string               `json:"topic"`
	Clusters     []model.StoryCluster `json:"clusters"`
	RecencyHours int                  `json:"recencyHours"`
}

func (s *Server) handleGenerateOutlineStream(w http.ResponseWriter, r *http.Request) {
	var body generateOutlineBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Topic == "" || len(body.Clusters) == 0 {
		writeError(w, http.StatusBadRequest, "topic and clusters are required")
		return
	}
	runID := newRunID(body.RunID)

	stream, ok := s.openStream(w, r, body.Topic, body.RecencyHours)
	if !ok {
		return
	}
	defer stream.Close()
	emitter := sse.NewEmitter(stream, runID)

	_, err := s.orchestrator.GenerateOutline(stream.Context(), emitter, credentialsFromHeaders(r), pipeline.GenerateOutlineRequest{
		RunID:    runID,
		Topic:    body.Topic,
		Clusters: body.Clusters,
	})
	if err != nil {
		emitter.Fatal(err)
	}
}

type targetedResearchBody struct {
	RunID        string             `json:"runId"`
	Topic        string             `json:"topic"`
	OutlineIndex int                `json:"outlineIndex"`
	Point        model.OutlinePoint `json:"point"`
	Summary      string             `json:"summary"`
	RecencyHours int                `json:"recencyHours"`
}

func (s *Server) handleTargetedResearchStream(w http.ResponseWriter, r *http.Request) {
	var body targetedResearchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Topic == "" || body.Point.Point == "" {
		writeError(w, http.StatusBadRequest, "topic and point are required")
		return
	}
	runID := newRunID(body.RunID)
	if body.Summary != "" && body.Point.Summary == "" {
		body.Point.Summary = body.Summary
	}

	stream, ok := s.openStream(w, r, body.Topic, body.RecencyHours)
	if !ok {
		return
	}
	defer stream.Close()
	emitter := sse.NewEmitter(stream, runID)

	_, err := s.orchestrator.TargetedResearch(stream.Context(), emitter, credentialsFromHeaders(r), pipeline.TargetedResearchRequest{
		RunID:        runID,
		Topic:        body.Topic,
		OutlineIndex: body.OutlineIndex,
		Point:        body.Point,
		RecencyHours: body.RecencyHours,
	})
	if err != nil {
		emitter.Fatal(err)
	}
}

type generateArticleBody struct {
	RunID           string                     `json:"runId"`
	Topic           string                     `json:"topic"`
	Outline         model.OutlinePayload       `json:"outline"`
	Clusters        []model.StoryCluster       `json:"clusters"`
	Evidence        []model.EvidenceItem       `json:"evidence"`
	SourceCatalog   []model.SourceCatalogEntry `json:"sourceCatalog"`
	RecencyHours    int                        `json:"recencyHours"`
	PreviousArticle string                     `json:"previousArticle"`
}

func (s *Server) handleGenerateArticleStream(w http.ResponseWriter, r *http.Request) {
	var body generateArticleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	runID := newRunID(body.RunID)

	stream, ok := s.openStream(w, r, body.Topic, body.RecencyHours)
	if !ok {
		return
	}
	defer stream.Close()
	emitter := sse.NewEmitter(stream, runID)

	result, err := s.orchestrator.GenerateArticle(stream.Context(), emitter, credentialsFromHeaders(r), pipeline.ArticleRequest{
		RunID:           runID,
		Topic:           body.Topic,
		Outline:         body.Outline,
		Clusters:        body.Clusters,
		Evidence:        body.Evidence,
		SourceCatalog:   body.SourceCatalog,
		PreviousArticle: body.PreviousArticle,
	})
	if err != nil {
		emitter.Fatal(err)
		return
	}
	emitter.Result("article-result", map[string]any{"runId": runID, "article": result})
}

type generateImagePromptBody struct {
	RunID   string `json:"runId"`
	Article string `json:"article"`
}

func (s *Server) handleGenerateImagePromptStream(w http.ResponseWriter, r *http.Request) {
	var body generateImagePromptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Article == "" {
		writeError(w, http.StatusBadRequest, "article is required")
		return
	}
	runID := newRunID(body.RunID)

	stream, ok := s.openStream(w, r, "", 0)
	if !ok {
		return
	}
	defer stream.Close()
	emitter := sse.NewEmitter(stream, runID)

	result, err := s.orchestrator.GenerateImagePrompt(stream.Context(), emitter, credentialsFromHeaders(r), pipeline.ImagePromptRequest{
		RunID:   runID,
		Article: body.Article,
	})
	if err != nil {
		emitter.Fatal(err)
		return
	}
	emitter.Result("image-prompt-result", map[string]any{"runId": runID, "imagePrompt": result})
}

func firstQueryValue(r *http.Request, keys ...string) string {
	q := r.URL.Query()
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
