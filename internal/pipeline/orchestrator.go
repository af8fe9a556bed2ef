// Package pipeline implements the Orchestrator (C11): it wires C4-C9 and
// the independent image-prompt flow behind the HTTP surface's granular and
// full-run endpoints, owns each run's runId and cancellation context, and
// makes the artifact-store calls. RunFullPipeline drives every stage from a
// bare topic; the other exported methods expose single stages (or small
// stage groups) for the decomposed endpoints that hand intermediate state
// back to the caller between steps. Generalized from the teacher's
// dependency-injected Pipeline struct (internal/pipeline/pipeline.go),
// whose interfaces-in-a-struct shape is kept but narrowed from an
// eleven-dependency digest pipeline down to this spec's five core stages.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"briefly/internal/clustering"
	"briefly/internal/config"
	"briefly/internal/extract"
	"briefly/internal/llmclient"
	"briefly/internal/logger"
	"briefly/internal/metrics"
	"briefly/internal/model"
	"briefly/internal/outline"
	"briefly/internal/persistence"
	"briefly/internal/providers"
	"briefly/internal/providers/eventregistry"
	"briefly/internal/providers/googlecse"
	"briefly/internal/providers/googlenews"
	"briefly/internal/providers/newsapi"
	"briefly/internal/ratelimit"
	"briefly/internal/research"
	"briefly/internal/retrieval"
	"briefly/internal/sse"
	"briefly/internal/synthesis"
)

// Credentials carries the per-request header overrides named in the spec's
// external-interfaces section (X-Gemini-Api-Key, X-Gemini-Rpm, etc). A zero
// value falls back to the server's configured defaults.
type Credentials struct {
	GeminiAPIKey        string
	GeminiRPM           int
	GoogleCSEAPIKey     string
	GoogleCSECX         string
	NewsAPIKey          string
	EventRegistryAPIKey string
}

// Orchestrator holds the process-wide shared resources: the LLM rate gate
// (keyed per API key, shared across every run) and the artifact store. A
// fresh Retriever/Stage/Clusterer/Generator set is built per call from the
// request's Credentials and the server's Config, since those depend on
// per-request overrides.
type Orchestrator struct {
	cfg     *config.Config
	gate    *ratelimit.Gate
	store   persistence.Store
	metrics *metrics.Registry
}

// New creates an Orchestrator bound to the process-wide rate gate and
// artifact store. reg may be nil; every counter call on a nil Registry is a
// no-op.
func New(cfg *config.Config, gate *ratelimit.Gate, store persistence.Store, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{cfg: cfg, gate: gate, store: store, metrics: reg}
}

func (o *Orchestrator) effectiveRPM(creds Credentials) int {
	if creds.GeminiRPM > 0 {
		return ratelimit.ClampRPM(creds.GeminiRPM)
	}
	return o.cfg.Gemini.RequestsPerMinute
}

func (o *Orchestrator) effectiveGeminiKey(creds Credentials) string {
	if creds.GeminiAPIKey != "" {
		return creds.GeminiAPIKey
	}
	return o.cfg.Gemini.APIKey
}

// newLLMClient constructs a fresh genai-backed llmclient.Client scoped to
// this request's effective API key and rpm, sharing the process-wide rate
// gate across all requests using the same key.
func (o *Orchestrator) newLLMClient(ctx context.Context, creds Credentials) (*llmclient.Client, error) {
	apiKey := o.effectiveGeminiKey(creds)
	rpm := o.effectiveRPM(creds)

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return llmclient.New(genaiClient.Models, o.gate, apiKey, rpm), nil
}

// buildConnectors assembles the enabled search connectors for one request,
// applying header overrides over the server's configured defaults. A
// connector missing any of its credentials (for Google CSE: either the API
// key or the cx) is simply omitted
// (isolated per-connector failure, per spec §4.4 / §7, starts at "not
// configured" rather than a runtime error).
func (o *Orchestrator) buildConnectors(creds Credentials) []providers.Connector {
	var connectors []providers.Connector

	cseKey := firstNonEmpty(creds.GoogleCSEAPIKey, o.cfg.Search.GoogleCSE.APIKey)
	cseCX := firstNonEmpty(creds.GoogleCSECX, o.cfg.Search.GoogleCSE.CX)
	if cseKey != "" && cseCX != "" {
		connectors = append(connectors, googlecse.New(cseKey, cseCX))
	}

	newsKey := firstNonEmpty(creds.NewsAPIKey, o.cfg.Search.NewsAPI.APIKey)
	if newsKey != "" {
		connectors = append(connectors, newsapi.New(newsKey))
	}

	erKey := firstNonEmpty(creds.EventRegistryAPIKey, o.cfg.Search.EventRegistry.APIKey)
	if erKey != "" {
		connectors = append(connectors, eventregistry.New(erKey))
	}

	if o.cfg.Search.GoogleNewsRSS {
		connectors = append(connectors, googlenews.New())
	}

	return connectors
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (o *Orchestrator) retrievalConfig() retrieval.Config {
	return retrieval.Config{
		GlobalConcurrency:  o.cfg.Retrieval.GlobalConcurrency,
		PerHostConcurrency: o.cfg.Retrieval.PerHostConcurrency,
		MinAccepted:        o.cfg.Retrieval.MinAccepted,
		MaxAttempts:        o.cfg.Retrieval.MaxAttempts,
		MaxCandidates:      o.cfg.Retrieval.MaxCandidates,
		SkipTopicAnalysis:  o.serverless(),
	}
}

// serverless reports whether this process is running in the
// serverless-host deployment mode (persistence.ModeNone): no artifact
// store, so every stage that would otherwise round-trip through it
// instead takes the cheaper in-memory path.
func (o *Orchestrator) serverless() bool {
	return o.cfg.Persistence.Mode == string(persistence.ModeNone)
}

func (o *Orchestrator) buildPipeline(llm *llmclient.Client, creds Credentials) *retrieval.Pipeline {
	retriever := retrieval.New(o.buildConnectors(creds), llm)
	stage := extract.New(o.cfg.Retrieval.GlobalConcurrency, o.cfg.Retrieval.PerHostConcurrency, o.cfg.Extract.BannedHosts, o.cfg.Extract.PromotionalPhrases)
	clusterer := clustering.New(clustering.Config{
		ClusterThreshold: o.cfg.Clustering.ClusterThreshold,
		AttachThreshold:  o.cfg.Clustering.AttachThreshold,
	})
	return retrieval.NewPipeline(retriever, stage, clusterer)
}

// OutlineRequest is the input to RunOutline, the run-outline flow (C4→C5→C6→C7).
type OutlineRequest struct {
	RunID        string
	Topic        string
	RecencyHours int
}

// OutlineResult bundles everything RunOutline produces, for both the
// SSE result events and the artifact store.
type OutlineResult struct {
	Clusters []model.StoryCluster
	Outline  model.OutlinePayload
	Attempts int
	Metrics  struct {
		Retrieval map[string]model.ProviderMetrics
		Extract   map[string]model.ProviderMetrics
	}
}

// retrievalResult bundles the C4→C5→C6 phase shared by RunOutline,
// RetrieveAndCluster and RunFullPipeline.
type retrievalResult struct {
	outcome retrieval.PipelineOutcome
}

// runRetrievalPhase drives C4→C5→C6 against an already-built pipeline,
// emitting the retrieval stage's start/success/failure events and the
// retrieval-result diagnostic, then persisting retrieval_batch.json and
// retrieval_clusters.json. Shared by every flow that starts from a topic.
func (o *Orchestrator) runRetrievalPhase(ctx context.Context, emitter *sse.Emitter, pipe *retrieval.Pipeline, req OutlineRequest) (retrievalResult, error) {
	emitter.Start(model.StageRetrieval)
	rcfg := o.retrievalConfig()
	outcome, err := pipe.Run(ctx, rcfg, req.Topic, req.RecencyHours, rcfg.MinAccepted, rcfg.MaxAttempts)
	if err != nil {
		emitter.Failure(model.StageRetrieval, err.Error(), nil)
		return retrievalResult{}, err
	}
	emitter.Success(model.StageRetrieval, "", nil)
	emitter.Result("retrieval-result", map[string]any{
		"runId":            req.RunID,
		"accepted":         len(outcome.Accepted),
		"clusterCount":     len(outcome.Clusters),
		"attempts":         outcome.Attempts,
		"retrievalMetrics": outcome.RetrievalMetrics,
		"extractMetrics":   outcome.ExtractMetrics,
	})

	o.persistBatch(ctx, req.RunID, req.Topic, req.RecencyHours, outcome)
	return retrievalResult{outcome: outcome}, nil
}

// RunOutline drives C4→C5→C6→C7, emitting retrieval-result and
// outline-result diagnostic events and persisting retrieval_batch.json,
// retrieval_clusters.json and outline.json.
func (o *Orchestrator) RunOutline(ctx context.Context, emitter *sse.Emitter, creds Credentials, req OutlineRequest) (OutlineResult, error) {
	var result OutlineResult

	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return result, err
	}
	pipe := o.buildPipeline(llm, creds)

	rr, err := o.runRetrievalPhase(ctx, emitter, pipe, req)
	if err != nil {
		return result, err
	}
	result.Clusters = rr.outcome.Clusters
	result.Attempts = rr.outcome.Attempts
	result.Metrics.Retrieval = rr.outcome.RetrievalMetrics
	result.Metrics.Extract = rr.outcome.ExtractMetrics

	if len(rr.outcome.Clusters) == 0 {
		err := fmt.Errorf("Cannot generate outline: no clusters provided")
		emitter.Start(model.StageOutline)
		emitter.Failure(model.StageOutline, err.Error(), nil)
		return result, err
	}

	payload, err := o.generateOutline(ctx, emitter, llm, req.RunID, req.Topic, rr.outcome.Clusters)
	if err != nil {
		return result, err
	}
	result.Outline = payload
	return result, nil
}

// RetrieveAndClusterRequest is the input to RetrieveAndCluster, the
// retrieve-stream flow (C4→C5→C6 only).
type RetrieveAndClusterRequest struct {
	RunID        string
	Topic        string
	RecencyHours int
}

// RetrieveAndClusterResult is what RetrieveAndCluster produces.
type RetrieveAndClusterResult struct {
	Clusters []model.StoryCluster
	Accepted []model.NormalizedArticle
}

// RetrieveAndCluster drives C4→C5→C6 only, stopping short of outline
// generation. Used by the retrieve-stream endpoint, whose clusters are
// handed to a later, separate generate-outline-stream call.
func (o *Orchestrator) RetrieveAndCluster(ctx context.Context, emitter *sse.Emitter, creds Credentials, req RetrieveAndClusterRequest) (RetrieveAndClusterResult, error) {
	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return RetrieveAndClusterResult{}, err
	}
	pipe := o.buildPipeline(llm, creds)

	rr, err := o.runRetrievalPhase(ctx, emitter, pipe, OutlineRequest{RunID: req.RunID, Topic: req.Topic, RecencyHours: req.RecencyHours})
	if err != nil {
		return RetrieveAndClusterResult{}, err
	}
	return RetrieveAndClusterResult{Clusters: rr.outcome.Clusters, Accepted: rr.outcome.Accepted}, nil
}

// RetrieveCandidatesRequest is the input to RetrieveCandidates, the
// retrieve-candidates JSON endpoint (C4 only, no extraction).
type RetrieveCandidatesRequest struct {
	RunID        string
	Topic        string
	RecencyHours int
}

// RetrieveCandidatesResult is what RetrieveCandidates produces.
type RetrieveCandidatesResult struct {
	Candidates  []model.Candidate
	PerProvider map[string]model.ProviderMetrics
}

// RetrieveCandidates runs C4 alone: fans out to the enabled connectors and
// returns the deduped candidate list, with no extraction or clustering.
func (o *Orchestrator) RetrieveCandidates(ctx context.Context, creds Credentials, req RetrieveCandidatesRequest) (RetrieveCandidatesResult, error) {
	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return RetrieveCandidatesResult{}, err
	}
	retriever := retrieval.New(o.buildConnectors(creds), llm)
	outcome, err := retriever.Retrieve(ctx, o.retrievalConfig(), req.Topic, o.cfg.Retrieval.MaxCandidates, req.RecencyHours)
	if err != nil {
		return RetrieveCandidatesResult{}, err
	}
	return RetrieveCandidatesResult{Candidates: outcome.Candidates, PerProvider: outcome.PerProvider}, nil
}

// ExtractBatchRequest is the input to ExtractBatch, the extract-batch JSON
// endpoint (C5 only, against an already-retrieved candidate list).
type ExtractBatchRequest struct {
	MainQuery    string
	Candidates   []model.Candidate
	RecencyHours int
}

// ExtractBatchResult is what ExtractBatch produces.
type ExtractBatchResult struct {
	Accepted    []model.NormalizedArticle
	PerProvider map[string]model.ProviderMetrics
}

// ExtractBatch runs C5 alone over an already-retrieved candidate list.
func (o *Orchestrator) ExtractBatch(ctx context.Context, req ExtractBatchRequest) (ExtractBatchResult, error) {
	stage := extract.New(o.cfg.Retrieval.GlobalConcurrency, o.cfg.Retrieval.PerHostConcurrency, o.cfg.Extract.BannedHosts, o.cfg.Extract.PromotionalPhrases)
	outcome, err := stage.Run(ctx, req.Candidates, req.MainQuery, req.RecencyHours)
	if err != nil {
		return ExtractBatchResult{}, err
	}
	return ExtractBatchResult{Accepted: outcome.Accepted, PerProvider: outcome.PerProvider}, nil
}

// ClusterArticlesRequest is the input to ClusterArticles, the
// cluster-articles JSON endpoint (C6 only, against already-normalized
// articles).
type ClusterArticlesRequest struct {
	Articles []model.NormalizedArticle
}

// ClusterArticles runs C6 alone over an already-extracted article list.
func (o *Orchestrator) ClusterArticles(req ClusterArticlesRequest) []model.StoryCluster {
	clusterer := clustering.New(clustering.Config{
		ClusterThreshold: o.cfg.Clustering.ClusterThreshold,
		AttachThreshold:  o.cfg.Clustering.AttachThreshold,
	})
	return clusterer.Cluster(req.Articles)
}

// GenerateOutlineRequest is the input to GenerateOutline, the
// generate-outline-stream endpoint (C7 only, against already-clustered
// stories).
type GenerateOutlineRequest struct {
	RunID    string
	Topic    string
	Clusters []model.StoryCluster
}

// GenerateOutline runs C7 alone over an already-clustered story set,
// emitting outline-result and persisting outline.json.
func (o *Orchestrator) GenerateOutline(ctx context.Context, emitter *sse.Emitter, creds Credentials, req GenerateOutlineRequest) (model.OutlinePayload, error) {
	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return model.OutlinePayload{}, err
	}
	return o.generateOutline(ctx, emitter, llm, req.RunID, req.Topic, req.Clusters)
}

func (o *Orchestrator) generateOutline(ctx context.Context, emitter *sse.Emitter, llm *llmclient.Client, runID, topic string, clusters []model.StoryCluster) (model.OutlinePayload, error) {
	emitter.Start(model.StageOutline)
	og := outline.New(llm)
	payload, err := og.Generate(ctx, topic, clusters)
	if err != nil {
		emitter.Failure(model.StageOutline, err.Error(), nil)
		return model.OutlinePayload{}, err
	}
	emitter.Success(model.StageOutline, "", nil)
	emitter.Result("outline-result", map[string]any{"runId": runID, "outline": payload})

	if err := o.store.WriteArtifact(ctx, runID, persistence.KindOutline, payload); err != nil {
		logPersistFailure(persistence.KindOutline, err)
	}
	return payload, nil
}

// FullPipelineRequest is the input to RunFullPipeline, the run-agent-stream
// endpoint: the only flow that drives every stage (C4→C9) from a bare
// topic with no intermediate client round-trips.
type FullPipelineRequest struct {
	RunID        string
	Topic        string
	RecencyHours int
}

// FullPipelineResult bundles the full run's outputs.
type FullPipelineResult struct {
	Clusters []model.StoryCluster
	Outline  model.OutlinePayload
	Evidence []model.EvidenceItem
	Article  model.ArticleResult
}

// RunFullPipeline drives C4→C5→C6→C7→C8(all points)→C9 as a single run:
// RunOutline's retrieval+outline phase, a targeted-research pass over every
// outline point, and a final GenerateArticle call. In the serverless-host
// deployment mode (persistence.ModeNone) the targeted-research pass is
// replaced by research.BuildEvidenceFromClusters, reusing the clusters
// already produced by retrieval instead of issuing a further round of
// per-point mini-retrievals and LLM query-expansion calls against a store
// that would discard their artifacts anyway.
func (o *Orchestrator) RunFullPipeline(ctx context.Context, emitter *sse.Emitter, creds Credentials, req FullPipelineRequest) (result FullPipelineResult, err error) {
	o.metrics.RunStarted()
	defer func() {
		if err != nil {
			o.metrics.RunFailed()
		} else {
			o.metrics.RunSucceeded()
		}
	}()

	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return result, err
	}
	pipe := o.buildPipeline(llm, creds)

	rr, err := o.runRetrievalPhase(ctx, emitter, pipe, OutlineRequest{RunID: req.RunID, Topic: req.Topic, RecencyHours: req.RecencyHours})
	if err != nil {
		return result, err
	}
	result.Clusters = rr.outcome.Clusters

	if len(rr.outcome.Clusters) == 0 {
		err = fmt.Errorf("Cannot generate outline: no clusters provided")
		emitter.Start(model.StageOutline)
		emitter.Failure(model.StageOutline, err.Error(), nil)
		o.metrics.StageFailed()
		return result, err
	}

	outlinePayload, err := o.generateOutline(ctx, emitter, llm, req.RunID, req.Topic, rr.outcome.Clusters)
	if err != nil {
		return result, err
	}
	result.Outline = outlinePayload

	var evidence []model.EvidenceItem
	emitter.Start(model.StageTargetedResearch)
	if o.serverless() {
		evidence = research.BuildEvidenceFromClusters(outlinePayload.Outline, rr.outcome.Clusters)
	} else {
		researcher := research.New(llm, pipe)
		rcfg := research.Config{
			GlobalConcurrency: o.cfg.Research.GlobalConcurrency,
			MinAccepted:       o.cfg.Research.MinAccepted,
			MaxAttempts:       o.cfg.Research.MaxAttempts,
			SinceHours:        sinceHoursOrDefault(req.RecencyHours, o.cfg.Research.SinceHours),
		}
		evidence, err = researcher.Research(ctx, req.Topic, outlinePayload.Outline, rcfg)
		if err != nil {
			emitter.Failure(model.StageTargetedResearch, err.Error(), nil)
			o.metrics.StageFailed()
			return result, err
		}
	}
	result.Evidence = evidence
	emitter.Success(model.StageTargetedResearch, "", nil)
	emitter.Result("targeted-research-result", map[string]any{"runId": req.RunID, "evidence": evidence})
	if err := o.store.WriteArtifact(ctx, req.RunID, persistence.KindTargetedResearch, evidence); err != nil {
		logPersistFailure(persistence.KindTargetedResearch, err)
	}

	emitter.Start(model.StageSynthesis)
	gen := synthesis.New(llm, o.cfg.Extract.PromotionalPhrases)
	article, genErr := gen.Generate(ctx, req.Topic, outlinePayload, rr.outcome.Clusters, evidence, "", nil)
	if genErr != nil {
		err = genErr
		emitter.Failure(model.StageSynthesis, err.Error(), nil)
		o.metrics.StageFailed()
		return result, err
	}
	result.Article = article
	emitter.Success(model.StageSynthesis, "", nil)

	if werr := o.store.WriteArtifact(ctx, req.RunID, persistence.KindSourceCatalog, article.SourceCatalog); werr != nil {
		logPersistFailure(persistence.KindSourceCatalog, werr)
	}
	if werr := o.store.WriteArtifact(ctx, req.RunID, persistence.KindArticle, article); werr != nil {
		logPersistFailure(persistence.KindArticle, werr)
	}

	return result, nil
}

func (o *Orchestrator) persistBatch(ctx context.Context, runID, topic string, recencyHours int, outcome retrieval.PipelineOutcome) {
	batch := map[string]any{
		"runId":        runID,
		"query":        topic,
		"recencyHours": recencyHours,
		"articles":     outcome.Accepted,
		"metrics":      outcome.RetrievalMetrics,
	}
	if err := o.store.WriteArtifact(ctx, runID, persistence.KindRetrievalBatch, batch); err != nil {
		logPersistFailure(persistence.KindRetrievalBatch, err)
	}
	if err := o.store.WriteArtifact(ctx, runID, persistence.KindRetrievalClusters, outcome.Clusters); err != nil {
		logPersistFailure(persistence.KindRetrievalClusters, err)
	}
	for _, a := range outcome.Accepted {
		if err := o.store.WriteNormalized(ctx, a.ID, a); err != nil {
			logPersistFailure("normalized/"+a.ID, err)
		}
	}
}

// TargetedResearchRequest is the input to one point's C8 run.
type TargetedResearchRequest struct {
	RunID        string
	Topic        string
	OutlineIndex int
	Point        model.OutlinePoint
	RecencyHours int
}

// TargetedResearch drives C8 for a single outline point, emitting a
// targeted-research-result diagnostic event.
func (o *Orchestrator) TargetedResearch(ctx context.Context, emitter *sse.Emitter, creds Credentials, req TargetedResearchRequest) (model.EvidenceItem, error) {
	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	pipe := o.buildPipeline(llm, creds)
	researcher := research.New(llm, pipe)

	emitter.Start(model.StageTargetedResearch)
	cfg := research.Config{
		GlobalConcurrency: o.cfg.Research.GlobalConcurrency,
		MinAccepted:       o.cfg.Research.MinAccepted,
		MaxAttempts:       o.cfg.Research.MaxAttempts,
		SinceHours:        sinceHoursOrDefault(req.RecencyHours, o.cfg.Research.SinceHours),
	}
	item := researcher.ResearchPoint(ctx, req.Topic, req.Point, req.OutlineIndex, cfg)
	emitter.Success(model.StageTargetedResearch, "", nil)
	emitter.Result("targeted-research-result", map[string]any{"runId": req.RunID, "evidence": item})

	o.appendTargetedResearch(ctx, req.RunID, item)
	return item, nil
}

func sinceHoursOrDefault(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}

func (o *Orchestrator) appendTargetedResearch(ctx context.Context, runID string, item model.EvidenceItem) {
	var existing []model.EvidenceItem
	_ = o.store.ReadArtifact(ctx, runID, persistence.KindTargetedResearch, &existing)
	existing = append(existing, item)
	if err := o.store.WriteArtifact(ctx, runID, persistence.KindTargetedResearch, existing); err != nil {
		logPersistFailure(persistence.KindTargetedResearch, err)
	}
}

// ArticleRequest is the input to GenerateArticle (C9).
type ArticleRequest struct {
	RunID           string
	Topic           string
	Outline         model.OutlinePayload
	Clusters        []model.StoryCluster
	Evidence        []model.EvidenceItem
	SourceCatalog   []model.SourceCatalogEntry
	PreviousArticle string
}

// GenerateArticle drives C9, persisting source_catalog.json and
// article.json on success.
func (o *Orchestrator) GenerateArticle(ctx context.Context, emitter *sse.Emitter, creds Credentials, req ArticleRequest) (model.ArticleResult, error) {
	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return model.ArticleResult{}, err
	}

	emitter.Start(model.StageSynthesis)
	gen := synthesis.New(llm, o.cfg.Extract.PromotionalPhrases)
	result, err := gen.Generate(ctx, req.Topic, req.Outline, req.Clusters, req.Evidence, req.PreviousArticle, req.SourceCatalog)
	if err != nil {
		emitter.Failure(model.StageSynthesis, err.Error(), nil)
		return result, err
	}
	emitter.Success(model.StageSynthesis, "", nil)

	if err := o.store.WriteArtifact(ctx, req.RunID, persistence.KindSourceCatalog, result.SourceCatalog); err != nil {
		logPersistFailure(persistence.KindSourceCatalog, err)
	}
	if err := o.store.WriteArtifact(ctx, req.RunID, persistence.KindArticle, result); err != nil {
		logPersistFailure(persistence.KindArticle, err)
	}

	return result, nil
}

// ImagePromptRequest is the input to the independent image-prompt flow.
type ImagePromptRequest struct {
	RunID   string
	Article string
}

// ImagePromptResult is the output of the image-prompt flow: 1..5 slide
// descriptors, or a free-form brief when the model does not return a list.
type ImagePromptResult struct {
	Slides []string `json:"slides,omitempty"`
	Brief  string   `json:"brief,omitempty"`
}

const imagePromptTemplate = `Based on the article below, propose between 1 and 5 short visual slide descriptions suitable for an image generator, one per line prefixed with "- ". If the article does not suggest distinct slides, instead return a single free-form paragraph describing one cover image.

Article:
%s`

// GenerateImagePrompt runs an independent LLM call against the image-prompt
// template and persists image_prompt.json.
func (o *Orchestrator) GenerateImagePrompt(ctx context.Context, emitter *sse.Emitter, creds Credentials, req ImagePromptRequest) (ImagePromptResult, error) {
	llm, err := o.newLLMClient(ctx, creds)
	if err != nil {
		return ImagePromptResult{}, err
	}

	emitter.Start(model.StageImagePrompt)
	text, err := llm.GenerateWithRetry(ctx, fmt.Sprintf(imagePromptTemplate, req.Article), llmclient.Options{})
	if err != nil {
		emitter.Failure(model.StageImagePrompt, err.Error(), nil)
		return ImagePromptResult{}, err
	}

	result := parseImagePrompt(text)
	emitter.Success(model.StageImagePrompt, "", nil)

	if err := o.store.WriteArtifact(ctx, req.RunID, persistence.KindImagePrompt, result); err != nil {
		logPersistFailure(persistence.KindImagePrompt, err)
	}

	return result, nil
}

func logPersistFailure(kind string, err error) {
	// Best-effort: a write failure is logged but never overrides an
	// otherwise-successful pipeline result (spec §7).
	logger.Warn("persistence write failed", "kind", kind, "error", err.Error())
}

// parseImagePrompt splits the model's response into slide descriptors when
// it used the requested "- " bullet format, falling back to the whole
// response as a free-form brief otherwise.
func parseImagePrompt(text string) ImagePromptResult {
	var slides []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "- "); ok {
			if after = strings.TrimSpace(after); after != "" {
				slides = append(slides, after)
			}
		}
	}
	if len(slides) > 5 {
		slides = slides[:5]
	}
	if len(slides) > 0 {
		return ImagePromptResult{Slides: slides}
	}
	return ImagePromptResult{Brief: strings.TrimSpace(text)}
}
