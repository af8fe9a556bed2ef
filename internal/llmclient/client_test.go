package llmclient

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"briefly/internal/ratelimit"
)

// fakeModels lets tests script per-call responses without a live Gemini
// backend, keyed by the model name requested.
type fakeModels struct {
	calls     []string
	responses map[string][]error
	idx       map[string]int
}

func newFakeModels() *fakeModels {
	return &fakeModels{responses: map[string][]error{}, idx: map[string]int{}}
}

// script registers n scripted call outcomes for model; a nil error means
// the call succeeds with non-empty text.
func (f *fakeModels) script(model string, errs ...error) {
	f.responses[model] = errs
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Parts: []*genai.Part{{Text: text}},
				Role:  "model",
			},
		}},
	}
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls = append(f.calls, model)
	results := f.responses[model]
	i := f.idx[model]
	if i >= len(results) {
		return nil, errors.New("fakeModels: no more scripted responses for " + model)
	}
	f.idx[model] = i + 1
	if err := results[i]; err != nil {
		return nil, err
	}
	return textResponse("ok"), nil
}

func TestGenerateWithRetryFallsBackOnTransientFailure(t *testing.T) {
	models := newFakeModels()
	transient := errors.New("service unavailable")

	// the gate calls a single model up to 5 times before giving up on it
	primaryFailures := make([]error, 5)
	for i := range primaryFailures {
		primaryFailures[i] = transient
	}
	models.script(ModelPrimary, primaryFailures...)
	models.script(ModelFlash, nil)

	c := New(models, ratelimit.NewGate(), "key", 10)
	text, err := c.GenerateWithRetry(context.Background(), "prompt", Options{})
	if err != nil {
		t.Fatalf("expected eventual success via fallback model, got %v", err)
	}
	if text != "ok" {
		t.Fatalf("expected ok, got %q", text)
	}
	if models.calls[len(models.calls)-1] != ModelFlash {
		t.Fatalf("expected last call to use fallback model %s, calls=%v", ModelFlash, models.calls)
	}
}

func TestGenerateWithRetryAbortsOnNonTransient(t *testing.T) {
	models := newFakeModels()
	models.script(ModelPrimary, errors.New("invalid argument: malformed prompt"))

	c := New(models, ratelimit.NewGate(), "key", 10)
	_, err := c.GenerateWithRetry(context.Background(), "prompt", Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(models.calls) != 1 {
		t.Fatalf("expected exactly 1 call for non-transient error, got %d (%v)", len(models.calls), models.calls)
	}
}
