// Package llmclient implements the Structured LLM Client (C2): a thin layer
// over the Rate-Limited LLM Gate (internal/ratelimit) that issues prompts,
// tolerantly extracts JSON from model responses, and exposes both a plain
// text and a parsed-JSON entry point.
package llmclient

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"briefly/internal/ratelimit"
)

// Model tier names, cheapest/fastest last. Callers needing a different
// chain (e.g. tests) can override via Options.ModelChain.
const (
	ModelPrimary   = "gemini-2.5-flash"
	ModelFlash     = "gemini-flash-latest"
	ModelFlashLite = "gemini-flash-lite-latest"
)

// DefaultModelChain is the fallback order used when Options.ModelChain is
// unset: primary, then flash, then flash-lite.
var DefaultModelChain = []string{ModelPrimary, ModelFlash, ModelFlashLite}

// harm categories the spec requires set to BLOCK_NONE, a contract with the
// upstream prompts which deliberately discuss adversarial and sensitive
// topics as research material, not as content to produce.
var standardSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

// GenAIModels is the subset of *genai.Client this package depends on,
// narrowed for testability.
type GenAIModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Options configures a single generation call.
type Options struct {
	MaxTokens      int32
	Temperature    float32
	ResponseJSON   bool
	ModelChain     []string // defaults to DefaultModelChain
	FallbackToText bool
	TextFallback   func(raw string) (any, error)
}

// Client issues prompts against Gemini through the shared rate gate.
type Client struct {
	models GenAIModels
	gate   *ratelimit.Gate
	apiKey string
	rpm    int
}

// New creates a Client bound to one API key's rate window.
func New(models GenAIModels, gate *ratelimit.Gate, apiKey string, rpm int) *Client {
	return &Client{models: models, gate: gate, apiKey: apiKey, rpm: rpm}
}

// emptyResponseErr is treated as transient per spec §4.2.
type emptyResponseErr struct{}

func (emptyResponseErr) Error() string   { return "Empty response from LLM" }
func (emptyResponseErr) Transient() bool { return true }

// GenerateWithRetry implements generateWithRetry: up to 3 attempts across a
// model chain, advancing to the next model tier after each transient
// failure, each attempt individually gated and retried by the rate-limited
// Gate.
func (c *Client) GenerateWithRetry(ctx context.Context, prompt string, opts Options) (string, error) {
	chain := opts.ModelChain
	if len(chain) == 0 {
		chain = DefaultModelChain
	}

	const maxAttempts = 3
	modelIdx := 0
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		model := chain[modelIdx]

		text, err := c.gate.Invoke(ctx, c.apiKey, c.rpm, func(ctx context.Context) (string, error) {
			return c.generate(ctx, model, prompt, opts)
		})
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !ratelimit.IsTransient(err) {
			return "", err
		}

		if modelIdx < len(chain)-1 {
			modelIdx++
		}
	}
	return "", lastErr
}

func (c *Client) generate(ctx context.Context, model, prompt string, opts Options) (string, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	config := &genai.GenerateContentConfig{
		SafetySettings: standardSafetySettings,
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		config.Temperature = &temp
	}
	if opts.ResponseJSON {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", emptyResponseErr{}
	}
	return text, nil
}

// GenerateAndParse implements generateAndParse<T>: calls GenerateWithRetry
// with responseMimeType=application/json, tolerantly extracts and parses
// the result, and falls back to a caller-supplied text parser on failure
// when opts.FallbackToText is set.
func GenerateAndParse[T any](ctx context.Context, c *Client, prompt string, opts Options) (T, string, error) {
	var zero T
	opts.ResponseJSON = true

	raw, err := c.GenerateWithRetry(ctx, prompt, opts)
	if err != nil {
		return zero, "", err
	}

	extracted := ExtractJSON(raw)
	var parsed T
	if parseErr := ParseJSON5(extracted, &parsed); parseErr == nil {
		return parsed, raw, nil
	}

	if opts.FallbackToText && opts.TextFallback != nil {
		result, err := opts.TextFallback(raw)
		if err != nil {
			return zero, raw, fmt.Errorf("text fallback: %w", err)
		}
		if typed, ok := result.(T); ok {
			return typed, raw, nil
		}
		return zero, raw, fmt.Errorf("text fallback returned unexpected type %T", result)
	}

	return zero, raw, fmt.Errorf("failed to parse JSON from LLM response")
}
