package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"briefly/internal/pipeline"
	"briefly/internal/runctx"
)

// parseRecencyHoursParam implements the spec's rounding/clamping/"unset"
// rule: round to the nearest integer, clamp to [6,720], and report back
// "unset" when the clamped value equals defaultHours so callers fall
// through to the orchestrator's own default semantics.
func parseRecencyHoursParam(raw string, defaultHours int) (hours int, unset bool, ok bool) {
	if strings.TrimSpace(raw) == "" {
		return 0, true, true
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, false
	}
	rounded := int(math.Round(value))
	if rounded < 6 {
		rounded = 6
	}
	if rounded > 720 {
		rounded = 720
	}
	if rounded == defaultHours {
		return 0, true, true
	}
	return rounded, false, true
}

// resolveRecencyHours applies parseRecencyHoursParam and reports "unset" as
// 0, matching the orchestrator's own convention that 0 means "use the
// configured default".
func resolveRecencyHours(raw string, defaultHours int) (int, bool) {
	hours, unset, ok := parseRecencyHoursParam(raw, defaultHours)
	if !ok {
		return 0, false
	}
	if unset {
		return 0, true
	}
	return hours, true
}

// credentialsFromHeaders builds pipeline.Credentials from the spec's
// optional X-* override headers. X-Gemini-Rpm is parsed as an integer and
// passed on unclamped; Orchestrator.effectiveRPM clamps it to [1,10].
func credentialsFromHeaders(r *http.Request) pipeline.Credentials {
	creds := pipeline.Credentials{
		GeminiAPIKey:        r.Header.Get("X-Gemini-Api-Key"),
		GoogleCSEAPIKey:     r.Header.Get("X-Google-Cse-Api-Key"),
		GoogleCSECX:         r.Header.Get("X-Google-Cse-Cx"),
		NewsAPIKey:          r.Header.Get("X-Newsapi-Key"),
		EventRegistryAPIKey: r.Header.Get("X-Eventregistry-Api-Key"),
	}
	if rpmRaw := r.Header.Get("X-Gemini-Rpm"); rpmRaw != "" {
		if rpm, err := strconv.Atoi(rpmRaw); err == nil {
			creds.GeminiRPM = rpm
		}
	}
	return creds
}

// newRunID returns runID if the caller supplied one, otherwise a fresh
// short, URL-safe identifier.
func newRunID(runID string) string {
	if runID != "" {
		return runID
	}
	return runctx.NewID()
}
