package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"briefly/internal/pipeline"
)

func TestParseRecencyHoursParamEmptyIsUnset(t *testing.T) {
	hours, unset, ok := parseRecencyHoursParam("", 24)
	if !ok || !unset || hours != 0 {
		t.Fatalf("expected unset for empty input, got hours=%d unset=%v ok=%v", hours, unset, ok)
	}
}

func TestParseRecencyHoursParamBoundaryTable(t *testing.T) {
	cases := []struct {
		raw       string
		def       int
		wantHours int
		wantUnset bool
	}{
		{"5", 24, 6, false},
		{"6", 24, 0, true},
		{"720", 24, 720, false},
		{"721", 24, 720, false},
		{"24", 24, 0, true},
	}
	for _, c := range cases {
		hours, unset, ok := parseRecencyHoursParam(c.raw, c.def)
		if !ok {
			t.Fatalf("input %q: expected ok, got error", c.raw)
		}
		if unset != c.wantUnset {
			t.Fatalf("input %q: expected unset=%v, got %v", c.raw, c.wantUnset, unset)
		}
		if !unset && hours != c.wantHours {
			t.Fatalf("input %q: expected hours=%d, got %d", c.raw, c.wantHours, hours)
		}
	}
}

func TestParseRecencyHoursParamRejectsNonNumeric(t *testing.T) {
	_, _, ok := parseRecencyHoursParam("not-a-number", 24)
	if ok {
		t.Fatal("expected ok=false for non-numeric input")
	}
}

func TestParseRecencyHoursParamIsIdempotentAfterClamping(t *testing.T) {
	// Feeding an already-clamped, non-default value back through the
	// parser must return the same value unchanged.
	hours, unset, ok := parseRecencyHoursParam("100", 24)
	if !ok || unset {
		t.Fatalf("expected a concrete clamped value, got hours=%d unset=%v", hours, unset)
	}
	hours2, unset2, ok2 := parseRecencyHoursParam(strconv.Itoa(hours), 24)
	if !ok2 || unset2 || hours2 != hours {
		t.Fatalf("expected idempotent result %d, got hours=%d unset=%v", hours, hours2, unset2)
	}
}

func TestResolveRecencyHoursTranslatesUnsetToZero(t *testing.T) {
	hours, ok := resolveRecencyHours("24", 24)
	if !ok || hours != 0 {
		t.Fatalf("expected unset to resolve to 0, got hours=%d ok=%v", hours, ok)
	}
	hours, ok = resolveRecencyHours("48", 24)
	if !ok || hours != 48 {
		t.Fatalf("expected 48, got hours=%d ok=%v", hours, ok)
	}
}

func TestCredentialsFromHeadersReadsAllOverrides(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/retrieve-candidates", nil)
	req.Header.Set("X-Gemini-Api-Key", "gk")
	req.Header.Set("X-Gemini-Rpm", "7")
	req.Header.Set("X-Google-Cse-Api-Key", "ck")
	req.Header.Set("X-Google-Cse-Cx", "cx")
	req.Header.Set("X-Newsapi-Key", "nk")
	req.Header.Set("X-Eventregistry-Api-Key", "ek")

	creds := credentialsFromHeaders(req)
	if creds.GeminiAPIKey != "gk" || creds.GeminiRPM != 7 || creds.GoogleCSEAPIKey != "ck" ||
		creds.GoogleCSECX != "cx" || creds.NewsAPIKey != "nk" || creds.EventRegistryAPIKey != "ek" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestCredentialsFromHeadersDefaultsToZeroValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/retrieve-candidates", nil)
	creds := credentialsFromHeaders(req)
	if creds != (pipeline.Credentials{}) {
		t.Fatalf("expected zero-value credentials, got %+v", creds)
	}
}

func TestNewRunIDKeepsSuppliedValue(t *testing.T) {
	if got := newRunID("abc"); got != "abc" {
		t.Fatalf("expected supplied runId to be kept, got %q", got)
	}
	if got := newRunID(""); got == "" {
		t.Fatal("expected a generated runId for empty input")
	}
}

func TestNewRunIDGeneratesShortURLSafeID(t *testing.T) {
	got := newRunID("")
	if len(got) == 36 && strings.Count(got, "-") == 4 {
		t.Fatalf("expected a short id, not a canonical UUID: %q", got)
	}
	if len(got) > 16 {
		t.Fatalf("expected a short id, got %d chars: %q", len(got), got)
	}
	if strings.ContainsRune(got, '-') {
		t.Fatalf("expected no hyphens in generated runId, got %q", got)
	}
}
