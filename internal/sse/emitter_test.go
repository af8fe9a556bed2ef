package sse

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"briefly/internal/model"
)

func lastEventData(t *testing.T, body string) model.StageEvent {
	t.Helper()
	records := strings.Split(strings.TrimSpace(body), "\n\n")
	last := records[len(records)-1]
	lines := strings.SplitN(last, "\n", 2)
	if len(lines) != 2 {
		t.Fatalf("unexpected record shape: %q", last)
	}
	var evt model.StageEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal stage event: %v", err)
	}
	return evt
}

func TestEmitterSuccessIsNoOpAfterFirstTerminalEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := New(context.Background(), rec, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	e := NewEmitter(s, "run-1")
	e.Start("outline")
	e.Success("outline", "done", nil)
	before := rec.Body.String()
	e.Success("outline", "done again", nil)
	e.Failure("outline", "too late", nil)

	if rec.Body.String() != before {
		t.Fatal("expected no further writes after the first terminal event for a stage")
	}
}

func TestEmitterFailureAfterSuccessIsSuppressed(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := New(context.Background(), rec, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	e := NewEmitter(s, "run-1")
	e.Start("retrieval")
	e.Success("retrieval", "", nil)
	evt := lastEventData(t, rec.Body.String())
	if evt.Status != model.StatusSuccess {
		t.Fatalf("expected success as last event, got %+v", evt)
	}

	e.Failure("retrieval", "", nil)
	if got := lastEventData(t, rec.Body.String()); got.Status != model.StatusSuccess {
		t.Fatalf("expected success to remain the last event, got %+v", got)
	}
}

func TestEmitterStampsRunIDAndStage(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := New(context.Background(), rec, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	e := NewEmitter(s, "run-42")
	e.Start("synthesis")

	evt := lastEventData(t, rec.Body.String())
	if evt.RunID != "run-42" || evt.Stage != "synthesis" || evt.Status != model.StatusStart {
		t.Fatalf("unexpected stage event: %+v", evt)
	}
}

func TestEmitterFatalUsesFatalEventName(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := New(context.Background(), rec, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	e := NewEmitter(s, "run-1")
	e.Fatal(errBoom)

	body := rec.Body.String()
	if !strings.Contains(body, "event: fatal\n") {
		t.Fatalf("expected fatal event, got %q", body)
	}
	if !strings.Contains(body, "boom") {
		t.Fatalf("expected error message in payload, got %q", body)
	}
}

var errBoom = simpleError("boom")

type simpleError string

func (e simpleError) Error() string { return string(e) }
