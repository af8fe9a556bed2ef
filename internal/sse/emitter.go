package sse

import (
	"sync"
	"time"

	"briefly/internal/model"
)

// Emitter binds a stream to one run and emits at most one terminal
// ("success" or "failure") event per stage. It does not check that a
// stage's "start" came first; callers emit Start before a stage's other
// events.
type Emitter struct {
	stream *Stream
	runID  string

	mu       sync.Mutex
	finished map[string]bool
}

// NewEmitter creates an Emitter bound to stream and runID.
func NewEmitter(stream *Stream, runID string) *Emitter {
	return &Emitter{stream: stream, runID: runID, finished: make(map[string]bool)}
}

// Start emits the stage's "start" event.
func (e *Emitter) Start(stage string) {
	e.emitStage(stage, model.StatusStart, "", nil)
}

// Progress emits a "progress" event for stage.
func (e *Emitter) Progress(stage, message string, data any) {
	e.emitStage(stage, model.StatusProgress, message, data)
}

// Success emits stage's terminal "success" event. A no-op if the stage
// already has a terminal event.
func (e *Emitter) Success(stage, message string, data any) {
	if e.markFinished(stage) {
		return
	}
	e.emitStage(stage, model.StatusSuccess, message, data)
}

// Failure emits stage's terminal "failure" event. A no-op if the stage
// already has a terminal event.
func (e *Emitter) Failure(stage, message string, data any) {
	if e.markFinished(stage) {
		return
	}
	e.emitStage(stage, model.StatusFailure, message, data)
}

func (e *Emitter) markFinished(stage string) (alreadyFinished bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished[stage] {
		return true
	}
	e.finished[stage] = true
	return false
}

func (e *Emitter) emitStage(stage, status, message string, data any) {
	_ = e.stream.Emit("stage-event", model.StageEvent{
		RunID:   e.runID,
		Stage:   stage,
		Status:  status,
		Message: message,
		Data:    data,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Result emits a diagnostic, non-stage event such as "retrieval-result",
// "outline-result" or "targeted-research-result".
func (e *Emitter) Result(name string, data any) {
	_ = e.stream.Emit(name, data)
}

// Fatal emits the terminal "fatal" diagnostic event carrying err's message.
func (e *Emitter) Fatal(err error) {
	_ = e.stream.Emit("fatal", map[string]string{"error": err.Error()})
}
