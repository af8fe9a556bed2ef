// Package runctx defines the per-request RunContext: the run identifier,
// topic and recency window, and the deadline-bearing cancellation context
// shared by every pipeline stage.
package runctx

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"
)

// idEncoding produces short, URL-safe, lowercase identifiers.
var idEncoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// NewID returns a short random URL-safe identifier, used for runId and
// clusterId values. Not cryptographically sensitive; just collision-resistant
// enough for a single run's lifetime.
func NewID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal for the process; fall back
		// to a fixed-but-unique-enough value rather than panic mid-request.
		return strings.ToLower(time.Now().Format("150405.000000000"))
	}
	return idEncoding.EncodeToString(buf)
}

// RunContext is created at request entry and destroyed when the response
// stream closes.
type RunContext struct {
	RunID        string
	Topic        string
	RecencyHours int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a RunContext with a deadline derived from totalBudget. Callers
// must call Cancel when the run ends (normally or on error) to release the
// underlying context.
func New(parent context.Context, topic string, recencyHours int, totalBudget time.Duration) *RunContext {
	ctx, cancel := context.WithTimeout(parent, totalBudget)
	return &RunContext{
		RunID:        NewID(),
		Topic:        topic,
		RecencyHours: recencyHours,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context returns the cancellation-bearing context for this run.
func (r *RunContext) Context() context.Context {
	return r.ctx
}

// Cancel aborts the run's context. Safe to call multiple times.
func (r *RunContext) Cancel() {
	r.cancel()
}

// Done returns the channel that closes when the run is cancelled or its
// deadline elapses.
func (r *RunContext) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Err reports why the run's context ended, or nil if it hasn't.
func (r *RunContext) Err() error {
	return r.ctx.Err()
}
