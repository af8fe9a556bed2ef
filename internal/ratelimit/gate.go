// Package ratelimit implements the Rate-Limited LLM Gate (C1): a
// sliding-window request budget kept per API key, wrapping LLM calls with
// transient-failure retries and exponential backoff. Model-tier fallback is
// done by the caller (internal/llmclient), not here.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"briefly/internal/concurrency"
	"briefly/internal/logger"
)

// window is how far back request timestamps are kept before being pruned.
const window = 60 * time.Second

// maxKeys bounds the LRU cache of per-key state.
const maxKeys = 32

// ClampRPM forces rpm into [1, 10] regardless of its configured source.
func ClampRPM(rpm int) int {
	if rpm < 1 {
		return 1
	}
	if rpm > 10 {
		return 10
	}
	return rpm
}

// clampRPM is kept as an unexported alias for in-package call sites.
func clampRPM(rpm int) int { return ClampRPM(rpm) }

// keyState is the per-API-key sliding window, guarded by its own mutex so
// the gate never holds a global lock across a sleep or an LLM call.
type keyState struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastUsed   time.Time
}

// Gate enforces per-key request budgets and wraps LLM invocations with
// retry/backoff.
type Gate struct {
	mu    sync.Mutex
	keys  map[string]*keyState
	order []string // LRU order, most-recently-used at the end
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{
		keys:  make(map[string]*keyState),
		now:   time.Now,
		sleep: cancellableSleep,
	}
}

func cancellableSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return concurrency.ErrAborted
	}
}

// stateFor returns the keyState for apiKey, creating it and evicting the
// least-recently-used entry if the cache is at capacity.
func (g *Gate) stateFor(apiKey string) *keyState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ks, ok := g.keys[apiKey]; ok {
		g.touch(apiKey)
		return ks
	}

	if len(g.keys) >= maxKeys {
		lru := g.order[0]
		g.order = g.order[1:]
		delete(g.keys, lru)
	}

	ks := &keyState{lastUsed: g.now()}
	g.keys[apiKey] = ks
	g.order = append(g.order, apiKey)
	return ks
}

func (g *Gate) touch(apiKey string) {
	for i, k := range g.order {
		if k == apiKey {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.order = append(g.order, apiKey)
}

// reserve performs the check-and-reserve protocol from spec §4.1: atomically
// (per key) prune stale timestamps, and either reserve a slot immediately
// or compute how long to wait before the oldest timestamp ages out.
func (g *Gate) reserve(ctx context.Context, apiKey string, rpm int) error {
	rpm = clampRPM(rpm)
	ks := g.stateFor(apiKey)

	for {
		ks.mu.Lock()
		now := g.now()
		cutoff := now.Add(-window)
		pruned := ks.timestamps[:0]
		for _, ts := range ks.timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		ks.timestamps = pruned

		if len(ks.timestamps) < rpm {
			ks.timestamps = append(ks.timestamps, now)
			ks.mu.Unlock()
			return nil
		}

		oldest := ks.timestamps[0]
		waitFor := oldest.Add(window).Sub(now)
		ks.mu.Unlock()

		if waitFor < 0 {
			waitFor = 0
		}
		if err := g.sleep(ctx, waitFor); err != nil {
			return err
		}
	}
}

// transientPattern matches error messages that should be retried.
var transientPattern = regexp.MustCompile(`(?i)quota|unavailable|overload|temporar`)

// IsTransient reports whether err represents a retryable upstream failure:
// HTTP 429/503, a message matching quota/unavailable/overload/temporar, or
// an error explicitly marking itself transient (e.g. an empty LLM response).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		if code == 429 || code == 503 {
			return true
		}
	}
	var marked interface{ Transient() bool }
	if errors.As(err, &marked) && marked.Transient() {
		return true
	}
	return transientPattern.MatchString(err.Error())
}

// RetryHint extracts a server-provided retry-after duration from an error's
// detail, if present. Returns ok=false when no hint is parseable.
func RetryHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

const maxAttempts = 5

// backoff computes the exponential backoff with jitter for the given
// attempt (0-indexed), unless a server-provided hint overrides it.
func backoff(attempt int, hint time.Duration, hintOK bool) time.Duration {
	if hintOK {
		return hint
	}
	base := time.Duration(1000*pow2(attempt)) * time.Millisecond
	if base > 60_000*time.Millisecond {
		base = 60_000 * time.Millisecond
	}
	jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
	return base + jitter
}

func pow2(n int) int64 {
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}

// Call is a single LLM invocation attempt, already bound to one model tier.
type Call func(ctx context.Context) (string, error)

// Invoke runs call up to maxAttempts times, reserving a slot in apiKey's
// sliding window before each attempt, with exponential backoff (or a
// server-provided retry hint) between attempts. Non-transient errors abort
// immediately. Cancellation raises concurrency.ErrAborted; a cancelled
// wait adds no reservation. Model-tier fallback is the caller's concern
// (the Structured LLM Client iterates models across its own attempt budget,
// each attempt routed through this single-model Invoke). Every attempt
// takes its own reservation, so the window counts each request sent
// upstream, whichever model tier it went to.
func (g *Gate) Invoke(ctx context.Context, apiKey string, rpm int, call Call) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", concurrency.ErrAborted
		}

		if err := g.reserve(ctx, apiKey, rpm); err != nil {
			return "", err
		}

		text, err := call(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return "", err
		}
		if attempt == maxAttempts-1 {
			break
		}

		hint, hintOK := RetryHint(err)
		wait := backoff(attempt, hint, hintOK)
		logger.Warn("llm call transient failure, retrying", "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err.Error())
		if err := g.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", lastErr
}
