// Package concurrency provides the bounded-concurrency primitives shared by
// every stage that fans work out across goroutines: a cancellable counting
// semaphore and a fixed-parallelism worker pool.
package concurrency

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is raised when a semaphore acquisition or pool task is
// cancelled before it could proceed.
var ErrAborted = errors.New("aborted")

// ReleaseFunc restores one permit to the semaphore it came from. It is
// idempotent: calling it more than once has no additional effect.
type ReleaseFunc func()

// Semaphore is a counting semaphore with FIFO waiter fairness and
// cancellable acquisition.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	waiters  []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. A capacity below
// 1 is clamped to 1, since every caller of this package needs at least one
// slot of concurrency to make progress.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// Acquire blocks until a permit is available or ctx is cancelled. On success
// it returns a ReleaseFunc that must be called exactly once to give the
// permit back.
func (s *Semaphore) Acquire(ctx context.Context) (ReleaseFunc, error) {
	s.mu.Lock()
	if s.capacity > 0 {
		s.capacity--
		s.mu.Unlock()
		return s.releaseOnce(), nil
	}

	wait := make(chan struct{})
	s.waiters = append(s.waiters, wait)
	s.mu.Unlock()

	select {
	case <-wait:
		return s.releaseOnce(), nil
	case <-ctx.Done():
		// wait may have already been closed by a concurrent releaseOnce
		// handing the permit off right as ctx was cancelled; the select
		// above can pick either ready case nondeterministically. Check
		// first so a handed-off permit is passed on, not silently dropped.
		select {
		case <-wait:
			return s.releaseOnce(), nil
		default:
		}
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == wait {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return nil, ErrAborted
	}
}

// releaseOnce returns a ReleaseFunc that is safe to invoke more than once;
// only the first call has an effect.
func (s *Semaphore) releaseOnce() ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if len(s.waiters) > 0 {
				next := s.waiters[0]
				s.waiters = s.waiters[1:]
				s.mu.Unlock()
				close(next)
				return
			}
			s.capacity++
			s.mu.Unlock()
		})
	}
}

// Available reports the number of permits currently free, for tests.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}
