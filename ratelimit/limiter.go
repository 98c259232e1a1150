package ratelimit

import (
	"context"
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Rolling-window call budget for the venue API
// ═══════════════════════════════════════════════════════════════════════════════
//
// Calls are never dropped, only delayed until the oldest timestamp
// leaves the window. State is in-memory on purpose: a burst right
// after a restart is acceptable, a persisted window is not worth it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Limiter bounds callers to maxCalls per rolling window.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    []time.Time

	nowFn func() time.Time
}

// NewLimiter creates a rolling-window limiter.
func NewLimiter(maxCalls int, window time.Duration) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		calls:    make([]time.Time, 0, maxCalls),
		nowFn:    time.Now,
	}
}

// SetNowFn overrides the time provider (useful for tests).
func (l *Limiter) SetNowFn(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	l.nowFn = fn
}

// Acquire blocks until a call may proceed without exceeding the budget,
// then records the call. Returns early with ctx.Err() on shutdown.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.nowFn()
		l.prune(now)

		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest call exits the window, then re-check.
		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Len returns the number of calls currently inside the window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.nowFn())
	return len(l.calls)
}

// prune drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
