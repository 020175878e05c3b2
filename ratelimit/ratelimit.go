// Package ratelimit implements the per-tool minimum-interval gate (spec.md
// §4.2): acquire(tool) blocks the caller until the next permitted
// invocation instant for that tool, then advances the instant by Δₜ.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smith-ai/smith/smitherr"
)

// Limiter gates per-tool invocation frequency. Tools without a configured
// interval are not gated (Acquire returns immediately).
type Limiter interface {
	// Acquire blocks the caller until tool's minimum interval has elapsed
	// since the previous acquisition, or ctx is canceled first.
	Acquire(ctx context.Context, tool string) error
	// SetInterval overrides (or sets) the minimum interval for tool,
	// callable at startup per spec.md §4.2 "overrideable per tool".
	SetInterval(tool string, interval time.Duration)
}

// InMemory is the default Limiter, grounded on the teacher's per-key
// token-bucket map with double-checked locking, but tuned to
// minimum-interval rather than sustained-rate semantics: burst=1 and
// rate.Every(interval) is x/time/rate's documented way to express "at
// most one event per interval", which is exactly Δₜ.
type InMemory struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewInMemory builds an empty in-memory limiter. Intervals are registered
// via SetInterval; a tool with no registered interval is never gated.
func NewInMemory() *InMemory {
	return &InMemory{limiters: make(map[string]*rate.Limiter)}
}

func (l *InMemory) SetInterval(tool string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval <= 0 {
		delete(l.limiters, tool)
		return
	}
	l.limiters[tool] = rate.NewLimiter(rate.Every(interval), 1)
}

func (l *InMemory) Acquire(ctx context.Context, tool string) error {
	l.mu.RLock()
	lim, gated := l.limiters[tool]
	l.mu.RUnlock()
	if !gated {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return smitherr.ErrCanceled
	}
	return nil
}
