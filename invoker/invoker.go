// Package invoker implements the Tool Invoker (spec.md §4.4): executes one
// tool call under a deadline with a bounded, capped-backoff retry budget,
// gated by the rate limiter and resource lock manager, and emits a
// structured trace.Record.
package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/smith-ai/smith/ratelimit"
	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/reslock"
	"github.com/smith-ai/smith/smithlog"
	"github.com/smith-ai/smith/trace"
)

// ToolFunc is the opaque callable a function_id resolves to. Individual
// tool bodies are external collaborators (spec.md §1); the invoker only
// knows how to call one under a deadline and capture its result.
type ToolFunc func(ctx context.Context, inputs map[string]trace.Value) (trace.Value, error)

// Binding maps function_id to its callable, supplied by the embedding
// application at startup.
type Binding map[string]ToolFunc

// Backoff computes the delay before retry attempt n (0-indexed, i.e. the
// delay before the *second* attempt is Backoff(0)). The default is the
// teacher's `retryDelay * (1 << attempt)` shape, capped per spec.md §4.4 +
// SPEC_FULL.md §11's Open Question decision.
type Backoff func(attempt int) time.Duration

// DefaultBackoff is min(200ms * 2^attempt, 10s).
func DefaultBackoff(base, cap time.Duration) Backoff {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if cap <= 0 {
		cap = 10 * time.Second
	}
	return func(attempt int) time.Duration {
		d := base << attempt
		if d <= 0 || d > cap { // d<=0 guards against shift overflow
			return cap
		}
		return d
	}
}

// Invoker is the Tool Invoker.
type Invoker struct {
	bindings Binding
	limiter  ratelimit.Limiter
	locks    reslock.Manager
	backoff  Backoff
	logger   smithlog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

func WithBackoff(b Backoff) Option { return func(i *Invoker) { i.backoff = b } }
func WithLogger(l smithlog.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

func New(bindings Binding, limiter ratelimit.Limiter, locks reslock.Manager, opts ...Option) *Invoker {
	inv := &Invoker{
		bindings: bindings,
		limiter:  limiter,
		locks:    locks,
		backoff:  DefaultBackoff(0, 0),
		logger:   smithlog.Noop{},
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Invoke runs descriptor.FunctionID under nodeID's timeout/retry budget,
// gated by the rate limiter and resource lock, and returns a complete
// trace.Record. It never returns a Go error: every failure mode is
// captured as a terminal Status on the returned record, per spec.md §4.4.
func (inv *Invoker) Invoke(ctx context.Context, agentID string, nodeID int, d *registry.Descriptor, resolvedInputs map[string]trace.Value, retry int, timeout time.Duration) trace.Record {
	rec := trace.Record{
		NodeID:         nodeID,
		InputsResolved: resolvedInputs,
		StartTS:        time.Now(),
	}

	fn, ok := inv.bindings[d.FunctionID]
	if !ok {
		rec.Status = trace.StatusError
		rec.ErrorMessage = fmt.Sprintf("no callable bound for function_id %q", d.FunctionID)
		rec.EndTS = time.Now()
		return rec
	}

	// Rate-limit token acquired once per invocation, not per retry
	// (spec.md §4.4 point 8): retries share this one token.
	if inv.limiter != nil {
		if err := inv.limiter.Acquire(ctx, d.Name); err != nil {
			rec.Status = trace.StatusError
			rec.ErrorMessage = "rate limit wait canceled: " + err.Error()
			rec.EndTS = time.Now()
			return rec
		}
	}

	if inv.locks != nil && len(d.Resources) > 0 {
		if err := inv.locks.AcquireAll(ctx, agentID, d.Resources); err != nil {
			rec.Status = trace.StatusError
			rec.ErrorMessage = "resource lock wait canceled: " + err.Error()
			rec.EndTS = time.Now()
			return rec
		}
		defer inv.locks.ReleaseAll(agentID, d.Resources)
	}

	deadline := timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	nodeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	attempts := 0
	for {
		attempts++
		out, err, timedOut := inv.attempt(nodeCtx, fn, resolvedInputs)
		rec.Attempts = attempts

		if timedOut {
			rec.Status = trace.StatusTimeout
			rec.ErrorMessage = fmt.Sprintf("node timed out after %v", deadline)
			rec.EndTS = time.Now()
			return rec
		}
		if err == nil {
			rec.Status = trace.StatusSuccess
			rec.Output = out
			rec.EndTS = time.Now()
			return rec
		}

		inv.logger.Warn(nodeCtx, "tool attempt failed", smithlog.F("node_id", nodeID), smithlog.F("tool", d.Name), smithlog.F("attempt", attempts), smithlog.F("error", err.Error()))

		if attempts > retry { // retry is "additional" attempts per spec.md §4.4 point 4
			rec.Status = trace.StatusError
			rec.ErrorMessage = err.Error()
			rec.EndTS = time.Now()
			return rec
		}

		delay := inv.backoff(attempts - 1)
		select {
		case <-nodeCtx.Done():
			rec.Status = trace.StatusTimeout
			rec.ErrorMessage = fmt.Sprintf("node timed out after %v", deadline)
			rec.EndTS = time.Now()
			return rec
		case <-time.After(delay):
		}
	}
}

// attempt runs fn in a goroutine so a tool that hangs past its deadline
// doesn't block the caller, and recovers a panic into an error instead of
// crashing the worker pool.
func (inv *Invoker) attempt(ctx context.Context, fn ToolFunc, inputs map[string]trace.Value) (out trace.Value, err error, timedOut bool) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tool panicked: %v", r)
			}
			close(done)
		}()
		out, err = fn(ctx, inputs)
	}()

	select {
	case <-done:
		return out, err, false
	case <-ctx.Done():
		return trace.Null, ctx.Err(), true
	}
}
