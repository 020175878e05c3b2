// Package reslock implements the Resource Lock Manager (spec.md §4.3):
// named mutual-exclusion registry with reentrancy by agent id and
// deadlock-avoidant lexicographic acquisition ordering.
package reslock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smith-ai/smith/smithlog"
)

// Manager acquires and releases named resources for an agent.
type Manager interface {
	// AcquireAll sorts resources lexicographically and acquires each in
	// turn, blocking until held. An agent already holding a resource
	// re-acquires it without blocking (reentrancy).
	AcquireAll(ctx context.Context, agentID string, resources []string) error
	// ReleaseAll releases every resource in resources that agentID holds.
	// Must be paired with a prior AcquireAll on every exit path.
	ReleaseAll(agentID string, resources []string)
}

type resourceState struct {
	mu      sync.Mutex
	holder  string
	held    bool
	depth   int // reentrancy count for the current holder
}

// InMemory is the default Manager: a map of per-resource mutex-like state
// guarded by reentrancy bookkeeping, grounded on the teacher's
// mutex-per-unit concurrency style in builder_execution.go/tool_parallel.go.
type InMemory struct {
	logger smithlog.Logger

	mu        sync.Mutex
	resources map[string]*resourceState
}

func NewInMemory(logger smithlog.Logger) *InMemory {
	if logger == nil {
		logger = smithlog.Noop{}
	}
	return &InMemory{logger: logger, resources: make(map[string]*resourceState)}
}

func (m *InMemory) stateFor(name string) *resourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.resources[name]
	if !ok {
		s = &resourceState{}
		m.resources[name] = s
	}
	return s
}

func (m *InMemory) AcquireAll(ctx context.Context, agentID string, resources []string) error {
	sorted := sortedCopy(resources)
	acquired := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if err := m.acquireOne(ctx, agentID, name); err != nil {
			m.ReleaseAll(agentID, acquired)
			return err
		}
		acquired = append(acquired, name)
	}
	return nil
}

func (m *InMemory) acquireOne(ctx context.Context, agentID, name string) error {
	s := m.stateFor(name)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.mu.Lock()
		if !s.held {
			s.held = true
			s.holder = agentID
			s.depth = 1
			s.mu.Unlock()
			m.logger.Debug(ctx, "resource acquired", smithlog.F("resource", name), smithlog.F("agent_id", agentID))
			return nil
		}
		if s.holder == agentID {
			s.depth++
			s.mu.Unlock()
			m.logger.Debug(ctx, "resource re-acquired (reentrant)", smithlog.F("resource", name), smithlog.F("agent_id", agentID), smithlog.F("depth", s.depth))
			return nil
		}
		s.mu.Unlock()
		// Short poll interval; the scheduler's worker pool already bounds
		// how many goroutines can be waiting here at once.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *InMemory) ReleaseAll(agentID string, resources []string) {
	for _, name := range resources {
		m.releaseOne(agentID, name)
	}
}

func (m *InMemory) releaseOne(agentID, name string) {
	m.mu.Lock()
	s, ok := m.resources[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || s.holder != agentID {
		return
	}
	s.depth--
	if s.depth <= 0 {
		s.held = false
		s.holder = ""
		s.depth = 0
		m.logger.Debug(context.Background(), "resource released", smithlog.F("resource", name), smithlog.F("agent_id", agentID))
	}
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
