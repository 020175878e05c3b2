// Package subagent implements the Sub-Agent and Fleet Coordinator
// patterns (spec.md §4.7): two higher-level constructs built entirely on
// top of an Orchestrator/Planner pair rather than new scheduling
// primitives. A sub-agent is a full nested Orchestrator invocation spawned
// from inside a tool call, subject to a depth bound and a process-wide
// serialization gate; a fleet is a one-shot parallel peer-agent pattern
// driven by LLM decomposition and synthesis.
//
// Grounded on the teacher's planner_decomposer.go Decompose/validate
// pattern for the Fleet's goal→N-subtasks step, and on the Orchestrator
// itself for spawning nested runs.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smith-ai/smith/invoker"
	"github.com/smith-ai/smith/orchestrator"
	"github.com/smith-ai/smith/planner"
	"github.com/smith-ai/smith/ratelimit"
	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/reslock"
	"github.com/smith-ai/smith/smitherr"
	"github.com/smith-ai/smith/smithlog"
	"github.com/smith-ai/smith/trace"
)

// SubAgentToolName is the reserved tool name that, when invoked, spawns a
// nested Orchestrator run rather than calling out to an external
// collaborator (spec.md §4.7).
const SubAgentToolName = "sub_agent"

// Coordinator owns the shared collaborators every spawned sub-agent or
// fleet peer reuses (registry, LLM client, tool bindings, rate limiter,
// lock manager) plus the state spec.md §3 calls the Agent State tree and
// the process-wide serialization gate.
type Coordinator struct {
	registry *registry.Registry
	llm      planner.LLMClient
	bindings invoker.Binding
	limiter  ratelimit.Limiter
	locks    reslock.Manager
	logger   smithlog.Logger

	maxDepth     int
	maxFleetSize int

	requireApproval bool
	approve         orchestrator.ApprovalFunc
	defaultRetry    int
	defaultTimeout  float64 // seconds; 0 means use the orchestrator's own default

	// gate is the process-wide sub-agent serialization semaphore (spec.md
	// §5 "global counting semaphore with capacity 1"). Fleet peers do NOT
	// acquire this for their own top-level run — only nested sub_agent
	// calls within any run do, peer or not.
	gate chan struct{}

	mu     sync.Mutex
	states map[string]*trace.AgentState
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithMaxDepth(n int) Option { return func(c *Coordinator) { c.maxDepth = n } }
func WithMaxFleetSize(n int) Option {
	return func(c *Coordinator) { c.maxFleetSize = n }
}
func WithApproval(requireApproval bool, fn orchestrator.ApprovalFunc) Option {
	return func(c *Coordinator) { c.requireApproval = requireApproval; c.approve = fn }
}
func WithRetryDefaults(retry int, timeoutSeconds float64) Option {
	return func(c *Coordinator) { c.defaultRetry = retry; c.defaultTimeout = timeoutSeconds }
}
func WithLogger(l smithlog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a Coordinator. maxDepth defaults to 3 and maxFleetSize to 5,
// spec.md §6's stated defaults.
func New(reg *registry.Registry, llm planner.LLMClient, bindings invoker.Binding, limiter ratelimit.Limiter, locks reslock.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:     reg,
		llm:          llm,
		bindings:     bindings,
		limiter:      limiter,
		locks:        locks,
		logger:       smithlog.Noop{},
		maxDepth:     3,
		maxFleetSize: 5,
		gate:         make(chan struct{}, 1),
		states:       make(map[string]*trace.AgentState),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterRoot establishes agentID as a depth-0 root of the agent state
// tree so that sub-agents spawned from its DAG nodes are measured against
// max_subagent_depth from a known origin.
func (c *Coordinator) RegisterRoot(agentID, task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[agentID] = &trace.AgentState{AgentID: agentID, Depth: 0, Task: task, Status: trace.StatusRunning}
}

func (c *Coordinator) depthOf(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[agentID]; ok {
		return s.Depth
	}
	return 0 // unknown parent treated as the implicit root
}

func (c *Coordinator) register(agentID, parentID, task string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[agentID] = &trace.AgentState{
		AgentID: agentID, ParentID: parentID, HasParent: true,
		Depth: depth, Task: task, Status: trace.StatusRunning,
	}
}

func (c *Coordinator) settle(agentID string, status trace.Status, result trace.Value, hasResult bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[agentID]; ok {
		s.Status = status
		s.Result = result
		s.HasResult = hasResult
	}
}

// State returns a snapshot of the agent state tree node for agentID, used
// by callers inspecting the trace after a run.
func (c *Coordinator) State(agentID string) (trace.AgentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[agentID]
	if !ok {
		return trace.AgentState{}, false
	}
	return *s, true
}

// Tool returns the invoker.ToolFunc to bind under SubAgentToolName. It
// reads the parent agent id out of ctx (Orchestrator.Run attaches it) and
// expects a string "task" input.
func (c *Coordinator) Tool() invoker.ToolFunc {
	return func(ctx context.Context, inputs map[string]trace.Value) (trace.Value, error) {
		task, ok := inputs["task"].AsString()
		if !ok || task == "" {
			return trace.Null, fmt.Errorf("sub_agent requires a non-empty string \"task\" input")
		}
		parentID, ok := orchestrator.AgentIDFromContext(ctx)
		if !ok {
			parentID = "root"
		}
		return c.Spawn(ctx, parentID, task)
	}
}

// Spawn runs task as a full nested Orchestrator invocation under
// parentID, enforcing the depth bound and the serialization gate
// (spec.md §4.7). On failure it returns the underlying error unchanged
// (ErrDepthExceeded, a context error, a *planner.Error, or the nested
// Orchestrator's ErrHalted/ErrBlocked); when called from the sub_agent
// ToolFunc, the Tool Invoker records it as a node failure, and the parent
// DAG's on_fail policy takes it from there.
func (c *Coordinator) Spawn(ctx context.Context, parentID, task string) (trace.Value, error) {
	depth := c.depthOf(parentID) + 1
	if depth > c.maxDepth {
		return trace.Null, fmt.Errorf("%w: depth %d exceeds max_subagent_depth %d", smitherr.ErrDepthExceeded, depth, c.maxDepth)
	}

	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return trace.Null, ctx.Err()
	}
	defer func() { <-c.gate }()

	childID := parentID + "/" + uuid.NewString()
	c.register(childID, parentID, task, depth)

	res, err := c.runOne(ctx, childID, task)
	if err != nil {
		c.settle(childID, trace.StatusError, trace.Null, false)
		return trace.Null, err
	}
	c.settle(childID, trace.StatusSuccess, res.FinalOutput, res.HasFinalOutput)
	return res.FinalOutput, nil
}

// runOne plans and executes a single utterance end to end, shared across
// Spawn and fleet peers. A spawned sub-agent (depth >= 1) runs against a
// registry scoped to exclude sub_agent, bounding recursion structurally,
// not just by depth counter; a depth-0 fleet peer keeps sub_agent so its
// own nested calls go through Spawn's gate and depth bound.
func (c *Coordinator) runOne(ctx context.Context, agentID, task string) (*orchestrator.Result, error) {
	scoped := c.registry
	if c.depthOf(agentID) > 0 {
		scoped = c.registry.WithoutTool(SubAgentToolName)
	}
	p := planner.New(scoped, c.llm, planner.WithLogger(c.logger))
	dag, err := p.Plan(ctx, task)
	if err != nil {
		return nil, err
	}

	inv := invoker.New(c.bindings, c.limiter, c.locks, invoker.WithLogger(c.logger))
	orchOpts := []orchestrator.Option{
		orchestrator.WithApproval(c.requireApproval, c.approve),
		orchestrator.WithLogger(c.logger),
	}
	if c.defaultTimeout > 0 {
		orchOpts = append(orchOpts, orchestrator.WithDefaults(c.defaultRetry, secondsToDuration(c.defaultTimeout)))
	}
	orch := orchestrator.New(scoped, inv, orchOpts...)

	res, err := orch.Run(ctx, agentID, dag)
	if err != nil {
		return res, err
	}
	return res, nil
}

func secondsToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
