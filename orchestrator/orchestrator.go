// Package orchestrator implements the Orchestrator/Scheduler (spec.md
// §4.6): topologically executes a validated DAG, driving the Tool Invoker
// while honoring per-node on_fail policy, maintaining a single-writer
// trace, and supporting bounded-parallel or sequential execution.
//
// Grounded on other_examples' dag_scheduler.go (Kahn's-algorithm ready
// queue, worker-pool semaphore, cascade-skip BFS, deadlock detection).
// Sequential mode is the same scheduling loop with a worker pool of
// capacity 1; there is no separate dependency-level batching path.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smith-ai/smith/invoker"
	"github.com/smith-ai/smith/planner"
	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/smitherr"
	"github.com/smith-ai/smith/smithlog"
	"github.com/smith-ai/smith/trace"
)

// Outcome is the terminal disposition of a Run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeHalted  Outcome = "halted"
	OutcomeBlocked Outcome = "blocked"
)

// Result is everything a Run produces.
type Result struct {
	Outcome         Outcome
	Trace           []trace.Record
	FinalOutput     trace.Value
	HasFinalOutput  bool
	HaltedAtNode    int
}

// ApprovalFunc gates a dangerous tool invocation. Approval scope is
// per-node per SPEC_FULL.md §11 Open Question #2: every dangerous node
// invocation calls this, not just the first one in a DAG.
type ApprovalFunc func(node planner.Node, descriptor *registry.Descriptor) (bool, error)

// Orchestrator executes validated DAGs against a fixed registry/invoker.
type Orchestrator struct {
	registry           *registry.Registry
	invoker            *invoker.Invoker
	maxConcurrentTools int
	requireApproval    bool
	approve            ApprovalFunc
	defaultRetry       int
	defaultTimeout     time.Duration
	logger             smithlog.Logger
	events             trace.EventSink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMaxConcurrentTools(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrentTools = n
		}
	}
}
func WithApproval(requireApproval bool, fn ApprovalFunc) Option {
	return func(o *Orchestrator) { o.requireApproval = requireApproval; o.approve = fn }
}
func WithDefaults(retry int, timeout time.Duration) Option {
	return func(o *Orchestrator) { o.defaultRetry = retry; o.defaultTimeout = timeout }
}
func WithLogger(l smithlog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvents attaches the engine event sink spec.md §6 describes: Run
// publishes `tool_start`/`tool_complete` per node and `final_answer` or
// `error` once the run reaches a terminus.
func WithEvents(sink trace.EventSink) Option { return func(o *Orchestrator) { o.events = sink } }

func New(reg *registry.Registry, inv *invoker.Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:           reg,
		invoker:            inv,
		maxConcurrentTools: 1,
		defaultTimeout:     30 * time.Second,
		logger:             smithlog.Noop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// nodeState tracks the runtime status of one node, guarded by the
// scheduler's single mutex (spec.md §5 "scheduler is single-writer over
// per-node state").
type nodeState struct {
	node   planner.Node
	status trace.Status
}

// run holds the mutable state of one Run invocation so an Orchestrator
// itself stays reusable/concurrency-safe across calls.
type run struct {
	mu         sync.Mutex
	states     map[int]*nodeState
	downstream map[int][]int // upstream id -> dependent ids
	inDegree   map[int]int
	ready      []int // sorted ascending; smallest id first is popped
	active     int
	builder    *trace.Builder
	haltedAt   int
	halted     bool
}

// agentIDKey is the context key Run uses to make the current agent id
// reachable from inside a ToolFunc (e.g. the subagent package's sub_agent
// binding, which needs to know whose invocation it is nested under).
type agentIDKey struct{}

// ContextWithAgentID attaches id so AgentIDFromContext can recover it from
// any context derived from ctx, including the per-node timeout contexts
// the Tool Invoker constructs.
func ContextWithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, id)
}

// AgentIDFromContext recovers the agent id Run attached to ctx, if any.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(agentIDKey{}).(string)
	return id, ok
}

// Run executes dag to completion (or to a halt/blocked terminus),
// dispatching nodes through the Tool Invoker under the agent id agentID
// (used for resource-lock ownership and reentrancy).
func (o *Orchestrator) Run(ctx context.Context, agentID string, dag *planner.DAG) (*Result, error) {
	ctx = ContextWithAgentID(ctx, agentID)
	r := &run{
		states:     make(map[int]*nodeState, len(dag.Nodes)),
		downstream: make(map[int][]int),
		inDegree:   make(map[int]int),
		builder:    trace.NewBuilder(),
	}

	for _, n := range dag.Nodes {
		r.states[n.ID] = &nodeState{node: n, status: trace.StatusPending}
		r.inDegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			r.downstream[dep] = append(r.downstream[dep], n.ID)
		}
	}
	for id, deg := range r.inDegree {
		if deg == 0 {
			r.ready = append(r.ready, id)
		}
	}
	sort.Ints(r.ready)

	sem := make(chan struct{}, o.maxConcurrentTools)
	var wg sync.WaitGroup

	for {
		r.mu.Lock()
		if r.halted && r.active == 0 {
			r.mu.Unlock()
			break
		}
		if len(r.ready) == 0 {
			if r.active == 0 {
				pending := r.countPending()
				r.mu.Unlock()
				if pending == 0 {
					break // everything terminal — run complete
				}
				wg.Wait()
				return o.finish(r, OutcomeBlocked, dag), smitherr.ErrBlocked
			}
			r.mu.Unlock()
			// Workers are in flight; wait briefly for one to free a ready slot.
			select {
			case <-ctx.Done():
				wg.Wait()
				return o.finish(r, OutcomeBlocked, dag), ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}

		// Deterministic node selection: smallest id first among READY.
		id := r.ready[0]
		r.ready = r.ready[1:]
		r.states[id].status = trace.StatusRunning
		r.active++
		r.mu.Unlock()

		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			wg.Wait()
			return o.finish(r, OutcomeBlocked, dag), ctx.Err()
		}
		go func(nodeID int) {
			defer wg.Done()
			defer func() { <-sem }()
			o.runNode(ctx, agentID, r, nodeID)
		}(id)
	}

	wg.Wait()
	if r.halted {
		return o.finish(r, OutcomeHalted, dag), smitherr.ErrHalted
	}
	return o.finish(r, OutcomeSuccess, dag), nil
}

func (r *run) countPending() int {
	n := 0
	for _, s := range r.states {
		if s.status == trace.StatusPending {
			n++
		}
	}
	return n
}

func (o *Orchestrator) finish(r *run, outcome Outcome, dag *planner.DAG) *Result {
	res := &Result{Outcome: outcome, Trace: r.builder.Snapshot()}
	r.mu.Lock()
	if s, ok := r.states[dag.FinalOutputNode]; ok && s.status == trace.StatusSuccess {
		for _, rec := range res.Trace {
			if rec.NodeID == dag.FinalOutputNode {
				res.FinalOutput = rec.Output
				res.HasFinalOutput = true
				break
			}
		}
	}
	if r.halted {
		res.HaltedAtNode = r.haltedAt
	}
	r.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		if res.HasFinalOutput {
			trace.Publish(o.events, trace.Event{Kind: trace.EventFinalAnswer, Response: res.FinalOutput})
		}
	case OutcomeHalted:
		trace.Publish(o.events, trace.Event{Kind: trace.EventError, Message: "run halted", Details: fmt.Sprintf("node %d", res.HaltedAtNode)})
	case OutcomeBlocked:
		trace.Publish(o.events, trace.Event{Kind: trace.EventError, Message: "run blocked", Details: "no ready node with pending nodes remaining"})
	}
	return res
}

// runNode resolves inputs, gates on approval, invokes the tool, commits the
// record, and propagates the terminal outcome to downstream nodes.
func (o *Orchestrator) runNode(ctx context.Context, agentID string, r *run, nodeID int) {
	r.mu.Lock()
	node := r.states[nodeID].node
	r.mu.Unlock()

	d, err := o.registry.Lookup(node.Tool)
	if err != nil {
		rec := trace.Record{NodeID: nodeID, Status: trace.StatusError, ErrorMessage: err.Error(), StartTS: time.Now(), EndTS: time.Now()}
		r.builder.Commit(rec)
		o.settle(ctx, r, nodeID, trace.StatusError)
		return
	}

	inputs := o.resolveInputs(r, node)

	trace.Publish(o.events, trace.Event{Kind: trace.EventToolStart, NodeID: nodeID, Tool: node.Tool})

	if o.requireApproval && d.Dangerous {
		approved := true
		if o.approve != nil {
			approved, err = o.approve(node, d)
		}
		if err != nil || !approved {
			msg := "dangerous tool invocation denied by approver"
			if err != nil {
				msg = err.Error()
			}
			rec := trace.Record{NodeID: nodeID, InputsResolved: inputs, Status: trace.StatusError, ErrorMessage: msg, StartTS: time.Now(), EndTS: time.Now()}
			r.builder.Commit(rec)
			trace.Publish(o.events, trace.Event{Kind: trace.EventToolComplete, NodeID: nodeID, Tool: node.Tool, Status: trace.StatusError})
			o.settle(ctx, r, nodeID, trace.StatusError)
			return
		}
	}

	retry := node.Retry
	timeout := time.Duration(node.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	rec := o.invoker.Invoke(ctx, agentID, nodeID, d, inputs, retry, timeout)
	r.builder.Commit(rec)
	trace.Publish(o.events, trace.Event{Kind: trace.EventToolComplete, NodeID: nodeID, Tool: node.Tool, Status: rec.Status, Duration: rec.EndTS.Sub(rec.StartTS)})
	o.settle(ctx, r, nodeID, rec.Status)
}

// nodeRefKey is the wire convention a node input uses to reference an
// upstream node's output by id: {"$node_output": <id>}. This keeps
// dependency flow structural (graph edges) rather than the textual
// {{...}} interpolation spec.md §4.5 forbids.
const nodeRefKey = "$node_output"

func (o *Orchestrator) resolveInputs(r *run, node planner.Node) map[string]trace.Value {
	resolved := make(map[string]trace.Value, len(node.Inputs))
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, v := range node.Inputs {
		obj, isObj := v.AsObject()
		if isObj {
			if refVal, ok := obj[nodeRefKey]; ok {
				if refID, ok := refVal.AsFloat64(); ok {
					resolved[key] = o.lookupOutput(r, int(refID))
					continue
				}
			}
		}
		resolved[key] = v
	}
	return resolved
}

// lookupOutput returns the referenced node's committed output, or
// trace.Null if that dependency did not end successfully (spec.md §4.6
// "Dependency semantics": missing upstream output becomes null and the
// tool must tolerate it).
func (o *Orchestrator) lookupOutput(r *run, refID int) trace.Value {
	s, ok := r.states[refID]
	if !ok || s.status != trace.StatusSuccess {
		return trace.Null
	}
	for _, rec := range r.builder.Snapshot() {
		if rec.NodeID == refID {
			return rec.Output
		}
	}
	return trace.Null
}

// settle records nodeID's terminal status and advances the schedule:
// on on_fail=halt failures, remaining pending/ready nodes are cascade-
// skipped and the run transitions to halted; otherwise dependents are
// unblocked normally, regardless of whether nodeID succeeded.
func (o *Orchestrator) settle(ctx context.Context, r *run, nodeID int, status trace.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.states[nodeID]
	s.status = status
	r.active--

	failed := status == trace.StatusError || status == trace.StatusTimeout
	if failed && s.node.OnFail == planner.OnFailHalt {
		r.halted = true
		r.haltedAt = nodeID
		o.cascadeSkip(r, nodeID)
		// A halt ends the whole run: nodes outside the failed node's
		// downstream cone that have not started are skipped as well.
		var rest []int
		for id, st := range r.states {
			if st.status == trace.StatusPending {
				rest = append(rest, id)
			}
		}
		sort.Ints(rest)
		for _, id := range rest {
			r.states[id].status = trace.StatusSkipped
			r.builder.Commit(trace.Record{NodeID: id, Status: trace.StatusSkipped, ErrorMessage: fmt.Sprintf("skipped: node %d halted the run", nodeID), StartTS: time.Now(), EndTS: time.Now()})
		}
		r.ready = nil
		return
	}

	for _, depID := range r.downstream[nodeID] {
		r.inDegree[depID]--
		if r.inDegree[depID] == 0 && r.states[depID].status == trace.StatusPending {
			r.ready = append(r.ready, depID)
			sort.Ints(r.ready)
		}
	}
}

// cascadeSkip marks every node reachable from failedID still PENDING as
// SKIPPED, and removes any of them that had already entered the ready
// queue — grounded on dag_scheduler.go's cascadeSkip BFS.
func (o *Orchestrator) cascadeSkip(r *run, failedID int) {
	queue := []int{failedID}
	visited := map[int]bool{}
	skipped := map[int]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		for _, down := range r.downstream[cur] {
			s := r.states[down]
			if s.status == trace.StatusPending {
				s.status = trace.StatusSkipped
				skipped[down] = true
				r.builder.Commit(trace.Record{
					NodeID:       down,
					Status:       trace.StatusSkipped,
					ErrorMessage: fmt.Sprintf("skipped: upstream node %d halted the run", failedID),
					StartTS:      time.Now(),
					EndTS:        time.Now(),
				})
				queue = append(queue, down)
			}
		}
	}

	if len(skipped) == 0 {
		return
	}
	remaining := r.ready[:0:0]
	for _, id := range r.ready {
		if !skipped[id] {
			remaining = append(remaining, id)
		}
	}
	r.ready = remaining
}
