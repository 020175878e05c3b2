package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smith-ai/smith/invoker"
	"github.com/smith-ai/smith/planner"
	"github.com/smith-ai/smith/ratelimit"
	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/reslock"
	"github.com/smith-ai/smith/smitherr"
	"github.com/smith-ai/smith/trace"
)

func testOrchestrator(t *testing.T, bindings invoker.Binding, opts ...Option) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg, err := registry.New([]*registry.Descriptor{
		{Name: "echo", FunctionID: "fn_echo", Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{"in": map[string]interface{}{"type": "string"}}, "required": []interface{}{},
		}},
		{Name: "fail", FunctionID: "fn_fail", Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{}, "required": []interface{}{},
		}},
		{Name: "danger", FunctionID: "fn_danger", Dangerous: true, Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{}, "required": []interface{}{},
		}},
		{Name: "slow", FunctionID: "fn_slow", Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{}, "required": []interface{}{},
		}},
	})
	require.NoError(t, err)

	inv := invoker.New(bindings, ratelimit.NewInMemory(), reslock.NewInMemory(nil))
	o := New(reg, inv, opts...)
	return o, reg
}

func node(id int, tool string, dependsOn []int, onFail planner.OnFail) planner.Node {
	return planner.Node{ID: id, Tool: tool, Inputs: map[string]trace.Value{}, DependsOn: dependsOn, OnFail: onFail}
}

func nodeRef(upstream int) trace.Value {
	return trace.Object(map[string]trace.Value{nodeRefKey: trace.Number(float64(upstream))})
}

// S1: linear success.
func TestRunLinearSuccess(t *testing.T) {
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("ok"), nil
		},
	}
	o, _ := testOrchestrator(t, bindings)
	dag := &planner.DAG{
		Nodes:           []planner.Node{node(0, "echo", nil, planner.OnFailHalt), node(1, "echo", []int{0}, planner.OnFailHalt)},
		FinalOutputNode: 1,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.True(t, res.HasFinalOutput)
	s, _ := res.FinalOutput.AsString()
	require.Equal(t, "ok", s)
}

// S2: fan-out/fan-in with dependency substitution.
func TestRunFanOutFanIn(t *testing.T) {
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			if v, ok := in["in"]; ok {
				if s, ok := v.AsString(); ok {
					return trace.String("combined:" + s), nil
				}
			}
			return trace.String("leaf"), nil
		},
	}
	o, _ := testOrchestrator(t, bindings, WithMaxConcurrentTools(4))
	dag := &planner.DAG{
		Nodes: []planner.Node{
			node(0, "echo", nil, planner.OnFailHalt),
			node(1, "echo", nil, planner.OnFailHalt),
			{ID: 2, Tool: "echo", Inputs: map[string]trace.Value{"in": nodeRef(0)}, DependsOn: []int{0, 1}, OnFail: planner.OnFailHalt},
		},
		FinalOutputNode: 2,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	s, _ := res.FinalOutput.AsString()
	require.Equal(t, "combined:leaf", s)
}

// S3: halt-on-failure cascade-skips downstream nodes.
func TestRunHaltCascadeSkip(t *testing.T) {
	bindings := invoker.Binding{
		"fn_fail": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.Null, errors.New("boom")
		},
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("ok"), nil
		},
	}
	o, _ := testOrchestrator(t, bindings)
	dag := &planner.DAG{
		Nodes: []planner.Node{
			node(0, "fail", nil, planner.OnFailHalt),
			node(1, "echo", []int{0}, planner.OnFailHalt),
		},
		FinalOutputNode: 1,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.ErrorIs(t, err, smitherr.ErrHalted)
	require.Equal(t, OutcomeHalted, res.Outcome)
	require.Equal(t, 0, res.HaltedAtNode)

	var sawSkip bool
	for _, rec := range res.Trace {
		if rec.NodeID == 1 {
			require.Equal(t, trace.StatusSkipped, rec.Status)
			sawSkip = true
		}
	}
	require.True(t, sawSkip)
}

// S4: continue-on-failure lets siblings and dependents proceed, with the
// failed dependency substituted as null.
func TestRunContinueOnFailure(t *testing.T) {
	bindings := invoker.Binding{
		"fn_fail": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.Null, errors.New("boom")
		},
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			v := in["in"]
			require.True(t, v.IsNull())
			return trace.String("tolerated"), nil
		},
	}
	o, _ := testOrchestrator(t, bindings)
	dag := &planner.DAG{
		Nodes: []planner.Node{
			node(0, "fail", nil, planner.OnFailContinue),
			{ID: 1, Tool: "echo", Inputs: map[string]trace.Value{"in": nodeRef(0)}, DependsOn: []int{0}, OnFail: planner.OnFailHalt},
		},
		FinalOutputNode: 1,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	s, _ := res.FinalOutput.AsString()
	require.Equal(t, "tolerated", s)
}

// S5: a node that exceeds its timeout ends Status=timeout with exactly one
// attempt recorded, and does not retry past the deadline.
func TestRunTimeoutNoRetry(t *testing.T) {
	bindings := invoker.Binding{
		"fn_slow": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			select {
			case <-time.After(5 * time.Second):
				return trace.String("too late"), nil
			case <-ctx.Done():
				return trace.Null, ctx.Err()
			}
		},
	}
	o, _ := testOrchestrator(t, bindings, WithDefaults(2, 50*time.Millisecond))
	dag := &planner.DAG{
		Nodes:           []planner.Node{node(0, "slow", nil, planner.OnFailHalt)},
		FinalOutputNode: 0,
	}
	start := time.Now()
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.ErrorIs(t, err, smitherr.ErrHalted)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, OutcomeHalted, res.Outcome)
	require.Len(t, res.Trace, 1)
	require.Equal(t, trace.StatusTimeout, res.Trace[0].Status)
	require.Equal(t, 1, res.Trace[0].Attempts)
}

// Dangerous tool nodes are gated per-node by the approval callback
// (SPEC_FULL.md §11 Open Question #2), not just once per run.
func TestRunApprovalGatesEveryDangerousNode(t *testing.T) {
	var calls int32
	bindings := invoker.Binding{
		"fn_danger": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("done"), nil
		},
	}
	approve := func(n planner.Node, d *registry.Descriptor) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	}
	o, _ := testOrchestrator(t, bindings, WithApproval(true, approve))
	dag := &planner.DAG{
		Nodes: []planner.Node{
			node(0, "danger", nil, planner.OnFailHalt),
			node(1, "danger", []int{0}, planner.OnFailHalt),
		},
		FinalOutputNode: 1,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRunApprovalDenialHaltsNode(t *testing.T) {
	bindings := invoker.Binding{
		"fn_danger": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("done"), nil
		},
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("ok"), nil
		},
	}
	deny := func(n planner.Node, d *registry.Descriptor) (bool, error) { return false, nil }
	o, _ := testOrchestrator(t, bindings, WithApproval(true, deny))
	dag := &planner.DAG{
		Nodes: []planner.Node{
			node(0, "danger", nil, planner.OnFailHalt),
			node(1, "echo", []int{0}, planner.OnFailHalt),
		},
		FinalOutputNode: 1,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.ErrorIs(t, err, smitherr.ErrHalted)
	require.Equal(t, OutcomeHalted, res.Outcome)
}

// Sequential mode (max_concurrent_tools=1) runs nodes one at a time, in
// smallest-ready-id-first order, even when several become ready together.
func TestRunSequentialModeOrdersById(t *testing.T) {
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("ok"), nil
		},
	}
	o, _ := testOrchestrator(t, bindings, WithMaxConcurrentTools(1))
	dag := &planner.DAG{
		Nodes: []planner.Node{
			node(0, "echo", nil, planner.OnFailHalt),
			node(2, "echo", []int{0}, planner.OnFailHalt),
			node(1, "echo", []int{0}, planner.OnFailHalt),
		},
		FinalOutputNode: 1,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	ids := make([]int, len(res.Trace))
	for i, r := range res.Trace {
		ids[i] = r.NodeID
	}
	require.Equal(t, []int{0, 1, 2}, ids)
}

// WithEvents publishes tool_start/tool_complete per node and final_answer
// once the run succeeds (spec.md §6's live engine event stream).
func TestRunPublishesToolAndFinalAnswerEvents(t *testing.T) {
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("ok"), nil
		},
	}
	var mu sync.Mutex
	var events []trace.Event
	sink := func(ev trace.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	o, _ := testOrchestrator(t, bindings, WithEvents(sink))
	dag := &planner.DAG{
		Nodes:           []planner.Node{node(0, "echo", nil, planner.OnFailHalt)},
		FinalOutputNode: 0,
	}
	res, err := o.Run(context.Background(), "agent-1", dag)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	mu.Lock()
	defer mu.Unlock()
	var kinds []trace.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Contains(t, kinds, trace.EventToolStart)
	require.Contains(t, kinds, trace.EventToolComplete)
	require.Contains(t, kinds, trace.EventFinalAnswer)
}

// WithEvents publishes an error event on a halted run.
func TestRunPublishesErrorEventOnHalt(t *testing.T) {
	bindings := invoker.Binding{
		"fn_fail": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.Null, errors.New("boom")
		},
	}
	var mu sync.Mutex
	var events []trace.Event
	sink := func(ev trace.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	o, _ := testOrchestrator(t, bindings, WithEvents(sink))
	dag := &planner.DAG{
		Nodes:           []planner.Node{node(0, "fail", nil, planner.OnFailHalt)},
		FinalOutputNode: 0,
	}
	_, err := o.Run(context.Background(), "agent-1", dag)
	require.ErrorIs(t, err, smitherr.ErrHalted)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range events {
		if ev.Kind == trace.EventError {
			found = true
		}
	}
	require.True(t, found)
}
