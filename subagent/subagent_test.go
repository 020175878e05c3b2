package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smith-ai/smith/invoker"
	"github.com/smith-ai/smith/ratelimit"
	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/reslock"
	"github.com/smith-ai/smith/smitherr"
	"github.com/smith-ai/smith/trace"
)

// scriptedLLM always returns the same single-node DAG referencing "echo",
// regardless of the utterance, so tests can drive sub-agent plans
// deterministically without a real model.
type scriptedLLM struct {
	dag string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return s.dag, nil
}
func (s *scriptedLLM) Repair(ctx context.Context, prompt, lastCandidate, validationErr string) (string, error) {
	return s.dag, nil
}

const echoDAG = `{"nodes":[{"id":0,"tool":"echo","inputs":{},"depends_on":[],"on_fail":"halt"}],"final_output_node":0}`

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]*registry.Descriptor{
		{Name: "echo", FunctionID: "fn_echo", Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{}, "required": []interface{}{},
		}},
		{Name: SubAgentToolName, FunctionID: "fn_sub_agent", Parameters: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{"task": map[string]interface{}{"type": "string"}}, "required": []interface{}{"task"},
		}},
	})
	require.NoError(t, err)
	return reg
}

func TestSpawnRunsNestedOrchestratorAndReturnsOutput(t *testing.T) {
	reg := testRegistry(t)
	llm := &scriptedLLM{dag: echoDAG}
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("leaf"), nil
		},
	}
	c := New(reg, llm, bindings, ratelimit.NewInMemory(), reslock.NewInMemory(nil), WithMaxDepth(3))
	bindings["fn_sub_agent"] = c.Tool()

	out, err := c.Spawn(context.Background(), "root", "do the thing")
	require.NoError(t, err)
	s, ok := out.AsString()
	require.True(t, ok)
	require.Equal(t, "leaf", s)
}

func TestSpawnRejectsPastMaxDepth(t *testing.T) {
	reg := testRegistry(t)
	llm := &scriptedLLM{dag: echoDAG}
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("leaf"), nil
		},
	}
	c := New(reg, llm, bindings, ratelimit.NewInMemory(), reslock.NewInMemory(nil), WithMaxDepth(1))
	bindings["fn_sub_agent"] = c.Tool()

	c.register("root/child", "root", "first", 1)

	_, err := c.Spawn(context.Background(), "root/child", "go deeper")
	require.Error(t, err)
	require.True(t, errors.Is(err, smitherr.ErrDepthExceeded))
}

func TestSpawnSerializesConcurrentCalls(t *testing.T) {
	reg := testRegistry(t)
	llm := &scriptedLLM{dag: echoDAG}

	var active, maxActive int64
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			n := atomic.AddInt64(&active, 1)
			for {
				cur := atomic.LoadInt64(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt64(&maxActive, cur, n) {
					break
				}
			}
			atomic.AddInt64(&active, -1)
			return trace.String("leaf"), nil
		},
	}
	c := New(reg, llm, bindings, ratelimit.NewInMemory(), reslock.NewInMemory(nil), WithMaxDepth(3))
	bindings["fn_sub_agent"] = c.Tool()

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func(n int) {
			_, _ = c.Spawn(context.Background(), "root", fmt.Sprintf("task-%d", n))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	require.LessOrEqual(t, atomic.LoadInt64(&maxActive), int64(1))
}

func TestRunFleetSynthesizesSuccessfulPeers(t *testing.T) {
	reg := testRegistry(t)
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.String("leaf"), nil
		},
	}
	fleetLLM := &fleetScriptedLLM{subtasksJSON: `{"subtasks":["a","b"]}`, synthesis: "combined answer", dag: echoDAG}
	c := New(reg, fleetLLM, bindings, ratelimit.NewInMemory(), reslock.NewInMemory(nil), WithMaxFleetSize(3))
	bindings["fn_sub_agent"] = c.Tool()

	res, err := c.RunFleet(context.Background(), "fleet-1", "do two things")
	require.NoError(t, err)
	require.Len(t, res.Peers, 2)
	require.True(t, res.HasFinalOutput)
	s, _ := res.FinalOutput.AsString()
	require.Equal(t, "combined answer", s)
}

func TestRunFleetAllPeersFailedReturnsError(t *testing.T) {
	reg := testRegistry(t)
	bindings := invoker.Binding{
		"fn_echo": func(ctx context.Context, in map[string]trace.Value) (trace.Value, error) {
			return trace.Null, errors.New("boom")
		},
	}
	fleetLLM := &fleetScriptedLLM{subtasksJSON: `{"subtasks":["a"]}`, dag: echoDAG}
	c := New(reg, fleetLLM, bindings, ratelimit.NewInMemory(), reslock.NewInMemory(nil), WithMaxFleetSize(3))
	bindings["fn_sub_agent"] = c.Tool()

	// With on_fail=halt the single echo node's failure halts the peer's
	// run, so the peer slot ends in error.
	res, err := c.RunFleet(context.Background(), "fleet-2", "do one failing thing")
	require.Error(t, err)
	require.True(t, errors.Is(err, smitherr.ErrFleetFailed))
	require.Len(t, res.Peers, 1)
	require.Equal(t, trace.StatusError, res.Peers[0].Status)
}

// fleetScriptedLLM distinguishes the decompose prompt, the synthesis
// prompt, and an ordinary per-peer Planner prompt by content, since fleet
// peers run concurrently and a call-count-based script would race.
type fleetScriptedLLM struct {
	subtasksJSON string
	synthesis    string
	dag          string
}

func (f *fleetScriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "decomposing a goal"):
		return f.subtasksJSON, nil
	case strings.Contains(prompt, "synthesizing the results"):
		return f.synthesis, nil
	default:
		return f.dag, nil
	}
}
func (f *fleetScriptedLLM) Repair(ctx context.Context, prompt, lastCandidate, validationErr string) (string, error) {
	return f.dag, nil
}
