package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/smith-ai/smith/smitherr"
	"github.com/smith-ai/smith/trace"
)

// PeerResult is one fleet peer's outcome (spec.md §4.7 point 3: "their
// slots in the result vector carry status=error" on individual failure).
type PeerResult struct {
	SubTask      string
	Status       trace.Status
	Output       trace.Value
	ErrorMessage string
	Duration     time.Duration
}

// FleetDurationStats summarizes peer wall-clock time, wired through
// gonum/stat for the mean/stddev spec.md's trace model doesn't itself
// compute but an embedding application's observability layer would want.
type FleetDurationStats struct {
	MeanSeconds   float64
	StdDevSeconds float64
}

// FleetResult is the Fleet Coordinator's output: every peer's outcome plus
// the language model's synthesis of the successful ones.
type FleetResult struct {
	Peers          []PeerResult
	FinalOutput    trace.Value
	HasFinalOutput bool
	DurationStats  FleetDurationStats
}

const fleetDecomposePromptTemplate = `You are decomposing a goal into independent parallel sub-tasks for a fleet of peer agents.

GOAL: %s

Output ONLY valid JSON in this exact format (no markdown, no extra text), with at most %d sub-tasks:
{"subtasks": ["first independent sub-task", "second independent sub-task"]}

Each sub-task must be independently executable with no dependency on another sub-task's result.`

const fleetSynthesizePromptTemplate = `You are synthesizing the results of %d peer agents that each worked on an
independent sub-task of the goal: %s

Peer results:
%s

Write a single coherent final answer combining the successful peer results.
Note where a peer failed instead of inventing a result for it.`

// RunFleet decomposes goal into at most max_fleet_size independent
// sub-tasks, runs each as a peer agent in a bounded worker pool (spec.md
// §4.7's fleet pattern — peers are NOT routed through the sub-agent
// serialization gate themselves; only nested sub_agent calls inside a
// peer's own DAG are), and asks the language model to synthesize the
// peer outputs into one final answer.
func (c *Coordinator) RunFleet(ctx context.Context, fleetAgentID, goal string) (*FleetResult, error) {
	subtasks, err := c.decompose(ctx, goal)
	if err != nil {
		return nil, err
	}

	peers := make([]PeerResult, len(subtasks))
	sem := make(chan struct{}, c.maxFleetSize)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, task := range subtasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, st string) {
			defer wg.Done()
			defer func() { <-sem }()

			peerID := fmt.Sprintf("%s/peer%02d", fleetAgentID, idx)
			c.register(peerID, fleetAgentID, st, 0)

			start := time.Now()
			res, err := c.runOne(ctx, peerID, st)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				peers[idx] = PeerResult{SubTask: st, Status: trace.StatusError, ErrorMessage: err.Error(), Duration: elapsed}
				c.settle(peerID, trace.StatusError, trace.Null, false)
				return
			}
			peers[idx] = PeerResult{SubTask: st, Status: trace.StatusSuccess, Output: res.FinalOutput, Duration: elapsed}
			c.settle(peerID, trace.StatusSuccess, res.FinalOutput, res.HasFinalOutput)
		}(i, task)
	}
	wg.Wait()

	result := &FleetResult{Peers: peers, DurationStats: durationStats(peers)}

	anySucceeded := false
	for _, p := range peers {
		if p.Status == trace.StatusSuccess {
			anySucceeded = true
			break
		}
	}
	if !anySucceeded {
		return result, fmt.Errorf("%w: %d peers attempted", smitherr.ErrFleetFailed, len(peers))
	}

	synthesized, err := c.synthesize(ctx, goal, peers)
	if err != nil {
		return result, err
	}
	result.FinalOutput = trace.String(synthesized)
	result.HasFinalOutput = true
	return result, nil
}

func durationStats(peers []PeerResult) FleetDurationStats {
	if len(peers) == 0 {
		return FleetDurationStats{}
	}
	secs := make([]float64, len(peers))
	for i, p := range peers {
		secs[i] = p.Duration.Seconds()
	}
	mean := stat.Mean(secs, nil)
	var stddev float64
	if len(secs) > 1 {
		stddev = stat.StdDev(secs, nil)
	}
	return FleetDurationStats{MeanSeconds: mean, StdDevSeconds: stddev}
}

type fleetSubtasksResponse struct {
	Subtasks []string `json:"subtasks"`
}

// decompose asks the language model to split goal into independent
// sub-tasks, grounded on the teacher's Decomposer.Decompose/parseTasks
// prompt-then-parse-then-validate shape, simplified from a dependency
// tree to a flat list since fleet peers must be independent by contract.
func (c *Coordinator) decompose(ctx context.Context, goal string) ([]string, error) {
	prompt := fmt.Sprintf(fleetDecomposePromptTemplate, goal, c.maxFleetSize)
	response, err := c.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("fleet decomposition failed: %w", err)
	}

	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var parsed fleetSubtasksResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("fleet decomposition produced invalid JSON: %w", err)
	}
	if len(parsed.Subtasks) == 0 {
		return nil, fmt.Errorf("fleet decomposition produced no sub-tasks")
	}
	if len(parsed.Subtasks) > c.maxFleetSize {
		parsed.Subtasks = parsed.Subtasks[:c.maxFleetSize]
	}
	return parsed.Subtasks, nil
}

func (c *Coordinator) synthesize(ctx context.Context, goal string, peers []PeerResult) (string, error) {
	var b strings.Builder
	for i, p := range peers {
		if p.Status == trace.StatusSuccess {
			s, _ := p.Output.AsString()
			fmt.Fprintf(&b, "%d. [ok] %s -> %s\n", i+1, p.SubTask, s)
		} else {
			fmt.Fprintf(&b, "%d. [failed] %s -> %s\n", i+1, p.SubTask, p.ErrorMessage)
		}
	}
	prompt := fmt.Sprintf(fleetSynthesizePromptTemplate, len(peers), goal, b.String())
	return c.llm.Generate(ctx, prompt)
}
