package planner

import (
	"fmt"

	"github.com/smith-ai/smith/registry"
)

// checkAcyclic runs a DFS cycle check over depends_on edges, grounded on
// the teacher's detectCycle (visited/recStack) pattern generalized from a
// task-tree to a general DAG.
func checkAcyclic(nodes []Node, byID map[int]*Node) error {
	visited := make(map[int]bool, len(nodes))
	onStack := make(map[int]bool, len(nodes))

	var visit func(id int) error
	visit = func(id int) error {
		if onStack[id] {
			return fmt.Errorf("dependency cycle detected involving node %d", id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = true
		if n, ok := byID[id]; ok {
			for _, dep := range n.DependsOn {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		onStack[id] = false
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// checkSynthesisChaining enforces spec.md §4.5 point 4's narrative rule:
// when multiple nodes use a synthesis (LLM) tool — identified by
// descriptor Domain "synthesis" — each one after the first must depend on
// the previous, and final_output_node must itself be a synthesis node
// whenever more than one exists (a DAG with zero or one synthesis node
// trivially satisfies this).
func checkSynthesisChaining(dag *DAG, byID map[int]*Node, reg *registry.Registry) error {
	var synthesisIDs []int
	for _, n := range dag.Nodes {
		d, err := reg.Lookup(n.Tool)
		if err != nil {
			continue
		}
		if d.Domain == "synthesis" {
			synthesisIDs = append(synthesisIDs, n.ID)
		}
	}
	if len(synthesisIDs) <= 1 {
		return nil
	}
	for i := 1; i < len(synthesisIDs); i++ {
		n := byID[synthesisIDs[i]]
		prev := synthesisIDs[i-1]
		dependsOnPrev := false
		for _, dep := range n.DependsOn {
			if dep == prev {
				dependsOnPrev = true
				break
			}
		}
		if !dependsOnPrev {
			return fmt.Errorf("synthesis node %d must depend on prior synthesis node %d to enforce linear narrative composition", n.ID, prev)
		}
	}
	last := synthesisIDs[len(synthesisIDs)-1]
	if dag.FinalOutputNode != last {
		return fmt.Errorf("final_output_node must be the last synthesis node (%d) when multiple synthesis nodes exist", last)
	}
	return nil
}
