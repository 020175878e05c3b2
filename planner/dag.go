// Package planner is the compiler front-end (spec.md §4.5): it renders a
// prompt embedding the tool registry and a user utterance, obtains a
// single candidate DAG from an LLMClient, parses it, validates it against
// spec.md §3's invariants, and repairs malformed output up to a bounded
// number of attempts.
package planner

import (
	"github.com/smith-ai/smith/trace"
)

// OnFail is a DAG node's failure policy.
type OnFail string

const (
	OnFailHalt     OnFail = "halt"
	OnFailContinue OnFail = "continue"
)

// Node is a DAG Node (spec.md §3).
type Node struct {
	ID         int                    `json:"id"`
	Tool       string                 `json:"tool"`
	Function   string                 `json:"function,omitempty"`
	Inputs     map[string]trace.Value `json:"inputs"`
	DependsOn  []int                  `json:"depends_on"`
	Retry      int                    `json:"retry"`
	Timeout    float64                `json:"timeout"`
	OnFail     OnFail                 `json:"on_fail"`
	Purpose    string                 `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DAG is the Planner's output (spec.md §3 / §6 wire form).
type DAG struct {
	Nodes           []Node `json:"nodes"`
	FinalOutputNode int    `json:"final_output_node"`
}

// NodeByID returns the node with the given id, if present.
func (d *DAG) NodeByID(id int) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Error is a PlannerError (spec.md §4.5 point 6): fatal for the run,
// carries the last rejected candidate for debugging/repair context.
type Error struct {
	Reason        string
	LastCandidate string
}

func (e *Error) Error() string { return "planner failed: " + e.Reason }
