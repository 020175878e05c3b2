package planner

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/trace"
)

var templatePlaceholder = regexp.MustCompile(`\{\{.*?\}\}`)

// Validate checks a candidate DAG against every invariant of spec.md §3
// plus the hard-gate rules of §4.5 point 4. It returns the first
// violation found, formatted for use as both a user-facing PlannerError
// reason and a repair-loop directive.
func Validate(dag *DAG, reg *registry.Registry) error {
	if len(dag.Nodes) == 0 {
		return fmt.Errorf("DAG has no nodes")
	}

	seen := make(map[int]*Node, len(dag.Nodes))
	for i := range dag.Nodes {
		n := &dag.Nodes[i]
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %d", n.ID)
		}
		seen[n.ID] = n
	}

	// Dense numbering from 0 (spec.md §3 DAG Node).
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for i, id := range ids {
		if id != i {
			return fmt.Errorf("node ids must be dense starting at 0; got %v", ids)
		}
	}

	for _, n := range dag.Nodes {
		if err := validateNode(n, seen, reg); err != nil {
			return err
		}
	}

	if err := checkAcyclic(dag.Nodes, seen); err != nil {
		return err
	}

	if _, ok := seen[dag.FinalOutputNode]; !ok {
		return fmt.Errorf("final_output_node %d does not exist", dag.FinalOutputNode)
	}

	if err := checkSynthesisChaining(dag, seen, reg); err != nil {
		return err
	}

	return nil
}

func validateNode(n Node, all map[int]*Node, reg *registry.Registry) error {
	dependsOn := make(map[int]bool, len(n.DependsOn))
	for _, dep := range n.DependsOn {
		if dep == n.ID {
			return fmt.Errorf("node %d depends on itself", n.ID)
		}
		if _, ok := all[dep]; !ok {
			return fmt.Errorf("node %d depends_on missing node %d", n.ID, dep)
		}
		dependsOn[dep] = true
	}

	d, err := reg.Lookup(n.Tool)
	if err != nil {
		return fmt.Errorf("node %d: tool %q not found in registry", n.ID, n.Tool)
	}

	required := d.RequiredParams()
	reqSet := make(map[string]bool, len(required))
	for _, r := range required {
		reqSet[r] = true
	}

	for key, val := range n.Inputs {
		declType, known := d.ParamType(key)
		if !known {
			return fmt.Errorf("node %d: input %q not in tool %q's parameter_schema", n.ID, key, n.Tool)
		}
		if s, ok := val.AsString(); ok && templatePlaceholder.MatchString(s) {
			return fmt.Errorf("node %d: input %q contains a literal template placeholder; use depends_on instead", n.ID, key)
		}
		if refID, isRef := nodeOutputRef(val); isRef {
			if _, ok := all[refID]; !ok {
				return fmt.Errorf("node %d: input %q references output of missing node %d", n.ID, key, refID)
			}
			if !dependsOn[refID] {
				return fmt.Errorf("node %d: input %q references node %d's output but does not depend_on it", n.ID, key, refID)
			}
			// The referenced node's output type is only known at runtime
			// (registry.Descriptor has no output schema), so the static
			// type check is deferred; the orchestrator substitutes the
			// real value, or trace.Null on upstream failure, before invoke.
		} else if !typeCompatible(declType, val) {
			return fmt.Errorf("node %d: input %q does not match declared type %q", n.ID, key, declType)
		}
		delete(reqSet, key)
	}
	if len(reqSet) > 0 {
		missing := make([]string, 0, len(reqSet))
		for k := range reqSet {
			missing = append(missing, k)
		}
		sort.Strings(missing)
		return fmt.Errorf("node %d: missing required input(s) %v for tool %q", n.ID, missing, n.Tool)
	}

	switch n.OnFail {
	case OnFailHalt, OnFailContinue:
	default:
		return fmt.Errorf("node %d: on_fail must be halt or continue, got %q", n.ID, n.OnFail)
	}

	return nil
}

// nodeOutputRefKey mirrors orchestrator.nodeRefKey: the wire convention for
// a structural cross-node data reference, {"$node_output": <id>}. Kept as
// a separate literal here (not imported) since orchestrator depends on
// planner, not the other way around.
const nodeOutputRefKey = "$node_output"

// nodeOutputRef reports whether val is a {"$node_output": <id>} reference
// and, if so, the referenced node id.
func nodeOutputRef(val trace.Value) (int, bool) {
	obj, ok := val.AsObject()
	if !ok {
		return 0, false
	}
	refVal, ok := obj[nodeOutputRefKey]
	if !ok {
		return 0, false
	}
	id, ok := refVal.AsFloat64()
	if !ok {
		return 0, false
	}
	return int(id), true
}

// typeCompatible allows the "modest coercion" spec.md §4.5 asks for:
// integer values decoded as JSON numbers already satisfy "integer" or
// "number" declarations either way.
func typeCompatible(declType string, v trace.Value) bool {
	switch declType {
	case "string":
		_, ok := v.AsString()
		return ok
	case "number", "integer":
		_, ok := v.AsFloat64()
		return ok
	case "boolean":
		_, ok := v.AsBool()
		return ok
	case "array":
		_, ok := v.AsArray()
		return ok
	case "object":
		_, ok := v.AsObject()
		return ok
	default:
		return true
	}
}
