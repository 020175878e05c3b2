package planner

import (
	"fmt"
	"strings"

	"github.com/smith-ai/smith/registry"
)

const systemPromptTemplate = `You are Smith's planner. Compile the user request below into a single
directed acyclic graph (DAG) of tool invocations. Output ONLY valid JSON in
this exact shape (no markdown, no extra text):

{
  "nodes": [
    { "id": 0, "tool": "<tool name>", "inputs": {...},
      "depends_on": [], "retry": 0, "timeout": 30,
      "on_fail": "halt", "metadata": {"purpose": "..."} }
  ],
  "final_output_node": 0
}

Rules:
1. Every "tool" must be one of the tools listed below, referenced by exact name.
2. Every input key must appear in that tool's parameter schema; every
   required key must be present.
3. Never put a template placeholder like {{...}} inside an input value. To
   feed one node's output into a downstream node's input, set that input
   value to the object {"$node_output": <id>}, where <id> is the producing
   node's id — e.g. {"text": {"$node_output": 0}}. Every node that uses a
   "$node_output" reference to node X must also list X in its depends_on.
4. "id" must be dense, starting at 0, and depends_on must reference only
   smaller ids.
5. "final_output_node" must name a node id present in "nodes".

AVAILABLE TOOLS:
%s

USER REQUEST:
%s`

// BuildPrompt renders the system prompt embedding the full registry (name,
// parameter schema, purpose, safety/resource flags) plus the utterance,
// per spec.md §4.5 point 1.
func BuildPrompt(reg *registry.Registry, utterance string) string {
	var b strings.Builder
	for _, d := range reg.ListAll() {
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %v\n", d.Name, d.Description, d.Parameters)
		if d.Dangerous {
			b.WriteString("  dangerous: true\n")
		}
		if len(d.Resources) > 0 {
			fmt.Fprintf(&b, "  resources: %v\n", d.Resources)
		}
	}
	return fmt.Sprintf(systemPromptTemplate, b.String(), utterance)
}
