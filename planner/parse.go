package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parse strips markdown code fences (grounded on the teacher's
// parseTasks markdown-cleanup step) and unmarshals the remainder into a
// DAG.
func Parse(response string) (*DAG, error) {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var dag DAG
	if err := json.Unmarshal([]byte(cleaned), &dag); err != nil {
		return nil, fmt.Errorf("parse candidate JSON: %w", err)
	}
	if len(dag.Nodes) == 0 {
		return nil, fmt.Errorf("candidate DAG has no nodes")
	}

	for i := range dag.Nodes {
		if p, ok := dag.Nodes[i].Metadata["purpose"].(string); ok {
			dag.Nodes[i].Purpose = p
		}
		if dag.Nodes[i].OnFail == "" {
			dag.Nodes[i].OnFail = OnFailHalt
		}
	}
	return &dag, nil
}
