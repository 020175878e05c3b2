package planner

import "context"

// LLMClient is the two-method contract the Planner needs from the
// language-model collaborator. The LLM itself stays an opaque black box
// per spec.md §1 — this package never assumes anything about the provider
// beyond "give me text back for a prompt".
type LLMClient interface {
	// Generate produces a single candidate response for prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// Repair re-queries the model with the invalid candidate and the
	// validation error, asking for a corrected candidate.
	Repair(ctx context.Context, prompt, lastCandidate, validationError string) (string, error)
}
