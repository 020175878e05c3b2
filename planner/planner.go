package planner

import (
	"context"
	"fmt"

	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/smithlog"
	"github.com/smith-ai/smith/trace"
)

// Planner is the compiler front-end described in spec.md §4.5.
type Planner struct {
	registry          *registry.Registry
	llm               LLMClient
	maxRepairAttempts int
	logger            smithlog.Logger
	events            trace.EventSink
}

// Option configures a Planner.
type Option func(*Planner)

func WithMaxRepairAttempts(n int) Option { return func(p *Planner) { p.maxRepairAttempts = n } }
func WithLogger(l smithlog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEvents attaches the engine event sink spec.md §6 describes: Plan
// publishes `planning` before generation starts and `plan_complete` once a
// candidate validates.
func WithEvents(sink trace.EventSink) Option { return func(p *Planner) { p.events = sink } }

// New builds a Planner. maxRepairAttempts defaults to 3, the upper end of
// spec.md §4.5's "typically 2–3 repairs".
func New(reg *registry.Registry, llm LLMClient, opts ...Option) *Planner {
	p := &Planner{registry: reg, llm: llm, maxRepairAttempts: 3, logger: smithlog.Noop{}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Plan compiles utterance into a validated DAG, per the pipeline in
// spec.md §4.5: prompt assembly → generation → parse → validation →
// bounded repair loop → Ok(DAG) | PlannerError.
func (p *Planner) Plan(ctx context.Context, utterance string) (*DAG, error) {
	trace.Publish(p.events, trace.Event{Kind: trace.EventPlanning})

	prompt := BuildPrompt(p.registry, utterance)

	candidate, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("generation failed: %v", err)}
	}

	dag, validationErr := p.parseAndValidate(candidate)
	if validationErr == nil {
		p.publishPlanComplete(dag)
		return dag, nil
	}

	p.logger.Warn(ctx, "planner candidate failed validation, entering repair loop",
		smithlog.F("error", validationErr.Error()))

	lastCandidate := candidate
	lastErr := validationErr
	for attempt := 0; attempt < p.maxRepairAttempts; attempt++ {
		repaired, err := p.llm.Repair(ctx, prompt, lastCandidate, lastErr.Error())
		if err != nil {
			return nil, &Error{Reason: fmt.Sprintf("repair generation failed: %v", err), LastCandidate: lastCandidate}
		}

		dag, validationErr = p.parseAndValidate(repaired)
		if validationErr == nil {
			p.logger.Info(ctx, "planner repair succeeded", smithlog.F("attempt", attempt+1))
			p.publishPlanComplete(dag)
			return dag, nil
		}

		p.logger.Warn(ctx, "planner repair attempt still invalid",
			smithlog.F("attempt", attempt+1), smithlog.F("error", validationErr.Error()))
		lastCandidate = repaired
		lastErr = validationErr
	}

	return nil, &Error{Reason: lastErr.Error(), LastCandidate: lastCandidate}
}

func (p *Planner) publishPlanComplete(dag *DAG) {
	tools := make([]string, len(dag.Nodes))
	for i, n := range dag.Nodes {
		tools[i] = n.Tool
	}
	trace.Publish(p.events, trace.Event{Kind: trace.EventPlanComplete, NumNodes: len(dag.Nodes), Tools: tools})
}

func (p *Planner) parseAndValidate(candidate string) (*DAG, error) {
	dag, err := Parse(candidate)
	if err != nil {
		return nil, err
	}
	if err := Validate(dag, p.registry); err != nil {
		return nil, err
	}
	return dag, nil
}
