package trace

import "time"

// EventKind tags the six engine event kinds spec.md §6 defines for the
// CLI/API surface's ordered event stream.
type EventKind string

const (
	EventPlanning     EventKind = "planning"
	EventPlanComplete EventKind = "plan_complete"
	EventToolStart    EventKind = "tool_start"
	EventToolComplete EventKind = "tool_complete"
	EventFinalAnswer  EventKind = "final_answer"
	EventError        EventKind = "error"
)

// Event is one entry of the engine event stream: a closed sum type over
// the six kinds above, one payload shape each. Only the fields relevant to
// Kind are populated; the rest are the zero value.
type Event struct {
	Kind EventKind

	// plan_complete
	NumNodes int
	Tools    []string

	// tool_start / tool_complete
	NodeID   int
	Tool     string
	Status   Status
	Duration time.Duration

	// final_answer
	Response Value

	// error
	Message string
	Details string
}

// EventSink receives engine events as they happen. Publish must not block
// indefinitely on a slow or absent consumer; callers typically pass a
// buffered channel wrapped in a function, or nil to discard events.
type EventSink func(Event)

// Publish calls sink(ev), tolerating a nil sink so publishers never need a
// nil check at the call site.
func Publish(sink EventSink, ev Event) {
	if sink != nil {
		sink(ev)
	}
}
