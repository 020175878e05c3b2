// Package smitherr defines the error taxonomy shared across the Smith DAG
// runtime: sentinel errors for errors.Is-style checks, and a CodedError
// wrapper for programmatic dispatch and structured log fields.
package smitherr

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks. Not every failure wraps one: the
// Planner returns its own *planner.Error, and the registry's construction
// errors are CodedErrors with no sentinel underneath.
var (
	// ErrToolNotFound means a DAG node or invocation referenced a tool name
	// absent from the registry.
	ErrToolNotFound = errors.New("tool not found in registry\n\n" +
		"Fix:\n" +
		"  1. Check the tool name matches a registered descriptor exactly\n" +
		"  2. Confirm the descriptor file was loaded before planning")

	// ErrValidation means a DAG failed structural or schema validation.
	ErrValidation = errors.New("DAG failed validation\n\n" +
		"Fix:\n" +
		"  1. Check node inputs against the tool's parameter_schema\n" +
		"  2. Check depends_on ids exist and form no cycle")

	// ErrPlannerFailed means the planner exhausted its repair budget without
	// producing a valid DAG.
	ErrPlannerFailed = errors.New("planner failed to produce a valid DAG\n\n" +
		"Fix:\n" +
		"  1. Inspect the last candidate attached to the PlannerError\n" +
		"  2. Increase MaxRepairAttempts if the model needed one more pass")

	// ErrBlocked means the orchestrator found no READY node while PENDING
	// nodes remain — a deadlock.
	ErrBlocked = errors.New("run blocked: no ready node with pending nodes remaining")

	// ErrHalted means a node's on_fail=halt termination ended the run early.
	ErrHalted = errors.New("run halted by on_fail=halt node")

	// ErrDepthExceeded means a sub-agent spawn was attempted past
	// max_subagent_depth.
	ErrDepthExceeded = errors.New("sub-agent depth exceeded\n\n" +
		"Fix:\n" +
		"  1. Raise RuntimeConfig.MaxSubagentDepth if recursion is expected\n" +
		"  2. Otherwise treat this as the recursion guard doing its job")

	// ErrApprovalDenied means an external approval callback rejected a
	// dangerous tool invocation.
	ErrApprovalDenied = errors.New("dangerous tool invocation denied by approver")

	// ErrCanceled means the caller's context was canceled while waiting on
	// a rate-limit token or resource lock.
	ErrCanceled = errors.New("operation canceled")

	// ErrFleetFailed means every peer of a fleet run ended in error, so
	// there is nothing left for the coordinator to synthesize.
	ErrFleetFailed = errors.New("fleet failed: all peers ended in error")
)

// Code is a machine-readable error code attached to a CodedError.
type Code string

const (
	CodePlannerFailed    Code = "PLANNER_FAILED"
	CodeToolError        Code = "TOOL_ERROR"
	CodeTimeout          Code = "TIMEOUT"
	CodeDependencyUnmet  Code = "DEPENDENCY_UNMET"
	CodeBlocked          Code = "BLOCKED"
	CodeDepthExceeded    Code = "DEPTH_EXCEEDED"
	CodeApprovalDenied   Code = "APPROVAL_DENIED"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeToolNotFound     Code = "TOOL_NOT_FOUND"
	CodeFleetFailed      Code = "FLEET_FAILED"
)

// Field is a structured key-value pair, mirrored from smithlog.Field so
// CodedError.LogFields can be passed straight to a Logger call without an
// import cycle between the two packages.
type Field struct {
	Key   string
	Value interface{}
}

// CodedError wraps an underlying error with a machine-readable code so
// callers can dispatch on Code without string-matching messages, while
// still supporting errors.Is/As through Unwrap.
type CodedError struct {
	Code      Code
	Message   string
	NodeID    int
	HasNodeID bool
	Err       error
}

// New creates a CodedError with no underlying cause.
func New(code Code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap creates a CodedError wrapping an underlying error.
func Wrap(code Code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// WithNode attaches the offending node id, returning the same error for
// chaining at the call site.
func (e *CodedError) WithNode(nodeID int) *CodedError {
	e.NodeID = nodeID
	e.HasNodeID = true
	return e
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap makes errors.Is(err, smitherr.ErrHalted) etc. work when a
// CodedError wraps a sentinel.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// LogFields converts a CodedError into structured fields suitable for a
// smithlog.Logger call (smithlog.Field has the identical shape; callers
// construct it directly from these values to avoid a dependency cycle).
func (e *CodedError) LogFields() []Field {
	fields := []Field{
		{Key: "error_code", Value: string(e.Code)},
		{Key: "error_message", Value: e.Message},
	}
	if e.HasNodeID {
		fields = append(fields, Field{Key: "node_id", Value: e.NodeID})
	}
	if e.Err != nil {
		fields = append(fields, Field{Key: "underlying_error", Value: e.Err.Error()})
	}
	return fields
}

// GetCode extracts the Code from err if it is (or wraps) a *CodedError.
func GetCode(err error) (Code, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}
