package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownTool is returned by Registry.Execute when no handler is
// registered under the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// Kind classifies a tool failure.
type Kind int

const (
	KindInvalidArguments Kind = iota + 1
	KindExecutionFailed
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArguments:
		return "InvalidArguments"
	case KindExecutionFailed:
		return "ExecutionFailed"
	case KindUnreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// ToolError is the error every handler failure is reported as.
// It is never turn-fatal: the completion loop turns it into a tool result.
type ToolError struct {
	Kind Kind
	Tool string // set by the registry
	Err  error
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("tool execution failed for '%s': %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// InvalidArgs reports arguments that don't match the request shape or fail
// a business rule. The model gets the message and may retry.
func InvalidArgs(format string, args ...any) error {
	return &ToolError{Kind: KindInvalidArguments, Err: fmt.Errorf(format, args...)}
}

// Failed reports a downstream failure inside a handler.
func Failed(err error) error {
	return &ToolError{Kind: KindExecutionFailed, Err: err}
}

// Unreachable reports that a downstream service could not be reached at all
// (network error, timeout).
func Unreachable(err error) error {
	return &ToolError{Kind: KindUnreachable, Err: err}
}

// asToolError normalizes any handler error into a *ToolError tagged with
// the tool name.
func asToolError(name string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		out := *te
		out.Tool = name
		return &out
	}
	kind := KindExecutionFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindUnreachable
	}
	return &ToolError{Kind: kind, Tool: name, Err: err}
}

// failure is the JSON shape of a failed tool result.
type failure struct {
	FailureKind string `json:"failureKind"`
	Reason      string `json:"reason"`
}

// Payload serializes err into the structured result handed back to the model
// in place of a normal tool response.
func Payload(name string, err error) json.RawMessage {
	f := failure{FailureKind: "UnknownTool", Reason: err.Error()}
	if !errors.Is(err, ErrUnknownTool) {
		te := asToolError(name, err)
		f = failure{FailureKind: te.Kind.String(), Reason: te.Error()}
	}
	b, _ := json.Marshal(f)
	return b
}
