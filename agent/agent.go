package agent

import (
	"context"
	"fmt"
	"strings"
)

// Agent executes one delegated step.
type Agent interface {
	// Name returns the registry key of the agent.
	Name() string
	// Execute runs the request. Failures should be built with the error
	// constructors in this package so the orchestrator can classify them.
	Execute(ctx context.Context, req *Request) (Output, error)
}

// Request is the payload handed to an agent for one attempt of a step.
type Request struct {
	StepID         string `json:"step_id"`
	Description    string `json:"description,omitempty"`
	Intent         string `json:"intent"`
	ExpectedOutput string `json:"expected_output"`
	// Attempt is 1-based and counts every invocation of the step in this run.
	Attempt int `json:"attempt"`
	// Hint carries the previous failure when the step is reissued during
	// tactical recovery.
	Hint string `json:"hint,omitempty"`
}

// Prompt returns the intent with the recovery hint appended, if any.
func (r *Request) Prompt() string {
	if r.Hint == "" {
		return r.Intent
	}
	var sb strings.Builder
	sb.WriteString(r.Intent)
	sb.WriteString("\n\nThe previous attempt failed: ")
	sb.WriteString(r.Hint)
	sb.WriteString("\nAdjust the approach and try again.")
	return sb.String()
}

// OutputKind tags the variant of an Output.
type OutputKind int

const (
	OutputSuccess OutputKind = iota
	OutputRequiresApproval
)

func (k OutputKind) String() string {
	switch k {
	case OutputSuccess:
		return "success"
	case OutputRequiresApproval:
		return "requires_approval"
	default:
		return "unknown"
	}
}

// Output is the tagged result of an agent call: a final value, or a request
// for human approval.
type Output struct {
	Kind    OutputKind
	Value   any
	Message string
	Payload any
}

// Success wraps a final value.
func Success(value any) Output {
	return Output{Kind: OutputSuccess, Value: value}
}

// RequiresApproval asks the orchestrator to pause for a human decision.
func RequiresApproval(message string, payload any) Output {
	return Output{Kind: OutputRequiresApproval, Message: message, Payload: payload}
}

// NeedsApproval reports whether the output is an approval request.
func (o Output) NeedsApproval() bool {
	return o.Kind == OutputRequiresApproval
}

func (o Output) String() string {
	if o.NeedsApproval() {
		return fmt.Sprintf("requires_approval(%s)", o.Message)
	}
	return fmt.Sprintf("success(%v)", o.Value)
}

// Func adapts a function to the Agent interface.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, req *Request) (Output, error)
}

// NewFunc creates a function-backed agent.
func NewFunc(name string, fn func(ctx context.Context, req *Request) (Output, error)) *Func {
	return &Func{AgentName: name, Fn: fn}
}

func (f *Func) Name() string { return f.AgentName }

func (f *Func) Execute(ctx context.Context, req *Request) (Output, error) {
	return f.Fn(ctx, req)
}
