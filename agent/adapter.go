package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================
// Text agent adapter
// Bridges plain prompt-in/text-out executors (LLM clients, CLI
// wrappers) to the Agent interface.
// ============================================================

// TextFunc is a prompt-in, text-out executor.
type TextFunc func(ctx context.Context, prompt string) (string, error)

// TextAgent wraps a TextFunc as an Agent.
type TextAgent struct {
	name         string
	fn           TextFunc
	outputMapper func(string) (any, error)
	approval     func(string) (string, bool)
}

// TextAgentOption configures a TextAgent.
type TextAgentOption func(*TextAgent)

// WithOutputMapper sets a function to transform the raw text into the
// context value.
func WithOutputMapper(mapper func(string) (any, error)) TextAgentOption {
	return func(a *TextAgent) { a.outputMapper = mapper }
}

// WithApprovalMarker pauses the run whenever the output starts with marker;
// the remainder of the text becomes the approval message.
func WithApprovalMarker(marker string) TextAgentOption {
	return func(a *TextAgent) {
		a.approval = func(out string) (string, bool) {
			trimmed := strings.TrimSpace(out)
			if !strings.HasPrefix(trimmed, marker) {
				return "", false
			}
			return strings.TrimSpace(strings.TrimPrefix(trimmed, marker)), true
		}
	}
}

// NewTextAgent creates a TextAgent.
func NewTextAgent(name string, fn TextFunc, opts ...TextAgentOption) *TextAgent {
	a := &TextAgent{name: name, fn: fn}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Agent.
func (a *TextAgent) Name() string { return a.name }

// Execute implements Agent.
func (a *TextAgent) Execute(ctx context.Context, req *Request) (Output, error) {
	text, err := a.fn(ctx, req.Prompt())
	if err != nil {
		return Output{}, err
	}
	if a.approval != nil {
		if msg, ok := a.approval(text); ok {
			return RequiresApproval(msg, map[string]any{"step_id": req.StepID, "intent": req.Intent}), nil
		}
	}
	if a.outputMapper == nil {
		return Success(text), nil
	}
	value, err := a.outputMapper(text)
	if err != nil {
		return Output{}, err
	}
	return Success(value), nil
}

// JSONOutput decodes agent text as JSON. Markdown code fences are stripped;
// anything else that does not decode is a ParseError.
func JSONOutput(text string) (any, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, ParseError(fmt.Sprintf("agent output is not valid JSON (%d bytes)", len(text)), err)
	}
	return v, nil
}
