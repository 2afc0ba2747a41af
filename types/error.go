package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Strategy error codes
const (
	ErrValidation ErrorCode = "VALIDATION"
	ErrTemplate   ErrorCode = "TEMPLATE"
)

// Agent error codes
const (
	ErrAgentParse     ErrorCode = "AGENT_PARSE"
	ErrAgentProcess   ErrorCode = "AGENT_PROCESS"
	ErrAgentIO        ErrorCode = "AGENT_IO"
	ErrAgentExecution ErrorCode = "AGENT_EXECUTION"
	ErrAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
)

// Execution error codes
const (
	ErrStepTimeout       ErrorCode = "STEP_TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrRedesignFailed    ErrorCode = "REDESIGN_FAILED"
	ErrStateStore        ErrorCode = "STATE_STORE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	StepID     string        `json:"step_id,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.StepID != "" {
		prefix = fmt.Sprintf("[%s] step %s:", e.Code, e.StepID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep records the step the error belongs to.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithStatusCode sets the status code reported by the agent.
func (e *Error) WithStatusCode(status int) *Error {
	e.StatusCode = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets a server specified retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether the first *Error in the chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// RetryAfterOf returns the server specified retry delay, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	if e, ok := AsError(err); ok && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// NewValidationError 创建策略校验错误
func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// NewTemplateError 创建模板渲染错误
func NewTemplateError(format string, args ...any) *Error {
	return Errorf(ErrTemplate, format, args...)
}

// RootCode returns the code of the innermost *Error in the chain, which is
// the underlying failure kind when errors wrap each other.
func RootCode(err error) ErrorCode {
	var code ErrorCode
	for err != nil {
		if e, ok := err.(*Error); ok {
			code = e.Code
		}
		err = errors.Unwrap(err)
	}
	return code
}
