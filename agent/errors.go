package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/orchestra/types"
)

// ErrNotRegistered is returned when a step names an unknown agent.
var ErrNotRegistered = errors.New("agent not registered")

// ParseError reports agent output that could not be interpreted. Never retried.
func ParseError(msg string, cause error) *types.Error {
	return types.NewError(types.ErrAgentParse, msg).WithCause(cause)
}

// ProcessError reports a failure of the process or service behind the agent.
// retryAfter > 0 carries a server specified wait.
func ProcessError(statusCode int, retryable bool, retryAfter time.Duration, msg string) *types.Error {
	code := types.ErrAgentProcess
	if statusCode == http.StatusTooManyRequests {
		code = types.ErrRateLimited
	}
	return types.NewError(code, msg).
		WithStatusCode(statusCode).
		WithRetryable(retryable).
		WithRetryAfter(retryAfter)
}

// RateLimitError is a retryable ProcessError with status 429.
func RateLimitError(msg string, retryAfter time.Duration) *types.Error {
	return ProcessError(http.StatusTooManyRequests, true, retryAfter, msg)
}

// IOError reports a transport failure. Always retryable.
func IOError(msg string, cause error) *types.Error {
	return types.NewError(types.ErrAgentIO, msg).WithCause(cause).WithRetryable(true)
}

// ExecutionError reports a failed execution the agent considers final.
func ExecutionError(msg string, cause error) *types.Error {
	return types.NewError(types.ErrAgentExecution, msg).WithCause(cause)
}
