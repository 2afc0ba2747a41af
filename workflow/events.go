package workflow

import (
	"time"
)

// EventType identifies a run lifecycle event.
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventWaveStart     EventType = "wave_start"
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventStepError     EventType = "step_error"
	EventStepPaused    EventType = "step_paused"
	EventStepRetry     EventType = "step_retry"
	EventRecovery      EventType = "recovery"
	EventLoopIteration EventType = "loop_iteration"
	EventTerminate     EventType = "terminate"
	EventRunComplete   EventType = "run_complete"
)

// Event is delivered to EventHandlers synchronously from the goroutine that
// produced it; handlers must be safe for concurrent use and must not block.
type Event struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id"`
	StepID    string        `json:"step_id,omitempty"`
	Agent     string        `json:"agent,omitempty"`
	LoopID    string        `json:"loop_id,omitempty"`
	Iteration int           `json:"iteration,omitempty"`
	Wave      []string      `json:"wave,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Time      time.Time     `json:"time"`
}

// EventHandler receives run events.
type EventHandler func(Event)

// MetricsRecorder receives run measurements. The metrics collector in
// internal/metrics implements it with prometheus.
type MetricsRecorder interface {
	RecordRun(outcome string, duration time.Duration)
	RecordStep(agent, outcome string, attempts int, duration time.Duration)
	RecordRetry(agent, kind string)
	RecordWave(size int)
	RecordLoopIteration(loopID string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(string, time.Duration)              {}
func (noopMetrics) RecordStep(string, string, int, time.Duration) {}
func (noopMetrics) RecordRetry(string, string)                   {}
func (noopMetrics) RecordWave(int)                               {}
func (noopMetrics) RecordLoopIteration(string)                   {}
