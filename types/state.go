package types

import "fmt"

// StateVersion is the schema version of a persisted OrchestrationState.
const StateVersion = 1

// StepStatus is the lifecycle status of a single step.
type StepStatus string

const (
	StepPending           StepStatus = "pending"
	StepRunning           StepStatus = "running"
	StepCompleted         StepStatus = "completed"
	StepFailed            StepStatus = "failed"
	StepPausedForApproval StepStatus = "paused_for_approval"
	StepSkipped           StepStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepPausedForApproval, StepSkipped:
		return true
	}
	return false
}

// Done reports whether the status counts toward a successful verdict.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// stepTransitions lists the allowed status changes within one process.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:           {StepRunning, StepSkipped},
	StepRunning:           {StepCompleted, StepFailed, StepPausedForApproval},
	StepFailed:            {StepRunning, StepPending},
	StepCompleted:         {StepPending},
	StepSkipped:           {StepPending},
	StepPausedForApproval: {StepCompleted, StepPending},
}

// CanTransition reports whether a step may move from one status to another.
func CanTransition(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepState is the persisted state of one step.
type StepState struct {
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	Payload any        `json:"payload,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Pending returns a fresh pending state.
func Pending() StepState {
	return StepState{Status: StepPending}
}

// OrchestrationState is the durable snapshot of a run.
//
// The JSON form is meant to be edited by an operator: approving a paused
// step means changing its status to "completed" and optionally adding the
// step's output to Context.
type OrchestrationState struct {
	Version             int                  `json:"version"`
	StepStates          map[string]StepState `json:"step_states"`
	Context             map[string]any       `json:"context"`
	LoopCounters        map[string]int       `json:"loop_counters"`
	TotalLoopIterations int                  `json:"total_loop_iterations"`
	LoopOutputs         map[string][]any     `json:"loop_outputs,omitempty"`
	LoopFailures        map[string]int       `json:"loop_failures,omitempty"`
}

// NewOrchestrationState returns an empty state at the current version.
func NewOrchestrationState() *OrchestrationState {
	s := &OrchestrationState{Version: StateVersion}
	s.Normalize()
	return s
}

// Normalize fills nil maps so callers never have to nil-check.
func (s *OrchestrationState) Normalize() {
	if s.StepStates == nil {
		s.StepStates = make(map[string]StepState)
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	if s.LoopCounters == nil {
		s.LoopCounters = make(map[string]int)
	}
	if s.LoopOutputs == nil {
		s.LoopOutputs = make(map[string][]any)
	}
	if s.LoopFailures == nil {
		s.LoopFailures = make(map[string]int)
	}
}

// Validate checks a loaded snapshot before it is used for resume.
func (s *OrchestrationState) Validate() error {
	if s.Version == 0 {
		s.Version = StateVersion
	}
	if s.Version > StateVersion {
		return Errorf(ErrStateStore, "unsupported state version %d (max %d)", s.Version, StateVersion)
	}
	for id, st := range s.StepStates {
		if !st.Status.Valid() {
			return Errorf(ErrStateStore, "step %s has unknown status %q", id, st.Status)
		}
	}
	if s.TotalLoopIterations < 0 {
		return Errorf(ErrStateStore, "total_loop_iterations must be >= 0, got %d", s.TotalLoopIterations)
	}
	for id, n := range s.LoopCounters {
		if n < 0 {
			return Errorf(ErrStateStore, "loop counter %s must be >= 0, got %d", id, n)
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *OrchestrationState) Clone() *OrchestrationState {
	out := &OrchestrationState{
		Version:             s.Version,
		StepStates:          make(map[string]StepState, len(s.StepStates)),
		Context:             CloneMap(s.Context),
		LoopCounters:        make(map[string]int, len(s.LoopCounters)),
		TotalLoopIterations: s.TotalLoopIterations,
		LoopOutputs:         make(map[string][]any, len(s.LoopOutputs)),
		LoopFailures:        make(map[string]int, len(s.LoopFailures)),
	}
	for k, v := range s.StepStates {
		v.Payload = CloneValue(v.Payload)
		out.StepStates[k] = v
	}
	for k, v := range s.LoopCounters {
		out.LoopCounters[k] = v
	}
	for k, v := range s.LoopOutputs {
		out.LoopOutputs[k] = CloneValue(v).([]any)
	}
	for k, v := range s.LoopFailures {
		out.LoopFailures[k] = v
	}
	return out
}

// String returns a compact summary used in logs.
func (s *OrchestrationState) String() string {
	counts := make(map[StepStatus]int)
	for _, st := range s.StepStates {
		counts[st.Status]++
	}
	return fmt.Sprintf("state(v%d steps=%d completed=%d paused=%d keys=%d loops=%d)",
		s.Version, len(s.StepStates), counts[StepCompleted], counts[StepPausedForApproval],
		len(s.Context), s.TotalLoopIterations)
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-like values (maps and slices); other values
// are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
