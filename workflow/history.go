package workflow

import (
	"sync"
	"time"
)

// ExecutionStatus represents the status of a recorded execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// StepExecution records one dispatch of a step: all its attempts, ending in
// completion, failure or an approval request.
type StepExecution struct {
	StepID    string          `json:"step_id"`
	Agent     string          `json:"agent"`
	LoopID    string          `json:"loop_id,omitempty"`
	Iteration int             `json:"iteration,omitempty"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Attempts  int             `json:"attempts"`
	Status    ExecutionStatus `json:"status"`
	Output    any             `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ExecutionHistory records the execution path of one run.
type ExecutionHistory struct {
	RunID     string           `json:"run_id"`
	Goal      string           `json:"goal"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Status    ExecutionStatus  `json:"status"`
	Steps     []*StepExecution `json:"steps"`
	Error     string           `json:"error,omitempty"`
	mu        sync.RWMutex
}

// NewExecutionHistory creates a running history.
func NewExecutionHistory(runID, goal string) *ExecutionHistory {
	return &ExecutionHistory{
		RunID:     runID,
		Goal:      goal,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
		Steps:     make([]*StepExecution, 0),
	}
}

// RecordStepStart opens a record for a step dispatch.
func (h *ExecutionHistory) RecordStepStart(stepID, agentName string, scope loopScope) *StepExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &StepExecution{
		StepID:    stepID,
		Agent:     agentName,
		LoopID:    scope.loopID,
		Iteration: scope.iteration,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
	}
	h.Steps = append(h.Steps, rec)
	return rec
}

// RecordStepEnd closes a record.
func (h *ExecutionHistory) RecordStepEnd(rec *StepExecution, status ExecutionStatus, attempts int, output any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Attempts = attempts
	rec.Status = status
	rec.Output = output
	if err != nil {
		rec.Error = err.Error()
	}
}

// Complete marks the run as finished.
func (h *ExecutionHistory) Complete(status ExecutionStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)
	h.Status = status
	if err != nil {
		h.Error = err.Error()
	}
}

// GetSteps returns a copy of the step records.
func (h *ExecutionHistory) GetSteps() []*StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*StepExecution, len(h.Steps))
	copy(out, h.Steps)
	return out
}

// ByStep returns every record of a step, oldest first.
func (h *ExecutionHistory) ByStep(stepID string) []*StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*StepExecution
	for _, rec := range h.Steps {
		if rec.StepID == stepID {
			out = append(out, rec)
		}
	}
	return out
}

// ExecutionHistoryStore keeps histories of recent runs in memory.
type ExecutionHistoryStore struct {
	histories map[string]*ExecutionHistory
	order     []string
	limit     int
	mu        sync.RWMutex
}

// NewExecutionHistoryStore creates a store keeping at most limit runs;
// limit <= 0 keeps everything.
func NewExecutionHistoryStore(limit int) *ExecutionHistoryStore {
	return &ExecutionHistoryStore{
		histories: make(map[string]*ExecutionHistory),
		limit:     limit,
	}
}

// Save stores a history, evicting the oldest when over the limit.
func (s *ExecutionHistoryStore) Save(h *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[h.RunID]; !ok {
		s.order = append(s.order, h.RunID)
	}
	s.histories[h.RunID] = h
	for s.limit > 0 && len(s.order) > s.limit {
		delete(s.histories, s.order[0])
		s.order = s.order[1:]
	}
}

// Get returns the history of a run.
func (s *ExecutionHistoryStore) Get(runID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// List returns stored histories, oldest first.
func (s *ExecutionHistoryStore) List() []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ExecutionHistory, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.histories[id])
	}
	return out
}

// ListByStatus returns stored histories with the given status.
func (s *ExecutionHistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	var out []*ExecutionHistory
	for _, h := range s.List() {
		h.mu.RLock()
		st := h.Status
		h.mu.RUnlock()
		if st == status {
			out = append(out, h)
		}
	}
	return out
}
