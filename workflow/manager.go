package workflow

import (
	"sync"

	"github.com/BaSui01/orchestra/types"
)

// ExecutionManager owns the mutable state of one run: step statuses, the
// shared context and loop bookkeeping. All access goes through its methods.
type ExecutionManager struct {
	mu sync.RWMutex

	steps    map[string]types.StepState
	order    []string
	context  map[string]any
	counters map[string]int
	total    int
	outputs  map[string][]any
	failures map[string]int

	executed int
}

// NewExecutionManager creates an empty manager.
func NewExecutionManager() *ExecutionManager {
	return &ExecutionManager{
		steps:    make(map[string]types.StepState),
		context:  make(map[string]any),
		counters: make(map[string]int),
		outputs:  make(map[string][]any),
		failures: make(map[string]int),
	}
}

// Register adds step ids as pending. Ids that are already known keep their
// status.
func (m *ExecutionManager) Register(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.steps[id]; ok {
			continue
		}
		m.steps[id] = types.Pending()
		m.order = append(m.order, id)
	}
}

// Registered returns every known step id in registration order.
func (m *ExecutionManager) Registered() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// GetState returns the state of a step.
func (m *ExecutionManager) GetState(id string) (types.StepState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.steps[id]
	return st, ok
}

// Status returns the status of a step, or pending when unknown.
func (m *ExecutionManager) Status(id string) types.StepStatus {
	st, ok := m.GetState(id)
	if !ok {
		return types.StepPending
	}
	return st.Status
}

// SetState moves a step to a new state, enforcing the transition table.
func (m *ExecutionManager) SetState(id string, st types.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(id, st)
}

func (m *ExecutionManager) setLocked(id string, st types.StepState) error {
	cur, ok := m.steps[id]
	if !ok {
		return types.Errorf(types.ErrInvalidTransition, "unknown step %q", id).WithStep(id)
	}
	if cur.Status != st.Status && !types.CanTransition(cur.Status, st.Status) {
		return types.Errorf(types.ErrInvalidTransition, "step %s cannot move from %s to %s",
			id, cur.Status, st.Status).WithStep(id)
	}
	m.steps[id] = st
	return nil
}

// MarkRunning moves a step to running.
func (m *ExecutionManager) MarkRunning(id string) error {
	return m.SetState(id, types.StepState{Status: types.StepRunning})
}

// MarkCompleted records the step's output under key and completes it in a
// single critical section, so readers never see one without the other.
func (m *ExecutionManager) MarkCompleted(id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setLocked(id, types.StepState{Status: types.StepCompleted}); err != nil {
		return err
	}
	if key != "" {
		m.context[key] = value
	}
	m.executed++
	return nil
}

// MarkFailed moves a step to failed with the error text.
func (m *ExecutionManager) MarkFailed(id string, err error) error {
	st := types.StepState{Status: types.StepFailed}
	if err != nil {
		st.Error = err.Error()
	}
	return m.SetState(id, st)
}

// MarkPaused records an approval request.
func (m *ExecutionManager) MarkPaused(id, message string, payload any) error {
	return m.SetState(id, types.StepState{
		Status:  types.StepPausedForApproval,
		Message: message,
		Payload: types.CloneValue(payload),
	})
}

// MarkSkipped skips a step, resetting it first when it already ran.
func (m *ExecutionManager) MarkSkipped(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.steps[id]
	if !ok {
		return types.Errorf(types.ErrInvalidTransition, "unknown step %q", id).WithStep(id)
	}
	if cur.Status == types.StepSkipped {
		return nil
	}
	if cur.Status != types.StepPending {
		if err := m.setLocked(id, types.Pending()); err != nil {
			return err
		}
	}
	return m.setLocked(id, types.StepState{Status: types.StepSkipped})
}

// ResetStep returns a step to pending, e.g. at the start of a loop iteration.
func (m *ExecutionManager) ResetStep(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.steps[id]
	if !ok {
		return types.Errorf(types.ErrInvalidTransition, "unknown step %q", id).WithStep(id)
	}
	if cur.Status == types.StepPending {
		return nil
	}
	if cur.Status == types.StepRunning {
		// a running step has no direct way back; only a restore can do this
		return types.Errorf(types.ErrInvalidTransition, "step %s is running", id).WithStep(id)
	}
	return m.setLocked(id, types.Pending())
}

// WriteContext sets a context key.
func (m *ExecutionManager) WriteContext(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context[key] = value
}

// WriteContextAll sets several context keys at once.
func (m *ExecutionManager) WriteContextAll(values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.context[k] = types.CloneValue(v)
	}
}

// ReadContext returns a deep copy of the context. Waves render against such
// a snapshot so concurrent writes are never observed mid-wave.
func (m *ExecutionManager) ReadContext() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.CloneMap(m.context)
}

// Get returns one context value.
func (m *ExecutionManager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.context[key]
	return v, ok
}

// ==================== Loops ====================

// LoopCounter returns the completed iterations of a loop.
func (m *ExecutionManager) LoopCounter(loopID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[loopID]
}

// TotalLoopIterations returns the completed iterations across all loops.
func (m *ExecutionManager) TotalLoopIterations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// IncrementLoop counts a finished iteration of loopID.
func (m *ExecutionManager) IncrementLoop(loopID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[loopID]++
	m.total++
}

// RecordLoopOutput appends the output of a successful iteration.
func (m *ExecutionManager) RecordLoopOutput(loopID string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[loopID] = append(m.outputs[loopID], types.CloneValue(value))
}

// RecordLoopFailure counts a failed iteration.
func (m *ExecutionManager) RecordLoopFailure(loopID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[loopID]++
}

// LoopOutputs returns the recorded iteration outputs and failure count.
func (m *ExecutionManager) LoopOutputs(loopID string) ([]any, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]any(nil), m.outputs[loopID]...), m.failures[loopID]
}

// SettleLoopBody marks every body step that did not complete as skipped, so
// a finished loop never blocks the verdict.
func (m *ExecutionManager) SettleLoopBody(ids []string) error {
	for _, id := range ids {
		if m.Status(id) == types.StepCompleted {
			continue
		}
		if err := m.MarkSkipped(id); err != nil {
			return err
		}
	}
	return nil
}

// ==================== Snapshot ====================

// Snapshot exports the state for persistence.
func (m *ExecutionManager) Snapshot() *types.OrchestrationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := types.NewOrchestrationState()
	for id, st := range m.steps {
		st.Payload = types.CloneValue(st.Payload)
		s.StepStates[id] = st
	}
	s.Context = types.CloneMap(m.context)
	for k, v := range m.counters {
		s.LoopCounters[k] = v
	}
	s.TotalLoopIterations = m.total
	for k, v := range m.outputs {
		s.LoopOutputs[k] = types.CloneValue(v).([]any)
	}
	for k, v := range m.failures {
		s.LoopFailures[k] = v
	}
	return s
}

// Restore loads a persisted state. A step left running by an interrupted
// process is treated as pending.
func (m *ExecutionManager) Restore(s *types.OrchestrationState) {
	s = s.Clone()
	s.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sortedKeys(s.StepStates) {
		st := s.StepStates[id]
		if st.Status == types.StepRunning {
			st = types.Pending()
		}
		if _, ok := m.steps[id]; !ok {
			m.order = append(m.order, id)
		}
		m.steps[id] = st
	}
	for k, v := range s.Context {
		m.context[k] = v
	}
	for k, v := range s.LoopCounters {
		m.counters[k] = v
	}
	m.total = s.TotalLoopIterations
	for k, v := range s.LoopOutputs {
		m.outputs[k] = v
	}
	for k, v := range s.LoopFailures {
		m.failures[k] = v
	}
}

// Verdict reports whether every given step is completed or skipped. With
// no ids every registered step is checked.
func (m *ExecutionManager) Verdict(ids ...string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(ids) == 0 {
		ids = m.order
	}
	for _, id := range ids {
		if !m.steps[id].Status.Done() {
			return false
		}
	}
	return true
}

// Paused returns the ids of steps awaiting approval, in registration order.
func (m *ExecutionManager) Paused() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, id := range m.order {
		if m.steps[id].Status == types.StepPausedForApproval {
			out = append(out, id)
		}
	}
	return out
}

// StepsExecuted counts completions in this process. A step completing in
// several loop iterations counts once per iteration; retries do not count.
func (m *ExecutionManager) StepsExecuted() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executed
}
