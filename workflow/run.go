package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/template"
	"github.com/BaSui01/orchestra/types"
)

// signal tells the caller of a segment how to proceed.
type signal int

const (
	sigContinue signal = iota
	sigFailed
	sigPaused
	sigTerminated
)

func (s signal) String() string {
	switch s {
	case sigContinue:
		return "continue"
	case sigFailed:
		return "failed"
	case sigPaused:
		return "paused"
	case sigTerminated:
		return "terminated"
	}
	return "unknown"
}

type segmentResult struct {
	signal signal
	stepID string
	err    error
	// redesignable marks a step failure that the recovery ladder may
	// still handle by revising the plan.
	redesignable bool
}

var proceed = segmentResult{signal: sigContinue}

func failed(stepID string, err error) segmentResult {
	return segmentResult{signal: sigFailed, stepID: stepID, err: err}
}

// run is the state of one Execute call.
type run struct {
	o       *Orchestrator
	id      string
	task    *Task
	plan    *Plan
	mgr     *ExecutionManager
	gate    *ApprovalGate
	history *ExecutionHistory
	exec    Executor
	logger  *zap.Logger

	// keys known to be supplied from outside the strategy
	external []string

	mu         sync.Mutex
	attempts   map[string]int
	recovery   []RecoveryRecord
	redesigned map[string]bool
	redesigns  int
	terminated string
}

func (r *run) emit(ev Event) {
	if len(r.o.handlers) == 0 {
		return
	}
	ev.RunID = r.id
	ev.Time = time.Now()
	for _, h := range r.o.handlers {
		h(ev)
	}
}

func (r *run) record(rec RecoveryRecord) {
	r.mu.Lock()
	r.recovery = append(r.recovery, rec)
	r.mu.Unlock()
	r.emit(Event{Type: EventRecovery, StepID: rec.StepID, Message: string(rec.Stage) + ": " + string(rec.Outcome), Error: rec.Error})
}

func (r *run) recoveryRecords() []RecoveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecoveryRecord(nil), r.recovery...)
}

// executeTop runs the top-level segments. In sequential mode a failed step
// may be replaced by a redesigned continuation, after which execution picks
// up at the same segment of the new plan.
func (r *run) executeTop(ctx context.Context) segmentResult {
	for i := 0; i < len(r.plan.Segments); {
		res := r.executeSegment(ctx, r.plan.Segments[i], loopScope{})
		if res.signal == sigFailed && res.redesignable && ctx.Err() == nil {
			if r.redesign(ctx, i, res) {
				continue
			}
		}
		if res.signal != sigContinue {
			return res
		}
		i++
	}
	return proceed
}

// executeSegments runs segments in order; used for loop bodies.
func (r *run) executeSegments(ctx context.Context, segs []Segment, scope loopScope) segmentResult {
	for _, seg := range segs {
		if res := r.executeSegment(ctx, seg, scope); res.signal != sigContinue {
			return res
		}
	}
	return proceed
}

func (r *run) executeSegment(ctx context.Context, seg Segment, scope loopScope) segmentResult {
	if err := ctx.Err(); err != nil {
		return failed("", types.NewError(types.ErrCancelled, "run cancelled").WithCause(err))
	}
	switch seg.Kind {
	case SegmentSteps:
		return r.exec.executeSteps(ctx, r, seg, scope)
	case SegmentLoop:
		return r.runLoop(ctx, seg)
	case SegmentTerminate:
		return r.terminate(seg.Terminate, scope)
	}
	return proceed
}

// terminate evaluates a Terminate instruction. When its condition holds the
// final output is written and every step that has not run is skipped.
func (r *run) terminate(t *strategy.Terminate, scope loopScope) segmentResult {
	vars := r.mgr.ReadContext()
	ok, err := template.EvaluateCondition(r.o.lenient, t.ConditionTemplate, vars)
	if err != nil {
		return failed(t.TerminateID, err)
	}
	if !ok {
		r.logger.Debug("terminate condition not met", zap.String("terminate_id", t.TerminateID))
		return proceed
	}

	if t.FinalOutputTemplate != "" {
		out, err := r.o.lenient.Render(t.FinalOutputTemplate, vars)
		if err != nil {
			return failed(t.TerminateID, err)
		}
		r.mgr.WriteContext(strategy.FinalOutputKey, out)
	}
	for _, s := range r.plan.Steps() {
		if r.mgr.Status(s.StepID) == types.StepPending {
			if err := r.mgr.MarkSkipped(s.StepID); err != nil {
				return failed(s.StepID, err)
			}
		}
	}

	r.mu.Lock()
	r.terminated = t.TerminateID
	r.mu.Unlock()
	r.emit(Event{Type: EventTerminate, StepID: t.TerminateID, LoopID: scope.loopID, Iteration: scope.iteration})
	r.logger.Info("terminate condition met", zap.String("terminate_id", t.TerminateID))
	return segmentResult{signal: sigTerminated, stepID: t.TerminateID}
}

// contextKeys lists the keys currently in the shared context.
func (r *run) contextKeys() []string {
	return sortedKeys(r.mgr.ReadContext())
}
