package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/types"
)

// RecoveryStage is one rung of the sequential recovery ladder.
type RecoveryStage string

const (
	StageTacticalRetry RecoveryStage = "tactical_retry"
	StageRedesign      RecoveryStage = "redesign"
	StageEscalate      RecoveryStage = "escalate"
)

// RecoveryOutcome is the result of a recovery stage.
type RecoveryOutcome string

const (
	RecoverySucceeded RecoveryOutcome = "succeeded"
	RecoveryFailed    RecoveryOutcome = "failed"
	RecoverySkipped   RecoveryOutcome = "skipped"
)

// RecoveryRecord is an audit entry of the recovery ladder.
type RecoveryRecord struct {
	StepID  string          `json:"step_id"`
	Stage   RecoveryStage   `json:"stage"`
	Outcome RecoveryOutcome `json:"outcome"`
	Attempt int             `json:"attempt,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RedesignRequest describes a failure the Redesigner should plan around.
type RedesignRequest struct {
	Goal       string
	FailedStep *strategy.Step
	Err        error
	// Context is a copy of the shared context at the time of failure.
	Context map[string]any
	// Remaining are the instructions that have not run yet, the failed
	// step excluded.
	Remaining []strategy.Instruction
}

// Redesigner revises the rest of a strategy after a step failed beyond
// tactical recovery. The returned instructions replace Remaining.
type Redesigner interface {
	Redesign(ctx context.Context, req RedesignRequest) ([]strategy.Instruction, error)
}

// RedesignFunc adapts a function to Redesigner.
type RedesignFunc func(ctx context.Context, req RedesignRequest) ([]strategy.Instruction, error)

// Redesign implements Redesigner.
func (f RedesignFunc) Redesign(ctx context.Context, req RedesignRequest) ([]strategy.Instruction, error) {
	return f(ctx, req)
}

// SequentialExecutor runs one step at a time in wave order. A failed step
// goes through the recovery ladder: tactical retries with the failure as a
// hint, then (top level only) a redesigned continuation, then escalation.
type SequentialExecutor struct {
	tacticalRetries int
}

// NewSequentialExecutor creates an executor with the given number of
// tactical retries per failed step.
func NewSequentialExecutor(tacticalRetries int) *SequentialExecutor {
	return &SequentialExecutor{tacticalRetries: max(tacticalRetries, 0)}
}

// Mode implements Executor.
func (e *SequentialExecutor) Mode() Mode { return ModeSequential }

func (e *SequentialExecutor) executeSteps(ctx context.Context, r *run, seg Segment, scope loopScope) segmentResult {
	for _, wave := range seg.Waves {
		pending := make([]*strategy.Step, 0, len(wave))
		for _, s := range wave {
			if !r.mgr.Status(s.StepID).Done() {
				pending = append(pending, s)
			}
		}
		if len(pending) == 0 {
			continue
		}
		r.emit(Event{Type: EventWaveStart, Wave: stepIDs(pending), LoopID: scope.loopID, Iteration: scope.iteration})

		// same isolation as the parallel executor: one snapshot per wave
		snapshot := r.mgr.ReadContext()
		for _, step := range pending {
			if err := ctx.Err(); err != nil {
				return failed(step.StepID, types.NewError(types.ErrCancelled, "run cancelled").WithCause(err))
			}

			out := r.dispatch(ctx, step, snapshot, scope, "")
			if out.kind == outcomeFailed && ctx.Err() == nil && !types.IsErrorCode(out.err, types.ErrInvalidTransition) {
				out = e.tactical(ctx, r, step, snapshot, scope, out)
			}
			switch out.kind {
			case outcomePaused:
				return segmentResult{signal: sigPaused}
			case outcomeFailed:
				res := failed(step.StepID, out.err)
				// loop bodies absorb failures per iteration; no redesign there
				res.redesignable = !scope.inLoop() && ctx.Err() == nil
				return res
			}
		}
	}
	return proceed
}

// tactical reissues a failed step with the failure appended to its intent.
func (e *SequentialExecutor) tactical(ctx context.Context, r *run, step *strategy.Step, snapshot map[string]any, scope loopScope, out stepOutcome) stepOutcome {
	for i := 1; i <= e.tacticalRetries; i++ {
		if ctx.Err() != nil {
			return out
		}
		hint := errString(out.err)
		r.logger.Info("tactical retry", zap.String("step_id", step.StepID), zap.Int("retry", i), zap.String("hint", hint))
		out = r.dispatch(ctx, step, snapshot, scope, hint)
		if out.kind != outcomeFailed {
			r.record(RecoveryRecord{StepID: step.StepID, Stage: StageTacticalRetry, Outcome: RecoverySucceeded, Attempt: i})
			return out
		}
		r.record(RecoveryRecord{StepID: step.StepID, Stage: StageTacticalRetry, Outcome: RecoveryFailed, Attempt: i, Error: errString(out.err)})
	}
	return out
}

// redesign asks the Redesigner for a new continuation after the step in
// res failed inside top-level segment segIndex. On success the run's plan
// is replaced and true is returned; otherwise the failure escalates.
func (r *run) redesign(ctx context.Context, segIndex int, res segmentResult) bool {
	escalate := func(err error) bool {
		r.record(RecoveryRecord{StepID: res.stepID, Stage: StageEscalate, Outcome: RecoveryFailed, Error: errString(err)})
		return false
	}

	if r.o.redesigner == nil {
		r.record(RecoveryRecord{StepID: res.stepID, Stage: StageRedesign, Outcome: RecoverySkipped})
		return escalate(res.err)
	}
	r.mu.Lock()
	already := r.redesigned[res.stepID]
	exhausted := r.redesigns >= r.o.cfg.MaxRedesigns
	r.mu.Unlock()
	if already || exhausted {
		r.record(RecoveryRecord{StepID: res.stepID, Stage: StageRedesign, Outcome: RecoverySkipped})
		return escalate(res.err)
	}

	failedStep, ok := r.plan.Strategy.Find(res.stepID)
	if !ok {
		return escalate(res.err)
	}
	keep, remaining := r.splitContinuation(segIndex, res.stepID)

	replacement, err := r.o.redesigner.Redesign(ctx, RedesignRequest{
		Goal:       r.plan.Strategy.Goal,
		FailedStep: failedStep,
		Err:        res.err,
		Context:    r.mgr.ReadContext(),
		Remaining:  remaining,
	})
	if err == nil {
		err = r.applyRedesign(keep, replacement, res.stepID)
	}

	r.mu.Lock()
	r.redesigned[res.stepID] = true
	r.redesigns++
	r.mu.Unlock()

	if err != nil {
		rerr := types.NewError(types.ErrRedesignFailed, "redesign failed").WithCause(err).WithStep(res.stepID)
		r.record(RecoveryRecord{StepID: res.stepID, Stage: StageRedesign, Outcome: RecoveryFailed, Error: rerr.Error()})
		return escalate(res.err)
	}
	r.record(RecoveryRecord{StepID: res.stepID, Stage: StageRedesign, Outcome: RecoverySucceeded})
	r.logger.Info("strategy redesigned",
		zap.String("failed_step", res.stepID),
		zap.Int("replacement_instructions", len(replacement)))
	return true
}

// splitContinuation divides the top-level elements into those kept as-is
// (everything before segment segIndex plus the completed steps of it) and
// the remaining continuation, the failed step excluded.
func (r *run) splitContinuation(segIndex int, failedID string) (keep, remaining []strategy.Instruction) {
	segOf := segmentIndexes(r.plan.Strategy.Elements)
	for i, el := range r.plan.Strategy.Elements {
		switch {
		case segOf[i] < segIndex:
			keep = append(keep, el)
		case segOf[i] == segIndex:
			if el.ID() == failedID {
				continue
			}
			if s, ok := el.(*strategy.Step); ok && r.mgr.Status(s.StepID) == types.StepCompleted {
				keep = append(keep, el)
				continue
			}
			remaining = append(remaining, el)
		default:
			remaining = append(remaining, el)
		}
	}
	return keep, remaining
}

// applyRedesign validates the revised strategy and swaps it in.
func (r *run) applyRedesign(keep, replacement []strategy.Instruction, failedID string) error {
	sm := &strategy.StrategyMap{
		Goal:     r.plan.Strategy.Goal,
		Elements: append(append([]strategy.Instruction(nil), keep...), replacement...),
	}
	external := append(append([]string(nil), r.external...), r.contextKeys()...)
	plan, err := Resolve(sm, external)
	if err != nil {
		return err
	}
	if err := r.mgr.MarkSkipped(failedID); err != nil {
		return err
	}

	inNew := make(map[string]bool)
	for _, s := range plan.Steps() {
		inNew[s.StepID] = true
		r.mgr.Register(s.StepID)
		if st := r.mgr.Status(s.StepID); st != types.StepCompleted && st != types.StepPending {
			if err := r.mgr.ResetStep(s.StepID); err != nil {
				return err
			}
		}
	}
	// replaced instructions no longer count toward the verdict
	for _, s := range r.plan.Steps() {
		if !inNew[s.StepID] && r.mgr.Status(s.StepID) == types.StepPending {
			if err := r.mgr.MarkSkipped(s.StepID); err != nil {
				return err
			}
		}
	}

	r.plan = plan
	return nil
}

// segmentIndexes maps each top-level element to its segment, matching the
// segmentation done by Resolve.
func segmentIndexes(elements []strategy.Instruction) []int {
	out := make([]int, len(elements))
	idx, inRun := -1, false
	for i, el := range elements {
		if el.Kind() == strategy.KindStep {
			if !inRun {
				idx++
				inRun = true
			}
		} else {
			idx++
			inRun = false
		}
		out[i] = idx
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
