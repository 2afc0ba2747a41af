package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/template"
	"github.com/BaSui01/orchestra/types"
)

// runLoop drives a LoopBlock: check the ceilings and the condition, run the
// body, record the iteration, repeat; on exit write the aggregated result.
func (r *run) runLoop(ctx context.Context, seg Segment) segmentResult {
	loop := seg.Loop
	logger := r.logger.With(zap.String("loop_id", loop.LoopID))

	if _, done := r.mgr.Get(loop.ResultKey()); done {
		logger.Debug("loop already finished")
		return proceed
	}

	bodySteps := seg.Steps()
	ids := make([]string, len(bodySteps))
	for i, s := range bodySteps {
		ids[i] = s.StepID
	}
	last := lastStep(loop)

	resuming := r.midIteration(ids)
	var lastErr error
	var lastFailed string

	for {
		if !resuming {
			if total := r.mgr.TotalLoopIterations(); total >= r.o.cfg.MaxTotalLoopIterations {
				logger.Warn("global loop ceiling reached",
					zap.Int("total_loop_iterations", total),
					zap.Int("ceiling", r.o.cfg.MaxTotalLoopIterations))
				break
			}
			if r.mgr.LoopCounter(loop.LoopID) >= loop.MaxIterations {
				break
			}
			ok, err := template.EvaluateCondition(r.o.lenient, loop.ConditionTemplate, r.mgr.ReadContext())
			if err != nil {
				return failed(loop.LoopID, err)
			}
			if !ok {
				break
			}
			for _, id := range ids {
				if err := r.mgr.ResetStep(id); err != nil {
					return failed(id, err)
				}
			}
		}
		resuming = false

		iteration := r.mgr.LoopCounter(loop.LoopID) + 1
		r.o.metrics.RecordLoopIteration(loop.LoopID)
		r.emit(Event{Type: EventLoopIteration, LoopID: loop.LoopID, Iteration: iteration})
		logger.Debug("loop iteration", zap.Int("iteration", iteration))

		res := r.executeSegments(ctx, seg.Body, loopScope{loopID: loop.LoopID, iteration: iteration})
		switch res.signal {
		case sigPaused:
			return res
		case sigFailed:
			if ctx.Err() != nil {
				return res
			}
			lastErr, lastFailed = res.err, res.stepID
			r.mgr.RecordLoopFailure(loop.LoopID)
			r.mgr.IncrementLoop(loop.LoopID)
			logger.Warn("loop iteration failed", zap.Int("iteration", iteration), zap.Error(res.err))
			continue
		case sigTerminated:
			r.recordIteration(loop, last)
			r.mgr.IncrementLoop(loop.LoopID)
			if err := r.finishLoop(loop, ids); err != nil {
				return failed(loop.LoopID, err)
			}
			return res
		}

		r.recordIteration(loop, last)
		r.mgr.IncrementLoop(loop.LoopID)
		if loop.AggregationMode() == strategy.FirstSuccess {
			break
		}
	}

	if err := r.finishLoop(loop, ids); err != nil {
		return failed(loop.LoopID, err)
	}
	outputs, failures := r.mgr.LoopOutputs(loop.LoopID)
	if len(outputs) == 0 && failures > 0 {
		err := types.Errorf(types.ErrAgentExecution, "loop %s had no successful iteration (%d failed)",
			loop.LoopID, failures).WithCause(lastErr)
		if lastFailed == "" {
			lastFailed = loop.LoopID
		}
		return failed(lastFailed, err)
	}
	return proceed
}

// midIteration reports whether a persisted run stopped inside an iteration,
// i.e. some body step already left pending. Such an iteration resumes
// without re-checking the ceilings or the condition.
func (r *run) midIteration(ids []string) bool {
	for _, id := range ids {
		if r.mgr.Status(id) != types.StepPending {
			return true
		}
	}
	return false
}

// recordIteration stores the output of the body's last step.
func (r *run) recordIteration(loop *strategy.LoopBlock, last *strategy.Step) {
	if last == nil || r.mgr.Status(last.StepID) != types.StepCompleted {
		return
	}
	v, _ := r.mgr.Get(last.ExpectedOutput)
	r.mgr.RecordLoopOutput(loop.LoopID, v)
}

// finishLoop writes the aggregated result and settles the body.
func (r *run) finishLoop(loop *strategy.LoopBlock, ids []string) error {
	outputs, _ := r.mgr.LoopOutputs(loop.LoopID)
	r.mgr.WriteContext(loop.ResultKey(), aggregate(loop.AggregationMode(), outputs))
	return r.mgr.SettleLoopBody(ids)
}

func aggregate(mode strategy.Aggregation, outputs []any) any {
	switch mode {
	case strategy.CollectAll:
		if outputs == nil {
			return []any{}
		}
		return outputs
	case strategy.FirstSuccess:
		if len(outputs) == 0 {
			return nil
		}
		return outputs[0]
	default:
		if len(outputs) == 0 {
			return nil
		}
		return outputs[len(outputs)-1]
	}
}

func lastStep(loop *strategy.LoopBlock) *strategy.Step {
	steps := loop.Steps()
	if len(steps) == 0 {
		return nil
	}
	return steps[len(steps)-1]
}
