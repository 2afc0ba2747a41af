package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/types"
)

// Executor runs one segment of steps for a run.
type Executor interface {
	// Mode returns the execution mode the executor implements.
	Mode() Mode
	executeSteps(ctx context.Context, r *run, seg Segment, scope loopScope) segmentResult
}

// ParallelExecutor runs every step of a wave concurrently. Concurrency
// across the whole run is bounded by a weighted semaphore. A failed or
// paused step lets its siblings finish, then no further wave starts.
type ParallelExecutor struct {
	sem *semaphore.Weighted
}

// NewParallelExecutor creates an executor allowing maxConcurrency in-flight
// steps; values below 1 mean 1.
func NewParallelExecutor(maxConcurrency int) *ParallelExecutor {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &ParallelExecutor{sem: semaphore.NewWeighted(int64(maxConcurrency))}
}

// Mode implements Executor.
func (e *ParallelExecutor) Mode() Mode { return ModeParallel }

func (e *ParallelExecutor) executeSteps(ctx context.Context, r *run, seg Segment, scope loopScope) segmentResult {
	for _, wave := range seg.Waves {
		if res := e.executeWave(ctx, r, wave, scope); res.signal != sigContinue {
			return res
		}
	}
	return proceed
}

func (e *ParallelExecutor) executeWave(ctx context.Context, r *run, wave []*strategy.Step, scope loopScope) segmentResult {
	if err := ctx.Err(); err != nil {
		return failed("", types.NewError(types.ErrCancelled, "run cancelled").WithCause(err))
	}

	pending := make([]*strategy.Step, 0, len(wave))
	for _, s := range wave {
		if !r.mgr.Status(s.StepID).Done() {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return proceed
	}

	ids := stepIDs(pending)
	ctx, span := r.o.tracer.Start(ctx, "orchestra.wave", trace.WithAttributes(
		attribute.StringSlice("orchestra.steps", ids),
		attribute.String("orchestra.loop_id", scope.loopID),
	))
	defer span.End()

	r.o.metrics.RecordWave(len(pending))
	r.emit(Event{Type: EventWaveStart, Wave: ids, LoopID: scope.loopID, Iteration: scope.iteration})
	r.logger.Debug("wave started", zap.Strings("steps", ids), zap.String("loop_id", scope.loopID))

	// one snapshot per wave: siblings never observe each other's writes
	snapshot := r.mgr.ReadContext()
	outcomes := make([]stepOutcome, len(pending))

	// plain group, no derived context: a failing step must not cancel its
	// siblings, the wave always drains. Wait reports whether any step failed.
	var g errgroup.Group
	for i, step := range pending {
		g.Go(func() error {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = stepOutcome{kind: outcomeFailed,
					err: types.NewError(types.ErrCancelled, "run cancelled").WithCause(err).WithStep(step.StepID)}
				return outcomes[i].err
			}
			defer e.sem.Release(1)
			outcomes[i] = r.dispatch(ctx, step, snapshot, scope, "")
			if outcomes[i].kind == outcomeFailed {
				return outcomes[i].err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// report the first failure in plan order, not the first to finish
		for i, out := range outcomes {
			if out.kind == outcomeFailed {
				return failed(pending[i].StepID, out.err)
			}
		}
		return failed("", err)
	}

	var paused bool
	for _, out := range outcomes {
		if out.kind == outcomePaused {
			paused = true
		}
	}
	if paused {
		return segmentResult{signal: sigPaused}
	}
	return proceed
}

func stepIDs(steps []*strategy.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.StepID
	}
	return ids
}
