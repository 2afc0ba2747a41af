package workflow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/internal/ctxkeys"
	"github.com/BaSui01/orchestra/retry"
	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/types"
)

// outcomeKind is the terminal result of dispatching one step.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomePaused
	outcomeSkipped
)

type stepOutcome struct {
	kind     outcomeKind
	value    any
	err      error
	attempts int
}

// loopScope tags a dispatch with the loop iteration it belongs to.
type loopScope struct {
	loopID    string
	iteration int
}

func (s loopScope) inLoop() bool { return s.loopID != "" }

type agentResult struct {
	out agent.Output
	err error
}

// dispatch runs one step to a terminal outcome: resolve its intent against
// the wave snapshot, call the agent with retries and a per-attempt timeout,
// then record completion, failure or an approval request.
func (r *run) dispatch(ctx context.Context, step *strategy.Step, snapshot map[string]any, scope loopScope, hint string) stepOutcome {
	switch st, _ := r.mgr.GetState(step.StepID); st.Status {
	case types.StepCompleted, types.StepSkipped:
		return stepOutcome{kind: outcomeSkipped}
	case types.StepPausedForApproval:
		// resumed without an edit: ask again, do not call the agent
		r.emit(Event{Type: EventStepPaused, StepID: step.StepID, Agent: step.AssignedAgent, Message: st.Message})
		return stepOutcome{kind: outcomePaused}
	}

	ctx = ctxkeys.WithStepID(ctx, step.StepID)
	ctx, span := r.o.tracer.Start(ctx, "orchestra.step", trace.WithAttributes(
		attribute.String("orchestra.step_id", step.StepID),
		attribute.String("orchestra.agent", step.AssignedAgent),
		attribute.String("orchestra.loop_id", scope.loopID),
		attribute.Int("orchestra.iteration", scope.iteration),
	))
	defer span.End()

	logger := r.logger.With(zap.String("step_id", step.StepID), zap.String("agent", step.AssignedAgent))
	if scope.inLoop() {
		logger = logger.With(zap.String("loop_id", scope.loopID), zap.Int("iteration", scope.iteration))
	}

	start := time.Now()
	rec := r.history.RecordStepStart(step.StepID, step.AssignedAgent, scope)
	finish := func(out stepOutcome) stepOutcome {
		d := time.Since(start)
		switch out.kind {
		case outcomeCompleted:
			r.history.RecordStepEnd(rec, ExecutionStatusCompleted, out.attempts, out.value, nil)
			r.o.metrics.RecordStep(step.AssignedAgent, "completed", out.attempts, d)
			r.emit(Event{Type: EventStepComplete, StepID: step.StepID, Agent: step.AssignedAgent,
				LoopID: scope.loopID, Iteration: scope.iteration, Attempt: out.attempts, Duration: d})
			logger.Info("step completed", zap.Int("attempts", out.attempts), zap.Duration("duration", d))
		case outcomePaused:
			r.history.RecordStepEnd(rec, ExecutionStatusPaused, out.attempts, nil, nil)
			r.o.metrics.RecordStep(step.AssignedAgent, "paused", out.attempts, d)
			logger.Info("step paused for approval")
		case outcomeFailed:
			r.history.RecordStepEnd(rec, ExecutionStatusFailed, out.attempts, nil, out.err)
			r.o.metrics.RecordStep(step.AssignedAgent, "failed", out.attempts, d)
			r.emit(Event{Type: EventStepError, StepID: step.StepID, Agent: step.AssignedAgent,
				LoopID: scope.loopID, Iteration: scope.iteration, Attempt: out.attempts,
				Error: out.err.Error(), Duration: d})
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
			logger.Warn("step failed", zap.Int("attempts", out.attempts), zap.Error(out.err))
		}
		return out
	}

	if err := r.mgr.MarkRunning(step.StepID); err != nil {
		return finish(stepOutcome{kind: outcomeFailed, err: err})
	}
	r.emit(Event{Type: EventStepStart, StepID: step.StepID, Agent: step.AssignedAgent,
		LoopID: scope.loopID, Iteration: scope.iteration})

	intent, err := r.renderIntent(step, snapshot)
	if err != nil {
		return finish(r.fail(step, err, 0))
	}

	attempts := 0
	var output agent.Output
	policy := r.stepPolicy(step)
	var opts []retry.Option
	if r.o.sleep != nil {
		opts = append(opts, retry.WithSleeper(r.o.sleep))
	}
	retryer := retry.NewRetryer(policy, logger, opts...)
	err = retryer.Do(ctx, func(ctx context.Context, _ int) error {
		attempts++
		req := &agent.Request{
			StepID:         step.StepID,
			Description:    step.Description,
			Intent:         intent,
			ExpectedOutput: step.ExpectedOutput,
			Attempt:        r.nextAttempt(step.StepID),
			Hint:           hint,
		}
		out, err := r.invoke(ctx, step, req)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return finish(r.fail(step, err, attempts))
	}

	if output.NeedsApproval() {
		if err := r.mgr.MarkPaused(step.StepID, output.Message, output.Payload); err != nil {
			return finish(stepOutcome{kind: outcomeFailed, err: err, attempts: attempts})
		}
		r.emit(Event{Type: EventStepPaused, StepID: step.StepID, Agent: step.AssignedAgent,
			LoopID: scope.loopID, Iteration: scope.iteration, Message: output.Message})
		return finish(stepOutcome{kind: outcomePaused, attempts: attempts})
	}

	if err := r.mgr.MarkCompleted(step.StepID, step.ExpectedOutput, output.Value); err != nil {
		return finish(stepOutcome{kind: outcomeFailed, err: err, attempts: attempts})
	}
	return finish(stepOutcome{kind: outcomeCompleted, value: output.Value, attempts: attempts})
}

func (r *run) fail(step *strategy.Step, err error, attempts int) stepOutcome {
	if markErr := r.mgr.MarkFailed(step.StepID, err); markErr != nil {
		r.logger.Error("failed to record step failure", zap.String("step_id", step.StepID), zap.Error(markErr))
	}
	return stepOutcome{kind: outcomeFailed, err: err, attempts: attempts}
}

// renderIntent renders the step intent strictly. Loop back-references that
// have not been produced yet render as empty.
func (r *run) renderIntent(step *strategy.Step, snapshot map[string]any) (string, error) {
	vars := snapshot
	if optional := r.plan.Optional[step.StepID]; len(optional) > 0 {
		vars = make(map[string]any, len(snapshot)+len(optional))
		for k, v := range snapshot {
			vars[k] = v
		}
		for _, k := range optional {
			if _, ok := vars[k]; !ok {
				vars[k] = ""
			}
		}
	}
	intent, err := r.o.strict.Render(step.IntentTemplate, vars)
	if err != nil {
		if e, ok := types.AsError(err); ok {
			return "", e.WithStep(step.StepID)
		}
		return "", types.NewError(types.ErrTemplate, "failed to render intent").WithCause(err).WithStep(step.StepID)
	}
	return intent, nil
}

// invoke runs one attempt under the per-step timeout. The agent call runs in
// its own goroutine so an agent that ignores its context cannot stall the
// wave.
func (r *run) invoke(ctx context.Context, step *strategy.Step, req *agent.Request) (agent.Output, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if r.o.cfg.StepTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, r.o.cfg.StepTimeout)
	}
	defer cancel()

	done := make(chan agentResult, 1)
	go func() {
		out, err := r.o.registry.Invoke(actx, step.AssignedAgent, req)
		done <- agentResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && r.timedOut(ctx, actx) {
			return agent.Output{}, r.timeoutError(step, res.err)
		}
		return res.out, res.err
	case <-actx.Done():
		if r.timedOut(ctx, actx) {
			return agent.Output{}, r.timeoutError(step, actx.Err())
		}
		return agent.Output{}, types.NewError(types.ErrCancelled, "run cancelled").
			WithCause(ctx.Err()).WithStep(step.StepID)
	}
}

// timedOut reports whether the attempt hit its own deadline while the run
// is still live.
func (r *run) timedOut(parent, attempt context.Context) bool {
	return parent.Err() == nil && errors.Is(attempt.Err(), context.DeadlineExceeded)
}

func (r *run) timeoutError(step *strategy.Step, cause error) *types.Error {
	return types.Errorf(types.ErrStepTimeout, "attempt exceeded %s", r.o.cfg.StepTimeout).
		WithCause(cause).WithStep(step.StepID).WithRetryable(true)
}

// stepPolicy copies the run policy and hooks retries into metrics and events.
func (r *run) stepPolicy(step *strategy.Step) *retry.Policy {
	p := *r.o.cfg.Retry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.o.metrics.RecordRetry(step.AssignedAgent, string(retry.Classify(err)))
		r.emit(Event{Type: EventStepRetry, StepID: step.StepID, Agent: step.AssignedAgent,
			Attempt: attempt, Error: err.Error(), Duration: delay})
	}
	return &p
}

func (r *run) nextAttempt(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[stepID]++
	return r.attempts[stepID]
}
