package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/internal/ctxkeys"
	"github.com/BaSui01/orchestra/persistence"
	"github.com/BaSui01/orchestra/retry"
	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/template"
	"github.com/BaSui01/orchestra/types"
)

const tracerName = "github.com/BaSui01/orchestra/workflow"

// Mode selects the executor.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Config tunes an Orchestrator.
type Config struct {
	Mode Mode `yaml:"mode" json:"mode" env:"MODE"`
	// MaxConcurrency bounds in-flight steps in parallel mode.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" env:"MAX_CONCURRENCY"`
	// StepTimeout bounds each agent attempt; zero disables it.
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout" env:"STEP_TIMEOUT"`
	// MaxTotalLoopIterations is the global ceiling across all loops.
	MaxTotalLoopIterations int `yaml:"max_total_loop_iterations" json:"max_total_loop_iterations" env:"MAX_TOTAL_LOOP_ITERATIONS"`
	// TacticalRetries is the number of hinted reissues in sequential mode.
	TacticalRetries int `yaml:"tactical_retries" json:"tactical_retries" env:"TACTICAL_RETRIES"`
	// MaxRedesigns caps redesigns per run in sequential mode.
	MaxRedesigns int `yaml:"max_redesigns" json:"max_redesigns" env:"MAX_REDESIGNS"`
	// PersistOnCancel saves the state when the run is cancelled.
	PersistOnCancel bool `yaml:"persist_on_cancel" json:"persist_on_cancel" env:"PERSIST_ON_CANCEL"`

	Retry *retry.Policy `yaml:"-" json:"-"`
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Mode:                   ModeParallel,
		MaxConcurrency:         4,
		StepTimeout:            2 * time.Minute,
		MaxTotalLoopIterations: 100,
		TacticalRetries:        1,
		MaxRedesigns:           3,
		Retry:                  retry.DefaultPolicy(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.StepTimeout < 0 {
		c.StepTimeout = 0
	}
	if c.MaxTotalLoopIterations <= 0 {
		c.MaxTotalLoopIterations = d.MaxTotalLoopIterations
	}
	if c.TacticalRetries < 0 {
		c.TacticalRetries = 0
	}
	if c.MaxRedesigns < 0 {
		c.MaxRedesigns = 0
	}
	if c.Retry == nil {
		c.Retry = d.Retry
	}
	return c
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeParallel, ModeSequential, "":
	default:
		return types.NewValidationError("unknown mode %q (want parallel or sequential)", c.Mode)
	}
	return nil
}

// Orchestrator executes strategy maps against a registry of agents.
type Orchestrator struct {
	cfg        Config
	registry   *agent.Registry
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    MetricsRecorder
	store      persistence.StateStore
	redesigner Redesigner
	handlers   []EventHandler
	histories  *ExecutionHistoryStore
	strict     template.Renderer
	lenient    template.Renderer
	sleep      retry.Sleeper
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the orchestrator settings.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithStateStore sets the store used for resume and approval pauses.
func WithStateStore(store persistence.StateStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithRedesigner enables the redesign stage of the sequential ladder.
func WithRedesigner(r Redesigner) Option {
	return func(o *Orchestrator) { o.redesigner = r }
}

// WithEventHandler adds a lifecycle event handler.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) { o.handlers = append(o.handlers, h) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer, which defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRenderers replaces the template renderers: strict for step intents,
// lenient for loop and terminate conditions.
func WithRenderers(strict, lenient template.Renderer) Option {
	return func(o *Orchestrator) {
		o.strict = strict
		o.lenient = lenient
	}
}

// WithHistoryStore keeps the execution history of every run.
func WithHistoryStore(s *ExecutionHistoryStore) Option {
	return func(o *Orchestrator) { o.histories = s }
}

// WithSleeper replaces the retry wait, mainly for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// New creates an Orchestrator.
func New(registry *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      DefaultConfig(),
		registry: registry,
		metrics:  noopMetrics{},
		strict:   template.NewEngine(),
		lenient:  template.NewLenientEngine(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.registry == nil {
		o.registry = agent.NewRegistry(agent.WithLogger(o.logger))
	}
	o.cfg = o.cfg.normalized()
	return o
}

// Config returns the effective settings.
func (o *Orchestrator) Config() Config { return o.cfg }

// Task is one orchestration request.
type Task struct {
	Strategy *strategy.StrategyMap
	// Inputs seed the shared context.
	Inputs map[string]any
	// ExternalKeys are context keys that will be supplied from outside the
	// strategy, e.g. during an approval edit.
	ExternalKeys []string
}

func (t *Task) externalKeys() []string {
	keys := append([]string(nil), t.ExternalKeys...)
	return append(keys, sortedKeys(t.Inputs)...)
}

type runOptions struct {
	resumeFrom  string
	saveStateTo string
}

// RunOption configures a single Execute call.
type RunOption func(*runOptions)

// WithResumeFrom loads a previously saved state before running.
func WithResumeFrom(src string) RunOption {
	return func(o *runOptions) { o.resumeFrom = src }
}

// WithSaveStateTo persists the state on pause, completion and, if
// configured, cancellation.
func WithSaveStateTo(dest string) RunOption {
	return func(o *runOptions) { o.saveStateTo = dest }
}

// Failure describes why a run failed.
type Failure struct {
	StepID string          `json:"step_id,omitempty"`
	Code   types.ErrorCode `json:"code"`
	Err    error           `json:"-"`
}

func (f *Failure) Error() string {
	if f.StepID == "" {
		return fmt.Sprintf("[%s] %v", f.Code, f.Err)
	}
	return fmt.Sprintf("[%s] step %s: %v", f.Code, f.StepID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is the outcome of Execute.
type Result struct {
	RunID         string         `json:"run_id"`
	Success       bool           `json:"success"`
	Paused        bool           `json:"paused"`
	PauseReason   string         `json:"pause_reason,omitempty"`
	PausedStep    string         `json:"paused_step,omitempty"`
	StepsExecuted int            `json:"steps_executed"`
	Context       map[string]any `json:"context"`
	// Terminated is the id of the Terminate that stopped the run, if any.
	Terminated string                    `json:"terminated,omitempty"`
	Failure    *Failure                  `json:"failure,omitempty"`
	Recovery   []RecoveryRecord          `json:"recovery,omitempty"`
	State      *types.OrchestrationState `json:"-"`
	History    *ExecutionHistory         `json:"-"`
	Strategy   *strategy.StrategyMap     `json:"-"`
	Duration   time.Duration             `json:"duration"`
}

// FinalOutput returns the value written by a Terminate, if any.
func (r *Result) FinalOutput() (any, bool) {
	v, ok := r.Context[strategy.FinalOutputKey]
	return v, ok
}

// Plan resolves a task without running it.
func (o *Orchestrator) Plan(task *Task) (*Plan, error) {
	if task == nil || task.Strategy == nil {
		return nil, types.NewValidationError("task has no strategy")
	}
	return Resolve(task.Strategy, task.externalKeys())
}

// Execute runs a task. Problems found before the first step runs (invalid
// strategy, unknown agents, unreadable state) are returned as errors; run
// outcomes, failures included, are reported in the Result.
func (o *Orchestrator) Execute(ctx context.Context, task *Task, opts ...RunOption) (*Result, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if task == nil || task.Strategy == nil {
		return nil, types.NewValidationError("task has no strategy")
	}
	if (ro.resumeFrom != "" || ro.saveStateTo != "") && o.store == nil {
		return nil, types.NewValidationError("resume and save require a state store")
	}

	start := time.Now()
	runID := uuid.NewString()
	ctx = ctxkeys.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestra.run", trace.WithAttributes(
		attribute.String("orchestra.run_id", runID),
		attribute.String("orchestra.mode", string(o.cfg.Mode)),
	))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
	}
	logger := o.logger.With(zap.String("run_id", runID))

	mgr := NewExecutionManager()
	if ro.resumeFrom != "" {
		st, err := o.store.Load(ctx, ro.resumeFrom)
		if err != nil {
			return nil, err
		}
		mgr.Restore(st)
		logger.Info("state restored", zap.String("source", ro.resumeFrom), zap.Stringer("state", st))
	}

	external := append(task.externalKeys(), sortedKeys(mgr.ReadContext())...)
	plan, err := Resolve(task.Strategy, external)
	if err != nil {
		return nil, err
	}
	for _, s := range plan.Steps() {
		if !o.registry.Has(s.AssignedAgent) {
			return nil, types.NewValidationError("step %s is assigned to unknown agent %q", s.StepID, s.AssignedAgent)
		}
	}

	for _, s := range plan.Steps() {
		mgr.Register(s.StepID)
	}
	for k, v := range task.Inputs {
		// operator edits to a saved context win over the task inputs
		if _, ok := mgr.Get(k); !ok {
			mgr.WriteContext(k, types.CloneValue(v))
		}
	}

	r := &run{
		o:          o,
		id:         runID,
		task:       task,
		plan:       plan,
		mgr:        mgr,
		gate:       NewApprovalGate(o.store, ro.saveStateTo, logger),
		history:    NewExecutionHistory(runID, task.Strategy.Goal),
		exec:       o.executor(),
		logger:     logger,
		external:   external,
		attempts:   make(map[string]int),
		redesigned: make(map[string]bool),
	}

	r.emit(Event{Type: EventRunStart})
	logger.Info("run started",
		zap.String("goal", task.Strategy.Goal),
		zap.Int("steps", len(plan.Steps())),
		zap.String("mode", string(o.cfg.Mode)))

	res := r.executeTop(ctx)
	result, persistErr := r.finish(ctx, res)
	result.Duration = time.Since(start)

	outcome := "completed"
	status := ExecutionStatusCompleted
	switch {
	case result.Paused:
		outcome, status = "paused", ExecutionStatusPaused
	case !result.Success:
		outcome, status = "failed", ExecutionStatusFailed
	}
	var failureErr error
	if result.Failure != nil {
		failureErr = result.Failure
		span.RecordError(result.Failure)
		span.SetStatus(codes.Error, result.Failure.Error())
	}
	r.history.Complete(status, failureErr)
	if o.histories != nil {
		o.histories.Save(r.history)
	}
	o.metrics.RecordRun(outcome, result.Duration)
	r.emit(Event{Type: EventRunComplete, Message: outcome, Error: errString(failureErr), Duration: result.Duration})

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Int("steps_executed", result.StepsExecuted),
		zap.Duration("duration", result.Duration),
	}
	if result.Failure != nil {
		logger.Warn("run failed", append(fields, zap.Error(result.Failure))...)
	} else {
		logger.Info("run finished", fields...)
	}
	return result, persistErr
}

// finish turns the top-level signal into a Result and persists the state
// where required.
func (r *run) finish(ctx context.Context, res segmentResult) (*Result, error) {
	result := &Result{
		RunID:    r.id,
		Strategy: r.plan.Strategy,
		History:  r.history,
	}

	persist := false
	// saving must survive the cancellation it may be reporting
	saveCtx := context.WithoutCancel(ctx)

	switch res.signal {
	case sigFailed:
		err := res.err
		if err == nil {
			err = errors.New("run failed")
		}
		code := types.RootCode(err)
		if code == "" {
			code = types.ErrAgentExecution
		}
		if ctx.Err() != nil {
			code = types.ErrCancelled
		}
		result.Failure = &Failure{StepID: res.stepID, Code: code, Err: err}
		if code == types.ErrCancelled {
			persist = r.o.cfg.PersistOnCancel
		}
		// an approval requested by a sibling is kept for the next run
		if len(r.mgr.Paused()) > 0 {
			persist = true
		}
	case sigPaused:
		stepID, reason, _ := r.gate.Pause(r.mgr)
		result.Success = true
		result.Paused = true
		result.PauseReason = reason
		result.PausedStep = stepID
		persist = true
	default:
		ids := stepIDs(r.plan.Steps())
		result.Success = r.mgr.Verdict(ids...)
		if !result.Success {
			result.Failure = &Failure{Code: types.ErrAgentExecution, Err: errors.New("run ended with unfinished steps")}
		}
		persist = true
	}

	r.mu.Lock()
	result.Terminated = r.terminated
	r.mu.Unlock()
	result.StepsExecuted = r.mgr.StepsExecuted()
	result.Context = r.mgr.ReadContext()
	result.Recovery = r.recoveryRecords()
	result.State = r.mgr.Snapshot()
	result.Strategy = r.plan.Strategy

	if persist && r.gate.Enabled() {
		if err := r.gate.Persist(saveCtx, r.mgr); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (o *Orchestrator) executor() Executor {
	if o.cfg.Mode == ModeSequential {
		return NewSequentialExecutor(o.cfg.TacticalRetries)
	}
	return NewParallelExecutor(o.cfg.MaxConcurrency)
}
