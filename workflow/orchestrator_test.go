package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/persistence"
	"github.com/BaSui01/orchestra/retry"
	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/testutil"
	"github.com/BaSui01/orchestra/testutil/fixtures"
	"github.com/BaSui01/orchestra/testutil/mocks"
	"github.com/BaSui01/orchestra/types"
)

// ============================================================
// Helpers
// ============================================================

func newRegistry(agents ...agent.Agent) *agent.Registry {
	reg := agent.NewRegistry()
	reg.MustRegister(agents...)
	return reg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StepTimeout = time.Second
	cfg.Retry = &retry.Policy{MaxAttempts: 3}
	return cfg
}

func newTestOrchestrator(reg *agent.Registry, opts ...Option) *Orchestrator {
	base := []Option{WithSleeper(testutil.NoSleep), WithConfig(testConfig())}
	return New(reg, append(base, opts...)...)
}

func withConfig(mutate func(*Config)) Option {
	cfg := testConfig()
	mutate(&cfg)
	return WithConfig(cfg)
}

// stepEcho answers with "<step>#<attempt>".
func stepEcho(name string) *mocks.MockAgent {
	return mocks.NewMockAgent(name).WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		return agent.Success(fmt.Sprintf("%s#%d", req.StepID, req.Attempt)), nil
	})
}

// ============================================================
// Core scenarios
// ============================================================

func TestExecute_TimeoutThenSuccess(t *testing.T) {
	researcher := mocks.NewMockAgent("researcher").WithResponse("notes on go")
	drafter := mocks.NewMockAgent("drafter").
		WithScript(mocks.Reply{Delay: 2 * time.Second}).
		WithResponse("draft v1")
	reviewer := mocks.NewMockAgent("reviewer").WithResponse("lgtm")

	sm := &strategy.StrategyMap{Goal: "article", Elements: []strategy.Instruction{
		fixtures.Step("research", "researcher", "research {{ topic }}", "notes"),
		fixtures.Step("draft", "drafter", "draft from {{ notes }}", "draft"),
		fixtures.Step("review", "reviewer", "review {{ draft }}", "review"),
	}}

	o := newTestOrchestrator(newRegistry(researcher, drafter, reviewer),
		withConfig(func(c *Config) { c.StepTimeout = 50 * time.Millisecond }))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm, Inputs: map[string]any{"topic": "go"}})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Paused)
	assert.Equal(t, 3, res.StepsExecuted)
	assert.Equal(t, "lgtm", res.Context["review"])
	assert.Equal(t, "draft v1", res.Context["draft"])
	assert.Equal(t, 2, drafter.CallCount())
	assert.Equal(t, "draft from notes on go", drafter.Calls()[1].Intent)

	recs := res.History.ByStep("draft")
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, ExecutionStatusCompleted, recs[0].Status)
}

func TestExecute_StuckAgentDoesNotBlock(t *testing.T) {
	stuck := mocks.NewMockAgent("stuck").
		WithScript(mocks.Reply{Delay: 300 * time.Millisecond, IgnoreContext: true}).
		WithResponse("late but fine")

	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "stuck", "go", "a_out"),
	}}
	o := newTestOrchestrator(newRegistry(stuck),
		withConfig(func(c *Config) { c.StepTimeout = 20 * time.Millisecond }))

	start := time.Now()
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "the first attempt was abandoned at its deadline")
}

func TestExecute_DiamondRunsWavesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	w := mocks.NewMockAgent("w").WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		mu.Lock()
		order = append(order, req.StepID)
		mu.Unlock()
		return agent.Success(req.StepID), nil
	})

	o := newTestOrchestrator(newRegistry(w))
	res, err := o.Execute(testutil.TestContext(t), &Task{
		Strategy: fixtures.DiamondStrategy("w"),
		Inputs:   map[string]any{"topic": "x"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:3])
	assert.Equal(t, "d", order[3])
	assert.Equal(t, "join b c", w.CallsFor("d")[0].Intent)
}

func TestExecute_SnapshotIsolation(t *testing.T) {
	w := stepEcho("w")
	o := newTestOrchestrator(newRegistry(w))

	// a hand-built wave where b reads a sibling's output: b must not see it
	a := fixtures.Step("a", "w", "first", "a_out")
	b := fixtures.Step("b", "w", "second {{ a_out }}", "b_out")
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{a, b}}
	plan := &Plan{
		Strategy: sm,
		Segments: []Segment{{Kind: SegmentSteps, Waves: [][]*strategy.Step{{a, b}}}},
		Deps:     map[string][]string{},
		Level:    map[string]int{},
		Optional: map[string][]string{},
	}
	mgr := NewExecutionManager()
	mgr.Register("a", "b")
	r := &run{
		o: o, id: "test", task: &Task{Strategy: sm}, plan: plan, mgr: mgr,
		gate: NewApprovalGate(nil, "", nil), history: NewExecutionHistory("test", "g"),
		exec: o.executor(), logger: o.logger,
		attempts: map[string]int{}, redesigned: map[string]bool{},
	}

	res := r.executeTop(testutil.TestContext(t))
	require.Equal(t, sigFailed, res.signal)
	assert.Equal(t, "b", res.stepID)
	assert.True(t, types.IsErrorCode(res.err, types.ErrTemplate), "got %v", res.err)
	assert.Equal(t, types.StepCompleted, mgr.Status("a"), "the sibling still completed")
	assert.Equal(t, types.StepFailed, mgr.Status("b"))
	assert.Empty(t, w.CallsFor("b"), "a template failure never reaches the agent")
}

func TestExecute_ParallelFailureDrainsWave(t *testing.T) {
	w := mocks.NewMockAgent("w").WithFunc(func(ctx context.Context, req *agent.Request) (agent.Output, error) {
		switch req.StepID {
		case "b":
			return agent.Output{}, agent.ExecutionError("cannot do b", nil)
		case "c":
			time.Sleep(50 * time.Millisecond)
		}
		return agent.Success(req.StepID), nil
	})

	o := newTestOrchestrator(newRegistry(w))
	res, err := o.Execute(testutil.TestContext(t), &Task{
		Strategy: fixtures.DiamondStrategy("w"),
		Inputs:   map[string]any{"topic": "x"},
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Failure)
	assert.Equal(t, "b", res.Failure.StepID)
	assert.Equal(t, types.ErrAgentExecution, res.Failure.Code)
	assert.Equal(t, types.StepCompleted, res.State.StepStates["c"].Status, "sibling drained")
	assert.Equal(t, types.StepPending, res.State.StepStates["d"].Status, "no further wave")
	assert.Empty(t, w.CallsFor("d"))
	assert.Len(t, w.CallsFor("b"), 1, "fatal errors are not retried")
}

func TestExecute_ParallelFailureReportedInPlanOrder(t *testing.T) {
	w := mocks.NewMockAgent("w").WithFunc(func(ctx context.Context, req *agent.Request) (agent.Output, error) {
		switch req.StepID {
		case "b":
			time.Sleep(50 * time.Millisecond)
			return agent.Output{}, agent.ExecutionError("b failed late", nil)
		case "c":
			return agent.Output{}, agent.ExecutionError("c failed early", nil)
		}
		return agent.Success(req.StepID), nil
	})

	o := newTestOrchestrator(newRegistry(w))
	res, err := o.Execute(testutil.TestContext(t), &Task{
		Strategy: fixtures.DiamondStrategy("w"),
		Inputs:   map[string]any{"topic": "x"},
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Failure)
	assert.Equal(t, "b", res.Failure.StepID)
	assert.Contains(t, res.Failure.Error(), "b failed late")
	assert.Equal(t, types.StepFailed, res.State.StepStates["b"].Status)
	assert.Equal(t, types.StepFailed, res.State.StepStates["c"].Status)
}

func TestExecute_RetryExhausted(t *testing.T) {
	sleeper := &testutil.RecordingSleeper{}
	flaky := mocks.NewMockAgent("flaky").WithFunc(func(context.Context, *agent.Request) (agent.Output, error) {
		return agent.Output{}, agent.IOError("connection reset", nil)
	})
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "flaky", "go", "a_out"),
	}}

	o := newTestOrchestrator(newRegistry(flaky), WithSleeper(sleeper.Sleep))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, types.ErrAgentIO, res.Failure.Code)
	assert.True(t, types.IsErrorCode(res.Failure.Err, types.ErrRetryExhausted))
	assert.Equal(t, 3, flaky.CallCount())
	delays := sleeper.Delays()
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], 100*time.Millisecond)
	assert.LessOrEqual(t, delays[1], 200*time.Millisecond)
	assert.Equal(t, "a", res.Failure.StepID)
}

func TestExecute_UnknownAgent(t *testing.T) {
	o := newTestOrchestrator(newRegistry(mocks.NewMockAgent("w")))
	_, err := o.Execute(context.Background(), &Task{Strategy: fixtures.LinearStrategy("ghost"), Inputs: map[string]any{"topic": "x"}})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak int32
	w := mocks.NewMockAgent("w").WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return agent.Success(req.StepID), nil
	})

	sm := &strategy.StrategyMap{Goal: "fan out"}
	for i := 0; i < 6; i++ {
		sm.Elements = append(sm.Elements, fixtures.Step(fmt.Sprintf("s%d", i), "w", "go", fmt.Sprintf("o%d", i)))
	}
	o := newTestOrchestrator(newRegistry(w), withConfig(func(c *Config) { c.MaxConcurrency = 2 }))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 6, res.StepsExecuted)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecute_Events(t *testing.T) {
	var mu sync.Mutex
	seen := map[EventType]int{}
	handler := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.Type]++
		assert.NotEmpty(t, ev.RunID)
	}

	o := newTestOrchestrator(newRegistry(stepEcho("w")), WithEventHandler(handler))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: fixtures.LinearStrategy("w"), Inputs: map[string]any{"topic": "x"}})
	require.NoError(t, err)
	require.True(t, res.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[EventRunStart])
	assert.Equal(t, 1, seen[EventRunComplete])
	assert.Equal(t, 3, seen[EventWaveStart])
	assert.Equal(t, 3, seen[EventStepStart])
	assert.Equal(t, 3, seen[EventStepComplete])
}

func TestExecute_HistoryStore(t *testing.T) {
	histories := NewExecutionHistoryStore(1)
	o := newTestOrchestrator(newRegistry(stepEcho("w")), WithHistoryStore(histories))

	task := &Task{Strategy: fixtures.LinearStrategy("w"), Inputs: map[string]any{"topic": "x"}}
	first, err := o.Execute(testutil.TestContext(t), task)
	require.NoError(t, err)
	second, err := o.Execute(testutil.TestContext(t), task)
	require.NoError(t, err)

	_, ok := histories.Get(first.RunID)
	assert.False(t, ok, "oldest history evicted")
	h, ok := histories.Get(second.RunID)
	require.True(t, ok)
	assert.Equal(t, ExecutionStatusCompleted, h.Status)
	assert.Len(t, h.GetSteps(), 3)
	assert.Len(t, histories.ListByStatus(ExecutionStatusCompleted), 1)
}

// ============================================================
// Approval, persistence and resume
// ============================================================

func TestExecute_ApprovalPauseAndResume(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := persistence.NewMemoryStateStore()
	worker := stepEcho("worker")
	approver := mocks.NewMockAgent("approver").WithApproval("approve the plan?", map[string]any{"risk": "low"})
	o := newTestOrchestrator(newRegistry(worker, approver), WithStateStore(store))
	task := &Task{Strategy: fixtures.ApprovalStrategy("worker", "approver"), Inputs: map[string]any{"version": "1.2"}}

	res, err := o.Execute(ctx, task, WithSaveStateTo("release.json"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Paused)
	assert.Equal(t, "approve the plan?", res.PauseReason)
	assert.Equal(t, "approve", res.PausedStep)
	assert.Equal(t, 1, res.StepsExecuted)
	assert.Empty(t, worker.CallsFor("execute"))

	saved, err := store.Load(ctx, "release.json")
	require.NoError(t, err)
	assert.Equal(t, types.StepPausedForApproval, saved.StepStates["approve"].Status)
	assert.Equal(t, map[string]any{"risk": "low"}, saved.StepStates["approve"].Payload)

	// resumed without an edit: pause again, agent not called
	res, err = o.Execute(ctx, task, WithResumeFrom("release.json"), WithSaveStateTo("release.json"))
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Equal(t, "approve the plan?", res.PauseReason)
	assert.Equal(t, 0, res.StepsExecuted)
	assert.Equal(t, 1, approver.CallCount())

	// the operator approves and supplies the step output
	saved.StepStates["approve"] = types.StepState{Status: types.StepCompleted}
	saved.Context["approval"] = "approved by ops"
	require.NoError(t, store.Save(ctx, "release.json", saved))

	res, err = o.Execute(ctx, task, WithResumeFrom("release.json"), WithSaveStateTo("release.json"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Paused)
	assert.Equal(t, 1, res.StepsExecuted)
	assert.Len(t, worker.CallsFor("plan"), 1, "completed steps are not re-run")
	require.Len(t, worker.CallsFor("execute"), 1)
	assert.Equal(t, "execute plan#1 with approved by ops", worker.CallsFor("execute")[0].Intent)
	assert.Equal(t, 1, approver.CallCount())
}

func TestExecute_ResumeIsIdempotent(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := persistence.NewFileStateStore(t.TempDir(), nil)
	w := stepEcho("w")
	o := newTestOrchestrator(newRegistry(w), WithStateStore(store))
	task := &Task{Strategy: fixtures.LinearStrategy("w"), Inputs: map[string]any{"topic": "go"}}

	first, err := o.Execute(ctx, task, WithSaveStateTo("done.json"))
	require.NoError(t, err)
	require.True(t, first.Success)

	again, err := o.Execute(ctx, task, WithResumeFrom("done.json"))
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, 0, again.StepsExecuted)
	assert.Equal(t, 3, w.CallCount())
	assert.Equal(t, first.Context, again.Context)
}

// reviewAnswer is what the reviewer agent returns for an intent.
func reviewAnswer(intent string) string { return "ok:" + intent }

// pausingReviewer requests approval on the first call for pauseOn and
// answers every other call directly. An empty pauseOn never pauses.
func pausingReviewer(pauseOn string, pausedIntent *string) *mocks.MockAgent {
	var mu sync.Mutex
	paused := false
	return mocks.NewMockAgent("reviewer").WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		if !paused && req.StepID == pauseOn {
			paused = true
			*pausedIntent = req.Intent
			return agent.RequiresApproval("review "+req.StepID, nil), nil
		}
		return agent.Success(reviewAnswer(req.Intent)), nil
	})
}

func reviewStrategy() *strategy.StrategyMap {
	return &strategy.StrategyMap{Goal: "reviewed article", Elements: []strategy.Instruction{
		fixtures.Step("outline", "reviewer", "outline {{ topic }}", "outline"),
		&strategy.LoopBlock{
			LoopID: "rounds", MaxIterations: 2, Aggregation: strategy.CollectAll,
			Body: []strategy.Instruction{
				fixtures.Step("review", "reviewer", "review {{ outline }} {{ verdict }}", "verdict"),
				fixtures.Step("polish", "worker", "polish {{ verdict }}", "polished"),
			},
		},
		fixtures.Step("publish", "worker", "publish {{ rounds }} {{ outline }}", "published"),
	}}
}

func TestExecute_ResumeMatchesUninterruptedRun(t *testing.T) {
	tests := []struct {
		name    string
		pauseOn string
		output  string
	}{
		{name: "top-level step", pauseOn: "outline", output: "outline"},
		{name: "inside loop body", pauseOn: "review", output: "verdict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			inputs := map[string]any{"topic": "go"}

			var unused string
			direct := newTestOrchestrator(newRegistry(pausingReviewer("", &unused), mocks.EchoAgent("worker")))
			want, err := direct.Execute(ctx, &Task{Strategy: reviewStrategy(), Inputs: inputs})
			require.NoError(t, err)
			require.True(t, want.Success, "failure: %v", want.Failure)
			require.False(t, want.Paused)

			store := persistence.NewMemoryStateStore()
			var pausedIntent string
			o := newTestOrchestrator(
				newRegistry(pausingReviewer(tt.pauseOn, &pausedIntent), mocks.EchoAgent("worker")),
				WithStateStore(store))
			task := &Task{Strategy: reviewStrategy(), Inputs: inputs}

			res, err := o.Execute(ctx, task, WithSaveStateTo("article"))
			require.NoError(t, err)
			require.True(t, res.Paused)
			require.Equal(t, tt.pauseOn, res.PausedStep)

			// the operator supplies exactly what the agent would have returned
			saved, err := store.Load(ctx, "article")
			require.NoError(t, err)
			saved.StepStates[tt.pauseOn] = types.StepState{Status: types.StepCompleted}
			saved.Context[tt.output] = reviewAnswer(pausedIntent)
			require.NoError(t, store.Save(ctx, "article", saved))

			got, err := o.Execute(ctx, task, WithResumeFrom("article"))
			require.NoError(t, err)
			require.True(t, got.Success, "failure: %v", got.Failure)
			assert.False(t, got.Paused)

			assert.Equal(t, want.Context, got.Context)
			assert.Equal(t, want.State.StepStates, got.State.StepStates)
			assert.Equal(t, want.State.LoopCounters, got.State.LoopCounters)
			assert.Equal(t, want.State.TotalLoopIterations, got.State.TotalLoopIterations)
		})
	}
}

func TestExecute_PauseAndFailureInSameWave(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := persistence.NewMemoryStateStore()
	asker := mocks.NewMockAgent("asker").WithApproval("ok to proceed?", nil)
	broken := mocks.NewMockAgent("broken").WithFunc(func(context.Context, *agent.Request) (agent.Output, error) {
		return agent.Output{}, agent.ParseError("unreadable output", nil)
	})
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("x", "asker", "ask", "x_out"),
		fixtures.Step("y", "broken", "work", "y_out"),
	}}

	o := newTestOrchestrator(newRegistry(asker, broken), WithStateStore(store))
	res, err := o.Execute(ctx, &Task{Strategy: sm}, WithSaveStateTo("s"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Paused, "failure wins over the pause")
	assert.Equal(t, types.ErrAgentParse, res.Failure.Code)

	saved, err := store.Load(ctx, "s")
	require.NoError(t, err, "the approval request is still persisted")
	assert.Equal(t, types.StepPausedForApproval, saved.StepStates["x"].Status)
}

func TestExecute_Cancellation(t *testing.T) {
	slow := mocks.NewMockAgent("slow").WithDelay(5 * time.Second)
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "slow", "wait", "a_out"),
		fixtures.Step("b", "slow", "then {{ a_out }}", "b_out"),
	}}

	for _, persist := range []bool{false, true} {
		t.Run(fmt.Sprintf("persist=%v", persist), func(t *testing.T) {
			store := persistence.NewMemoryStateStore()
			o := newTestOrchestrator(newRegistry(slow), WithStateStore(store),
				withConfig(func(c *Config) {
					c.StepTimeout = 0
					c.PersistOnCancel = persist
				}))

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			res, err := o.Execute(ctx, &Task{Strategy: sm}, WithSaveStateTo("cancelled"))
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, types.ErrCancelled, res.Failure.Code)

			_, err = store.Load(context.Background(), "cancelled")
			if persist {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, persistence.ErrNotFound)
			}
		})
	}
}

func TestExecute_SaveRequiresStore(t *testing.T) {
	o := newTestOrchestrator(newRegistry(stepEcho("w")))
	_, err := o.Execute(context.Background(), &Task{Strategy: fixtures.LinearStrategy("w")}, WithSaveStateTo("x"))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

// ============================================================
// Terminate
// ============================================================

func TestExecute_Terminate(t *testing.T) {
	tests := []struct {
		verdict    string
		terminated bool
	}{
		{verdict: "done", terminated: true},
		{verdict: "keep going", terminated: false},
	}
	for _, tt := range tests {
		t.Run(tt.verdict, func(t *testing.T) {
			w := mocks.NewMockAgent("w").WithResponse(tt.verdict)
			o := newTestOrchestrator(newRegistry(w))
			res, err := o.Execute(testutil.TestContext(t), &Task{
				Strategy: fixtures.TerminateStrategy("w"),
				Inputs:   map[string]any{"topic": "x"},
			})
			require.NoError(t, err)
			assert.True(t, res.Success)

			out, ok := res.FinalOutput()
			if tt.terminated {
				assert.True(t, ok)
				assert.Equal(t, "finished: done", out)
				assert.Equal(t, "done", res.Terminated)
				assert.Equal(t, types.StepSkipped, res.State.StepStates["extra"].Status)
				assert.Equal(t, 1, res.StepsExecuted)
			} else {
				assert.False(t, ok)
				assert.Empty(t, res.Terminated)
				assert.Equal(t, types.StepCompleted, res.State.StepStates["extra"].Status)
				assert.Equal(t, 2, res.StepsExecuted)
			}
		})
	}
}

// ============================================================
// Sequential recovery ladder
// ============================================================

func sequential(mutate func(*Config)) Option {
	return withConfig(func(c *Config) {
		c.Mode = ModeSequential
		c.Retry = &retry.Policy{MaxAttempts: 1}
		if mutate != nil {
			mutate(c)
		}
	})
}

func TestSequential_TacticalRetryWithHint(t *testing.T) {
	w := mocks.NewMockAgent("w").
		WithScript(mocks.Reply{Err: agent.ExecutionError("wrong format", nil)}).
		WithResponse("fixed")
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "w", "produce json", "a_out"),
	}}

	o := newTestOrchestrator(newRegistry(w), sequential(nil))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.StepsExecuted)

	calls := w.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Hint)
	assert.Contains(t, calls[1].Hint, "wrong format")
	assert.Contains(t, calls[1].Prompt(), "The previous attempt failed")
	assert.Equal(t, 2, calls[1].Attempt)

	require.Len(t, res.Recovery, 1)
	assert.Equal(t, StageTacticalRetry, res.Recovery[0].Stage)
	assert.Equal(t, RecoverySucceeded, res.Recovery[0].Outcome)
}

func TestSequential_RunsWaveByWave(t *testing.T) {
	var mu sync.Mutex
	var waves [][]string
	handler := func(ev Event) {
		if ev.Type != EventWaveStart {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		waves = append(waves, ev.Wave)
	}

	w := mocks.EchoAgent("w")
	o := newTestOrchestrator(newRegistry(w), sequential(nil), WithEventHandler(handler))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: fixtures.DiamondStrategy("w"), Inputs: map[string]any{"topic": "go"}})
	require.NoError(t, err)
	require.True(t, res.Success, "failure: %v", res.Failure)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, waves)
	assert.Equal(t, "join left start go right start go", res.Context["d_out"])

	calls := w.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"},
		[]string{calls[0].StepID, calls[1].StepID, calls[2].StepID, calls[3].StepID})
}

func TestSequential_Redesign(t *testing.T) {
	w := mocks.NewMockAgent("w").WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		if req.StepID == "b" {
			return agent.Output{}, agent.ExecutionError("b is impossible", nil)
		}
		return agent.Success(req.Intent), nil
	})
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "w", "start", "a_out"),
		fixtures.Step("b", "w", "hard {{ a_out }}", "b_out"),
		fixtures.Step("c", "w", "finish {{ b_out }}", "c_out"),
	}}

	var got RedesignRequest
	redesigner := RedesignFunc(func(_ context.Context, req RedesignRequest) ([]strategy.Instruction, error) {
		got = req
		return []strategy.Instruction{
			fixtures.Step("b2", "w", "easier {{ a_out }}", "b_out"),
			fixtures.Step("c", "w", "finish {{ b_out }}", "c_out"),
		}, nil
	})

	o := newTestOrchestrator(newRegistry(w), sequential(nil), WithRedesigner(redesigner))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)
	require.True(t, res.Success, "failure: %v", res.Failure)

	assert.Equal(t, "b", got.FailedStep.StepID)
	require.Len(t, got.Remaining, 1)
	assert.Equal(t, "c", got.Remaining[0].ID())
	assert.Equal(t, "start", got.Context["a_out"])

	assert.Equal(t, types.StepSkipped, res.State.StepStates["b"].Status)
	assert.Equal(t, types.StepCompleted, res.State.StepStates["b2"].Status)
	assert.Equal(t, "finish easier start", res.Context["c_out"])
	assert.Equal(t, 3, res.StepsExecuted)
	assert.Len(t, w.CallsFor("a"), 1)

	stages := make([]RecoveryStage, 0, len(res.Recovery))
	for _, rec := range res.Recovery {
		stages = append(stages, rec.Stage)
	}
	assert.Equal(t, []RecoveryStage{StageTacticalRetry, StageRedesign}, stages)
	assert.Equal(t, RecoverySucceeded, res.Recovery[1].Outcome)
	assert.Len(t, res.Strategy.AllSteps(), 3)
}

func TestSequential_InvalidRedesignEscalates(t *testing.T) {
	w := mocks.NewMockAgent("w").WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		if req.StepID == "b" {
			return agent.Output{}, agent.ExecutionError("nope", nil)
		}
		return agent.Success("ok"), nil
	})
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "w", "start", "a_out"),
		fixtures.Step("b", "w", "hard {{ a_out }}", "b_out"),
	}}
	redesigner := RedesignFunc(func(context.Context, RedesignRequest) ([]strategy.Instruction, error) {
		return []strategy.Instruction{fixtures.Step("b2", "w", "uses {{ missing }}", "b_out")}, nil
	})

	o := newTestOrchestrator(newRegistry(w), sequential(func(c *Config) { c.TacticalRetries = 0 }), WithRedesigner(redesigner))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "b", res.Failure.StepID)
	assert.Equal(t, types.ErrAgentExecution, res.Failure.Code)

	require.Len(t, res.Recovery, 2)
	assert.Equal(t, StageRedesign, res.Recovery[0].Stage)
	assert.Equal(t, RecoveryFailed, res.Recovery[0].Outcome)
	assert.Contains(t, res.Recovery[0].Error, string(types.ErrRedesignFailed))
	assert.Equal(t, StageEscalate, res.Recovery[1].Stage)
	assert.Equal(t, types.StepFailed, res.State.StepStates["b"].Status)
}

func TestParallel_NeverRedesigns(t *testing.T) {
	w := mocks.NewMockAgent("w").WithError(agent.ExecutionError("nope", nil))
	var called bool
	redesigner := RedesignFunc(func(context.Context, RedesignRequest) ([]strategy.Instruction, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "w", "start", "a_out"),
	}}

	o := newTestOrchestrator(newRegistry(w), WithRedesigner(redesigner))
	res, err := o.Execute(testutil.TestContext(t), &Task{Strategy: sm})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, called)
	assert.Empty(t, res.Recovery)
}

func TestOrchestrator_Plan(t *testing.T) {
	o := newTestOrchestrator(newRegistry(stepEcho("w")))
	plan, err := o.Plan(&Task{Strategy: fixtures.DiamondStrategy("w"), Inputs: map[string]any{"topic": 1}})
	require.NoError(t, err)
	assert.Len(t, plan.Waves(), 3)

	_, err = o.Plan(&Task{Strategy: fixtures.DiamondStrategy("w")})
	assert.Error(t, err, "topic is neither produced nor supplied")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Mode: "swarm"}.Validate())

	cfg := Config{}.normalized()
	assert.Equal(t, ModeParallel, cfg.Mode)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.NotNil(t, cfg.Retry)
}
