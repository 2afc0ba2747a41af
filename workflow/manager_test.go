package workflow

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/orchestra/types"
)

func TestExecutionManager_Transitions(t *testing.T) {
	m := NewExecutionManager()
	m.Register("a", "b")

	err := m.MarkCompleted("a", "a_out", 1)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	_, ok := m.Get("a_out")
	assert.False(t, ok, "a rejected completion writes nothing")

	require.NoError(t, m.MarkRunning("a"))
	require.NoError(t, m.MarkCompleted("a", "a_out", 1))
	v, _ := m.Get("a_out")
	assert.Equal(t, 1, v)

	require.NoError(t, m.MarkRunning("b"))
	require.NoError(t, m.MarkFailed("b", errors.New("boom")))
	st, _ := m.GetState("b")
	assert.Equal(t, "boom", st.Error)

	// failed steps may be retried directly
	require.NoError(t, m.MarkRunning("b"))
	require.NoError(t, m.MarkPaused("b", "ok?", map[string]any{"k": "v"}))
	assert.Equal(t, []string{"b"}, m.Paused())
	assert.False(t, m.Verdict())

	require.NoError(t, m.SetState("b", types.StepState{Status: types.StepCompleted}))
	assert.True(t, m.Verdict())
	assert.Equal(t, 1, m.StepsExecuted(), "only MarkCompleted counts as an execution")

	err = m.MarkRunning("unknown")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestExecutionManager_SkipAndReset(t *testing.T) {
	m := NewExecutionManager()
	m.Register("a", "b", "c")
	require.NoError(t, m.MarkRunning("a"))
	require.NoError(t, m.MarkCompleted("a", "x", "v"))
	require.NoError(t, m.MarkRunning("b"))
	require.NoError(t, m.MarkFailed("b", nil))

	require.NoError(t, m.SettleLoopBody([]string{"a", "b", "c"}))
	assert.Equal(t, types.StepCompleted, m.Status("a"))
	assert.Equal(t, types.StepSkipped, m.Status("b"))
	assert.Equal(t, types.StepSkipped, m.Status("c"))
	assert.True(t, m.Verdict())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.ResetStep(id))
		assert.Equal(t, types.StepPending, m.Status(id))
	}

	require.NoError(t, m.MarkRunning("a"))
	assert.Error(t, m.ResetStep("a"), "a running step cannot be reset")
}

func TestExecutionManager_ReadContextIsACopy(t *testing.T) {
	m := NewExecutionManager()
	m.WriteContext("doc", map[string]any{"title": "t", "tags": []any{"a"}})

	snap := m.ReadContext()
	snap["doc"].(map[string]any)["title"] = "changed"
	snap["doc"].(map[string]any)["tags"].([]any)[0] = "z"
	snap["new"] = true

	v, _ := m.Get("doc")
	assert.Equal(t, "t", v.(map[string]any)["title"])
	assert.Equal(t, "a", v.(map[string]any)["tags"].([]any)[0])
	_, ok := m.Get("new")
	assert.False(t, ok)
}

func TestExecutionManager_ConcurrentCompletions(t *testing.T) {
	m := NewExecutionManager()
	ids := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	m.Register(ids...)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.MarkRunning(id)
			_ = m.ReadContext()
			_ = m.MarkCompleted(id, id+"_out", id)
		}()
	}
	wg.Wait()

	assert.Equal(t, len(ids), m.StepsExecuted())
	assert.Len(t, m.ReadContext(), len(ids))
	assert.True(t, m.Verdict())
}

func TestExecutionManager_Loops(t *testing.T) {
	m := NewExecutionManager()
	m.IncrementLoop("l")
	m.IncrementLoop("l")
	m.IncrementLoop("k")
	m.RecordLoopOutput("l", "v1")
	m.RecordLoopFailure("l")

	assert.Equal(t, 2, m.LoopCounter("l"))
	assert.Equal(t, 3, m.TotalLoopIterations())
	outputs, failures := m.LoopOutputs("l")
	assert.Equal(t, []any{"v1"}, outputs)
	assert.Equal(t, 1, failures)
}

func TestExecutionManager_RestoreTreatsRunningAsPending(t *testing.T) {
	st := types.NewOrchestrationState()
	st.StepStates["a"] = types.StepState{Status: types.StepRunning}
	st.StepStates["b"] = types.StepState{Status: types.StepCompleted}
	st.Context["b_out"] = "x"
	st.LoopCounters["l"] = 2
	st.TotalLoopIterations = 2

	m := NewExecutionManager()
	m.Restore(st)
	assert.Equal(t, types.StepPending, m.Status("a"))
	assert.Equal(t, types.StepCompleted, m.Status("b"))
	assert.Equal(t, 2, m.LoopCounter("l"))
	assert.Equal(t, 0, m.StepsExecuted(), "restored completions are not executions of this process")

	// the input is not aliased
	st.Context["b_out"] = "changed"
	v, _ := m.Get("b_out")
	assert.Equal(t, "x", v)
}

func TestExecutionManager_SnapshotRestoreRoundTrip(t *testing.T) {
	statuses := []types.StepStatus{
		types.StepPending, types.StepCompleted, types.StepFailed,
		types.StepPausedForApproval, types.StepSkipped,
	}
	rapid.Check(t, func(t *rapid.T) {
		st := types.NewOrchestrationState()
		n := rapid.IntRange(0, 10).Draw(t, "steps")
		for i := 0; i < n; i++ {
			id := rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "id")
			st.StepStates[id] = types.StepState{Status: rapid.SampledFrom(statuses).Draw(t, "status")}
			st.Context[id+"_out"] = rapid.String().Draw(t, "value")
		}
		total := rapid.IntRange(0, 50).Draw(t, "total")
		st.LoopCounters["loop"] = total
		st.TotalLoopIterations = total

		m := NewExecutionManager()
		m.Restore(st)
		got := m.Snapshot()

		if len(got.StepStates) != len(st.StepStates) {
			t.Fatalf("step count %d != %d", len(got.StepStates), len(st.StepStates))
		}
		for id, want := range st.StepStates {
			if got.StepStates[id].Status != want.Status {
				t.Fatalf("step %s: %s != %s", id, got.StepStates[id].Status, want.Status)
			}
		}
		for k, v := range st.Context {
			if got.Context[k] != v {
				t.Fatalf("context %s differs", k)
			}
		}
		if got.TotalLoopIterations != total || got.LoopCounters["loop"] != total {
			t.Fatalf("loop counters differ")
		}
	})
}
