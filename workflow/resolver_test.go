package workflow

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/testutil/fixtures"
	"github.com/BaSui01/orchestra/types"
)

func waveIDs(waves [][]*strategy.Step) [][]string {
	out := make([][]string, len(waves))
	for i, w := range waves {
		out[i] = stepIDs(w)
	}
	return out
}

func TestResolve_Diamond(t *testing.T) {
	plan, err := Resolve(fixtures.DiamondStrategy("w"), []string{"topic"})
	require.NoError(t, err)
	require.Len(t, plan.Segments, 1)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, waveIDs(plan.Segments[0].Waves))
	assert.Equal(t, 2, plan.Level["d"])
	assert.ElementsMatch(t, []string{"b", "c"}, plan.Deps["d"])
	assert.Contains(t, plan.String(), "wave 1: b, c")
}

func TestResolve_ElementOrderDoesNotMatterWithinSegment(t *testing.T) {
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("review", "w", "review {{ draft }}", "review"),
		fixtures.Step("draft", "w", "draft {{ topic }}", "draft"),
	}}
	plan, err := Resolve(sm, []string{"topic"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"draft"}, {"review"}}, waveIDs(plan.Waves()))
}

func TestResolve_Segments(t *testing.T) {
	plan, err := Resolve(fixtures.LoopStrategy("w", 3, strategy.CollectAll), []string{"topic"})
	require.NoError(t, err)
	require.Len(t, plan.Segments, 3)
	assert.Equal(t, SegmentSteps, plan.Segments[0].Kind)
	assert.Equal(t, SegmentLoop, plan.Segments[1].Kind)
	assert.Equal(t, SegmentSteps, plan.Segments[2].Kind)

	body := plan.Segments[1].Body
	require.Len(t, body, 1)
	assert.Equal(t, [][]string{{"critique"}, {"revise"}}, waveIDs(body[0].Waves))

	// critique reads the previous iteration's revision
	assert.Equal(t, []string{"revision"}, plan.Optional["critique"])
	assert.Empty(t, plan.Deps["critique"])
	assert.Len(t, plan.Steps(), 4)
}

func TestResolve_Errors(t *testing.T) {
	step := fixtures.Step
	tests := []struct {
		name     string
		elements []strategy.Instruction
		want     string
	}{
		{
			name: "cycle",
			elements: []strategy.Instruction{
				step("a", "w", "{{ b_out }}", "a_out"),
				step("b", "w", "{{ a_out }}", "b_out"),
			},
			want: "cycle",
		},
		{
			name: "unknown key",
			elements: []strategy.Instruction{
				step("a", "w", "{{ nowhere }}", "a_out"),
			},
			want: "no instruction produces",
		},
		{
			name: "key produced by a later segment",
			elements: []strategy.Instruction{
				step("a", "w", "{{ looped }}", "a_out"),
				&strategy.LoopBlock{LoopID: "looped", MaxIterations: 1, Body: []strategy.Instruction{
					step("b", "w", "work", "b_out"),
				}},
			},
			want: "only produced later",
		},
		{
			name: "nested loop",
			elements: []strategy.Instruction{
				&strategy.LoopBlock{LoopID: "outer", MaxIterations: 2, Body: []strategy.Instruction{
					&strategy.LoopBlock{LoopID: "inner", MaxIterations: 2, Body: []strategy.Instruction{
						step("b", "w", "work", "b_out"),
					}},
				}},
			},
			want: "nested",
		},
		{
			name: "condition references unknown key",
			elements: []strategy.Instruction{
				step("a", "w", "work", "a_out"),
				&strategy.Terminate{TerminateID: "t", ConditionTemplate: "{{ ghost }}"},
			},
			want: "ghost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(&strategy.StrategyMap{Goal: "g", Elements: tt.elements}, nil)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrValidation), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolve_ExternalKeys(t *testing.T) {
	sm := &strategy.StrategyMap{Goal: "g", Elements: []strategy.Instruction{
		fixtures.Step("a", "w", "use {{ operator_note }}", "a_out"),
	}}
	_, err := Resolve(sm, nil)
	require.Error(t, err)

	_, err = Resolve(sm, []string{"operator_note"})
	require.NoError(t, err)
}

// randomStrategy builds n steps whose dependencies form a random DAG, listed
// in a random order.
func randomStrategy(seed int64, n int) *strategy.StrategyMap {
	rng := rand.New(rand.NewSource(seed))
	steps := make([]*strategy.Step, n)
	for i := 0; i < n; i++ {
		var refs []string
		for j := 0; j < i; j++ {
			if rng.Intn(3) == 0 {
				refs = append(refs, fmt.Sprintf("{{ out%d }}", j))
			}
		}
		steps[i] = fixtures.Step(fmt.Sprintf("s%d", i), "w", "do "+strings.Join(refs, " "), fmt.Sprintf("out%d", i))
	}
	rng.Shuffle(n, func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

	sm := &strategy.StrategyMap{Goal: "random"}
	for _, s := range steps {
		sm.Elements = append(sm.Elements, s)
	}
	return sm
}

func TestProperty_WaveCorrectness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("every step runs after its producers, at its longest chain depth", prop.ForAll(
		func(seed int64, n int) bool {
			sm := randomStrategy(seed, n)
			plan, err := Resolve(sm, nil)
			if err != nil {
				t.Logf("resolve failed: %v", err)
				return false
			}

			seen := make(map[string]int)
			for i, wave := range plan.Waves() {
				for _, s := range wave {
					seen[s.StepID]++
					if plan.Level[s.StepID] != i {
						return false
					}
				}
			}
			if len(seen) != n {
				return false
			}
			for id, count := range seen {
				if count != 1 {
					return false
				}
				deps := plan.Deps[id]
				if len(deps) == 0 && plan.Level[id] != 0 {
					return false
				}
				maxDep := -1
				for _, dep := range deps {
					if plan.Level[dep] >= plan.Level[id] {
						return false
					}
					maxDep = max(maxDep, plan.Level[dep])
				}
				if len(deps) > 0 && maxDep != plan.Level[id]-1 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}
