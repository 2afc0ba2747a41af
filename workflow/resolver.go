package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/template"
	"github.com/BaSui01/orchestra/types"
)

// SegmentKind identifies what a plan segment executes.
type SegmentKind string

const (
	SegmentSteps     SegmentKind = "steps"
	SegmentLoop      SegmentKind = "loop"
	SegmentTerminate SegmentKind = "terminate"
)

// Segment is one ordered barrier of a plan. A run of consecutive steps is
// partitioned into waves; a loop or terminate is executed on its own.
type Segment struct {
	Kind      SegmentKind
	Waves     [][]*strategy.Step
	Loop      *strategy.LoopBlock
	Body      []Segment
	Terminate *strategy.Terminate
}

// Steps returns every step of the segment, loop bodies included.
func (s Segment) Steps() []*strategy.Step {
	var out []*strategy.Step
	for _, w := range s.Waves {
		out = append(out, w...)
	}
	for _, b := range s.Body {
		out = append(out, b.Steps()...)
	}
	return out
}

// Plan is the resolved execution order of a strategy map.
type Plan struct {
	Strategy *strategy.StrategyMap
	Segments []Segment

	// Deps lists, per step, the steps whose outputs it consumes.
	Deps map[string][]string
	// Level is the wave index of each step within its segment.
	Level map[string]int
	// Optional lists, per loop body step, keys produced later in the same
	// body. They are read from the previous iteration and render empty on
	// the first one.
	Optional map[string][]string
}

// Steps returns every step in execution order.
func (p *Plan) Steps() []*strategy.Step {
	var out []*strategy.Step
	for _, seg := range p.Segments {
		out = append(out, seg.Steps()...)
	}
	return out
}

// Waves returns the waves of the top-level step segments in order; used
// for display.
func (p *Plan) Waves() [][]*strategy.Step {
	var out [][]*strategy.Step
	for _, seg := range p.Segments {
		out = append(out, seg.Waves...)
	}
	return out
}

// String renders the plan for logs and the CLI.
func (p *Plan) String() string {
	var sb strings.Builder
	writeSegments(&sb, p.Segments, "")
	return sb.String()
}

func writeSegments(sb *strings.Builder, segs []Segment, indent string) {
	for _, seg := range segs {
		switch seg.Kind {
		case SegmentSteps:
			for i, w := range seg.Waves {
				ids := make([]string, len(w))
				for j, s := range w {
					ids[j] = s.StepID
				}
				fmt.Fprintf(sb, "%swave %d: %s\n", indent, i, strings.Join(ids, ", "))
			}
		case SegmentLoop:
			fmt.Fprintf(sb, "%sloop %s (max %d, %s -> %s)\n", indent, seg.Loop.LoopID,
				seg.Loop.MaxIterations, seg.Loop.AggregationMode(), seg.Loop.ResultKey())
			writeSegments(sb, seg.Body, indent+"  ")
		case SegmentTerminate:
			fmt.Fprintf(sb, "%sterminate %s\n", indent, seg.Terminate.TerminateID)
		}
	}
}

// Resolve validates a strategy map and derives its plan. externalKeys are
// context keys supplied by the caller (task inputs, keys injected during an
// approval edit) and therefore always resolvable.
func Resolve(sm *strategy.StrategyMap, externalKeys []string) (*Plan, error) {
	if err := strategy.Validate(sm); err != nil {
		return nil, err
	}

	r := &resolver{
		plan: &Plan{
			Strategy: sm,
			Deps:     make(map[string][]string),
			Level:    make(map[string]int),
			Optional: make(map[string][]string),
		},
		available: make(map[string]bool),
		producers: sm.Producers(),
	}
	for _, k := range externalKeys {
		r.available[k] = true
	}

	segs, err := r.segments(sm.Elements, nil)
	if err != nil {
		return nil, err
	}
	r.plan.Segments = segs
	return r.plan, nil
}

type resolver struct {
	plan      *Plan
	available map[string]bool
	producers map[string]string
}

// segments splits elements into ordered segments. loop is non-nil while
// resolving a loop body.
func (r *resolver) segments(elements []strategy.Instruction, loop *strategy.LoopBlock) ([]Segment, error) {
	var out []Segment
	var run []*strategy.Step

	// body-local producers, known up front so back-references are allowed
	bodyProducers := make(map[string]int)
	if loop != nil {
		for i, s := range loop.Steps() {
			bodyProducers[s.ExpectedOutput] = i
		}
	}

	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		waves, err := r.waves(run, bodyProducers)
		if err != nil {
			return err
		}
		out = append(out, Segment{Kind: SegmentSteps, Waves: waves})
		for _, s := range run {
			r.available[s.ExpectedOutput] = true
		}
		run = nil
		return nil
	}

	for _, in := range elements {
		switch v := in.(type) {
		case *strategy.Step:
			run = append(run, v)
		case *strategy.LoopBlock:
			if err := flush(); err != nil {
				return nil, err
			}
			if err := r.condition(v.LoopID, v.ConditionTemplate); err != nil {
				return nil, err
			}
			body, err := r.segments(v.Body, v)
			if err != nil {
				return nil, err
			}
			out = append(out, Segment{Kind: SegmentLoop, Loop: v, Body: body})
			r.available[v.ResultKey()] = true
		case *strategy.Terminate:
			if err := flush(); err != nil {
				return nil, err
			}
			if err := r.condition(v.TerminateID, v.ConditionTemplate); err != nil {
				return nil, err
			}
			if err := r.condition(v.TerminateID, v.FinalOutputTemplate); err != nil {
				return nil, err
			}
			out = append(out, Segment{Kind: SegmentTerminate, Terminate: v})
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// condition checks that a condition template only references keys that
// some instruction produces or the caller supplies.
func (r *resolver) condition(owner, tmpl string) error {
	keys, err := template.Placeholders(tmpl)
	if err != nil {
		return types.NewValidationError("%s: %v", owner, err)
	}
	for _, k := range keys {
		if !r.available[k] && r.producers[k] == "" {
			return types.NewValidationError("%s references %q, which no instruction produces and no input supplies", owner, k)
		}
	}
	return nil
}

// waves partitions a run of steps into dependency levels. bodyProducers is
// non-empty inside a loop body.
func (r *resolver) waves(run []*strategy.Step, bodyProducers map[string]int) ([][]*strategy.Step, error) {
	inRun := make(map[string]*strategy.Step, len(run))
	for _, s := range run {
		inRun[s.ExpectedOutput] = s
	}
	bodyIndex := make(map[string]int)
	for i, s := range run {
		bodyIndex[s.StepID] = i
	}

	deps := make(map[string][]string, len(run))
	for _, s := range run {
		keys, err := template.Placeholders(s.IntentTemplate)
		if err != nil {
			return nil, types.NewValidationError("step %s: %v", s.StepID, err)
		}
		for _, k := range keys {
			if producer, ok := inRun[k]; ok {
				if len(bodyProducers) > 0 {
					// inside a loop: only earlier body steps are edges,
					// later ones are read from the previous iteration
					if bodyIndex[producer.StepID] >= bodyIndex[s.StepID] {
						r.plan.Optional[s.StepID] = append(r.plan.Optional[s.StepID], k)
						continue
					}
				}
				deps[s.StepID] = append(deps[s.StepID], producer.StepID)
				continue
			}
			if r.available[k] {
				continue
			}
			if _, ok := bodyProducers[k]; ok {
				// produced by the body across a terminate barrier
				r.plan.Optional[s.StepID] = append(r.plan.Optional[s.StepID], k)
				continue
			}
			if producer := r.producers[k]; producer != "" {
				return nil, types.NewValidationError(
					"step %s references %q, which is only produced later by %s", s.StepID, k, producer)
			}
			return nil, types.NewValidationError(
				"step %s references %q, which no instruction produces and no input supplies", s.StepID, k)
		}
	}

	levels, err := levelize(run, deps)
	if err != nil {
		return nil, err
	}

	var waves [][]*strategy.Step
	for _, s := range run {
		lvl := levels[s.StepID]
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
		waves[lvl] = append(waves[lvl], s)
		r.plan.Level[s.StepID] = lvl
		r.plan.Deps[s.StepID] = deps[s.StepID]
	}
	return waves, nil
}

// levelize assigns each step the length of its longest dependency chain,
// rejecting cycles.
func levelize(run []*strategy.Step, deps map[string][]string) (map[string]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(run))
	levels := make(map[string]int, len(run))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case done:
			return nil
		case visiting:
			cycle := append(path[indexOf(path, id):], id)
			return types.NewValidationError("dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		color[id] = visiting
		lvl := 0
		for _, dep := range deps[id] {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
			lvl = max(lvl, levels[dep]+1)
		}
		levels[id] = lvl
		color[id] = done
		return nil
	}

	ids := make([]string, len(run))
	for i, s := range run {
		ids[i] = s.StepID
	}
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

func indexOf(path []string, id string) int {
	for i, p := range path {
		if p == id {
			return i
		}
	}
	return 0
}

// sortedKeys returns map keys in order, for deterministic output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
