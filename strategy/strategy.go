package strategy

import "strings"

// FinalOutputKey is the reserved context key a Terminate writes its rendered
// final output to.
const FinalOutputKey = "final_output"

// InstructionKind identifies the variant of an Instruction.
type InstructionKind string

const (
	KindStep      InstructionKind = "step"
	KindLoop      InstructionKind = "loop"
	KindTerminate InstructionKind = "terminate"
)

// Instruction is one element of a StrategyMap: *Step, *LoopBlock or *Terminate.
type Instruction interface {
	ID() string
	Kind() InstructionKind
	instruction()
}

// Aggregation governs what a loop writes to context on exit.
type Aggregation string

const (
	LastSuccess  Aggregation = "last_success"
	FirstSuccess Aggregation = "first_success"
	CollectAll   Aggregation = "collect_all"
)

// ParseAggregation accepts snake_case or CamelCase spellings. Empty means LastSuccess.
func ParseAggregation(s string) (Aggregation, bool) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch norm {
	case "", "lastsuccess":
		return LastSuccess, true
	case "firstsuccess":
		return FirstSuccess, true
	case "collectall":
		return CollectAll, true
	}
	return Aggregation(s), false
}

// StrategyMap is an immutable workflow definition.
type StrategyMap struct {
	Goal     string
	Elements []Instruction
}

// Step is one unit of work delegated to an agent.
type Step struct {
	StepID         string
	Description    string
	AssignedAgent  string
	IntentTemplate string
	ExpectedOutput string
}

func (s *Step) ID() string            { return s.StepID }
func (s *Step) Kind() InstructionKind { return KindStep }
func (*Step) instruction()            {}

// LoopBlock repeats its body while ConditionTemplate renders truthy, at most
// MaxIterations times.
type LoopBlock struct {
	LoopID            string
	MaxIterations     int
	ConditionTemplate string
	Body              []Instruction
	Aggregation       Aggregation
	// OutputKey receives the aggregated result; defaults to LoopID.
	OutputKey string
}

func (l *LoopBlock) ID() string            { return l.LoopID }
func (l *LoopBlock) Kind() InstructionKind { return KindLoop }
func (*LoopBlock) instruction()            {}

// ResultKey returns the context key the loop writes on exit.
func (l *LoopBlock) ResultKey() string {
	if l.OutputKey != "" {
		return l.OutputKey
	}
	return l.LoopID
}

// AggregationMode returns the aggregation, defaulting to LastSuccess.
func (l *LoopBlock) AggregationMode() Aggregation {
	agg, _ := ParseAggregation(string(l.Aggregation))
	return agg
}

// Steps returns the body's steps in order.
func (l *LoopBlock) Steps() []*Step {
	var out []*Step
	for _, in := range l.Body {
		if s, ok := in.(*Step); ok {
			out = append(out, s)
		}
	}
	return out
}

// Terminate stops the orchestration successfully when its condition holds.
type Terminate struct {
	TerminateID         string
	ConditionTemplate   string
	FinalOutputTemplate string
}

func (t *Terminate) ID() string            { return t.TerminateID }
func (t *Terminate) Kind() InstructionKind { return KindTerminate }
func (*Terminate) instruction()            {}

// AllSteps returns every step of the map, including loop bodies, in
// declaration order.
func (m *StrategyMap) AllSteps() []*Step {
	var out []*Step
	for _, in := range m.Elements {
		switch v := in.(type) {
		case *Step:
			out = append(out, v)
		case *LoopBlock:
			out = append(out, v.Steps()...)
		}
	}
	return out
}

// Loops returns the top-level loops.
func (m *StrategyMap) Loops() []*LoopBlock {
	var out []*LoopBlock
	for _, in := range m.Elements {
		if l, ok := in.(*LoopBlock); ok {
			out = append(out, l)
		}
	}
	return out
}

// Find returns the step with the given id, searching loop bodies too.
func (m *StrategyMap) Find(stepID string) (*Step, bool) {
	for _, s := range m.AllSteps() {
		if s.StepID == stepID {
			return s, true
		}
	}
	return nil, false
}

// Producers maps every context key written by the map to the id of the
// instruction producing it.
func (m *StrategyMap) Producers() map[string]string {
	out := make(map[string]string)
	for _, in := range m.Elements {
		switch v := in.(type) {
		case *Step:
			out[v.ExpectedOutput] = v.StepID
		case *LoopBlock:
			for _, s := range v.Steps() {
				out[s.ExpectedOutput] = s.StepID
			}
			out[v.ResultKey()] = v.LoopID
		case *Terminate:
			if v.FinalOutputTemplate != "" {
				out[FinalOutputKey] = v.TerminateID
			}
		}
	}
	return out
}
