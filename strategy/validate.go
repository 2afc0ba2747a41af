package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/orchestra/template"
	"github.com/BaSui01/orchestra/types"
)

// Validate checks the structure of a strategy map: unique ids across the
// whole map (loop bodies included), single-level loops, required fields,
// parseable templates and unique output keys. Reference resolution is done
// by the dependency resolver, which knows the externally supplied keys.
func Validate(m *StrategyMap) error {
	v := &validator{ids: make(map[string]string), outputs: make(map[string]string)}
	if m == nil || len(m.Elements) == 0 {
		v.add("strategy must have at least one element")
	}
	if m != nil {
		for i, in := range m.Elements {
			v.instruction(in, fmt.Sprintf("elements[%d]", i), false)
		}
	}
	return v.err()
}

type validator struct {
	errs    []error
	ids     map[string]string
	outputs map[string]string
}

func (v *validator) add(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	msgs := make([]string, len(v.errs))
	for i, e := range v.errs {
		msgs[i] = e.Error()
	}
	return types.NewValidationError("invalid strategy map: %s", strings.Join(msgs, "; ")).
		WithCause(errors.Join(v.errs...))
}

func (v *validator) id(id, path string) {
	if id == "" {
		v.add("%s: id is required", path)
		return
	}
	if prev, ok := v.ids[id]; ok {
		v.add("%s: duplicate id %q (first declared at %s)", path, id, prev)
		return
	}
	v.ids[id] = path
}

func (v *validator) output(key, owner, path string) {
	switch {
	case key == "":
		v.add("%s: expected_output is required", path)
	case strings.Contains(key, "."):
		v.add("%s: output key %q must not contain '.'", path, key)
	case key == FinalOutputKey:
		v.add("%s: output key %q is reserved", path, key)
	default:
		if prev, ok := v.outputs[key]; ok {
			v.add("%s: output key %q already produced by %s", path, key, prev)
			return
		}
		v.outputs[key] = owner
	}
}

func (v *validator) tmpl(s, field, path string) {
	if _, err := template.Placeholders(s); err != nil {
		v.add("%s: %s: %v", path, field, err)
	}
}

func (v *validator) instruction(in Instruction, path string, inLoop bool) {
	switch x := in.(type) {
	case *Step:
		v.id(x.StepID, path)
		if x.AssignedAgent == "" {
			v.add("%s: step %q has no assigned_agent", path, x.StepID)
		}
		if x.IntentTemplate == "" {
			v.add("%s: step %q has no intent_template", path, x.StepID)
		}
		v.tmpl(x.IntentTemplate, "intent_template", path)
		v.output(x.ExpectedOutput, x.StepID, path)

	case *LoopBlock:
		v.id(x.LoopID, path)
		if inLoop {
			v.add("%s: loop %q is nested inside another loop; loops are single-level", path, x.LoopID)
			return
		}
		if x.MaxIterations < 1 {
			v.add("%s: loop %q max_iterations must be >= 1, got %d", path, x.LoopID, x.MaxIterations)
		}
		if _, ok := ParseAggregation(string(x.Aggregation)); !ok {
			v.add("%s: loop %q has unknown aggregation %q", path, x.LoopID, x.Aggregation)
		}
		v.tmpl(x.ConditionTemplate, "condition_template", path)
		if len(x.Steps()) == 0 {
			v.add("%s: loop %q body must contain at least one step", path, x.LoopID)
		}
		for i, b := range x.Body {
			v.instruction(b, fmt.Sprintf("%s.body[%d]", path, i), true)
		}
		v.output(x.ResultKey(), x.LoopID, path)

	case *Terminate:
		v.id(x.TerminateID, path)
		v.tmpl(x.ConditionTemplate, "condition_template", path)
		v.tmpl(x.FinalOutputTemplate, "final_output_template", path)

	case nil:
		v.add("%s: nil instruction", path)
	default:
		v.add("%s: unsupported instruction %T", path, in)
	}
}
