package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// wireElement is the tagged on-disk form of an Instruction.
type wireElement struct {
	Type string `json:"type" yaml:"type"`

	StepID         string `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`
	AssignedAgent  string `json:"assigned_agent,omitempty" yaml:"assigned_agent,omitempty"`
	IntentTemplate string `json:"intent_template,omitempty" yaml:"intent_template,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty" yaml:"expected_output,omitempty"`

	LoopID        string        `json:"loop_id,omitempty" yaml:"loop_id,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Body          []wireElement `json:"body,omitempty" yaml:"body,omitempty"`
	Aggregation   string        `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	OutputKey     string        `json:"output_key,omitempty" yaml:"output_key,omitempty"`

	TerminateID         string `json:"terminate_id,omitempty" yaml:"terminate_id,omitempty"`
	ConditionTemplate   string `json:"condition_template,omitempty" yaml:"condition_template,omitempty"`
	FinalOutputTemplate string `json:"final_output_template,omitempty" yaml:"final_output_template,omitempty"`
}

type wireMap struct {
	Goal     string        `json:"goal" yaml:"goal"`
	Elements []wireElement `json:"elements" yaml:"elements"`
}

func toWire(in Instruction) wireElement {
	switch v := in.(type) {
	case *Step:
		return wireElement{
			Type:           string(KindStep),
			StepID:         v.StepID,
			Description:    v.Description,
			AssignedAgent:  v.AssignedAgent,
			IntentTemplate: v.IntentTemplate,
			ExpectedOutput: v.ExpectedOutput,
		}
	case *LoopBlock:
		w := wireElement{
			Type:              string(KindLoop),
			LoopID:            v.LoopID,
			MaxIterations:     v.MaxIterations,
			ConditionTemplate: v.ConditionTemplate,
			Aggregation:       string(v.Aggregation),
			OutputKey:         v.OutputKey,
		}
		for _, b := range v.Body {
			w.Body = append(w.Body, toWire(b))
		}
		return w
	case *Terminate:
		return wireElement{
			Type:                string(KindTerminate),
			TerminateID:         v.TerminateID,
			ConditionTemplate:   v.ConditionTemplate,
			FinalOutputTemplate: v.FinalOutputTemplate,
		}
	}
	return wireElement{}
}

func fromWire(w wireElement, path string) (Instruction, error) {
	kind := InstructionKind(strings.ToLower(w.Type))
	if kind == "" {
		switch {
		case w.StepID != "":
			kind = KindStep
		case w.LoopID != "":
			kind = KindLoop
		case w.TerminateID != "":
			kind = KindTerminate
		}
	}

	switch kind {
	case KindStep:
		return &Step{
			StepID:         w.StepID,
			Description:    w.Description,
			AssignedAgent:  w.AssignedAgent,
			IntentTemplate: w.IntentTemplate,
			ExpectedOutput: w.ExpectedOutput,
		}, nil
	case KindLoop:
		agg, ok := ParseAggregation(w.Aggregation)
		if !ok {
			// keep the raw value so Validate reports it with context
			agg = Aggregation(w.Aggregation)
		}
		l := &LoopBlock{
			LoopID:            w.LoopID,
			MaxIterations:     w.MaxIterations,
			ConditionTemplate: w.ConditionTemplate,
			Aggregation:       agg,
			OutputKey:         w.OutputKey,
		}
		for i, b := range w.Body {
			in, err := fromWire(b, fmt.Sprintf("%s.body[%d]", path, i))
			if err != nil {
				return nil, err
			}
			l.Body = append(l.Body, in)
		}
		return l, nil
	case KindTerminate:
		return &Terminate{
			TerminateID:         w.TerminateID,
			ConditionTemplate:   w.ConditionTemplate,
			FinalOutputTemplate: w.FinalOutputTemplate,
		}, nil
	}
	return nil, fmt.Errorf("%s: unknown instruction type %q", path, w.Type)
}

func (m *StrategyMap) toWire() wireMap {
	w := wireMap{Goal: m.Goal, Elements: make([]wireElement, 0, len(m.Elements))}
	for _, in := range m.Elements {
		w.Elements = append(w.Elements, toWire(in))
	}
	return w
}

func (m *StrategyMap) fromWire(w wireMap) error {
	m.Goal = w.Goal
	m.Elements = nil
	for i, e := range w.Elements {
		in, err := fromWire(e, fmt.Sprintf("elements[%d]", i))
		if err != nil {
			return err
		}
		m.Elements = append(m.Elements, in)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m StrategyMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toWire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *StrategyMap) UnmarshalJSON(data []byte) error {
	var w wireMap
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to unmarshal strategy map: %w", err)
	}
	return m.fromWire(w)
}

// MarshalYAML implements yaml.Marshaler.
func (m StrategyMap) MarshalYAML() (any, error) {
	return m.toWire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *StrategyMap) UnmarshalYAML(node *yaml.Node) error {
	var w wireMap
	if err := node.Decode(&w); err != nil {
		return fmt.Errorf("failed to unmarshal strategy map: %w", err)
	}
	return m.fromWire(w)
}

// FromJSON parses and validates a strategy map.
func FromJSON(data []byte) (*StrategyMap, error) {
	var m StrategyMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FromYAML parses and validates a strategy map.
func FromYAML(data []byte) (*StrategyMap, error) {
	var m StrategyMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads a strategy map, choosing YAML for .yaml/.yml files and
// JSON otherwise.
func LoadFile(path string) (*StrategyMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return FromJSON(data)
	}
}

// ToYAML renders the map as YAML.
func (m *StrategyMap) ToYAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// ToJSON renders the map as indented JSON.
func (m *StrategyMap) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
