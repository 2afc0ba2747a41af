package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/workflow"
)

// =============================================================================
// 🔍 validate / plan 命令
// =============================================================================

type planFlags struct {
	strategyPath string
	inputs       string
}

func parsePlanFlags(name string, args []string, stderr io.Writer) (*planFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &planFlags{}
	fs.StringVar(&f.strategyPath, "strategy", "", "Strategy file (YAML or JSON)")
	fs.StringVar(&f.inputs, "inputs", "", "Initial context as a JSON object")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.strategyPath == "" {
		return nil, errors.New("--strategy is required")
	}
	return f, nil
}

// resolvePlan 加载策略并解析为波次计划；inputs 中的键视为外部提供
func resolvePlan(f *planFlags) (*strategy.StrategyMap, *workflow.Plan, error) {
	sm, err := strategy.LoadFile(f.strategyPath)
	if err != nil {
		return nil, nil, err
	}
	inputs, err := parseInputs(f.inputs)
	if err != nil {
		return nil, nil, err
	}
	plan, err := workflow.New(agent.NewRegistry()).Plan(&workflow.Task{Strategy: sm, Inputs: inputs})
	if err != nil {
		return nil, nil, err
	}
	return sm, plan, nil
}

func validateCommand(args []string, stdout, stderr io.Writer) int {
	f, err := parsePlanFlags("validate", args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid arguments: %v\n", err)
		return exitFailed
	}
	sm, plan, err := resolvePlan(f)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid strategy: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "OK: %q has %d steps in %d waves\n", sm.Goal, len(plan.Steps()), len(plan.Waves()))
	return exitOK
}

func planCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "Print the waves as JSON")
	strategyPath := fs.String("strategy", "", "Strategy file (YAML or JSON)")
	inputs := fs.String("inputs", "", "Initial context as a JSON object")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "Invalid arguments: %v\n", err)
		return exitFailed
	}
	if *strategyPath == "" {
		fmt.Fprintln(stderr, "Invalid arguments: --strategy is required")
		return exitFailed
	}

	_, plan, err := resolvePlan(&planFlags{strategyPath: *strategyPath, inputs: *inputs})
	if err != nil {
		fmt.Fprintf(stderr, "Invalid strategy: %v\n", err)
		return exitFailed
	}

	if !*asJSON {
		fmt.Fprint(stdout, plan.String())
		return exitOK
	}

	waves := make([][]string, 0, len(plan.Waves()))
	for _, wave := range plan.Waves() {
		ids := make([]string, 0, len(wave))
		for _, s := range wave {
			ids = append(ids, s.StepID)
		}
		waves = append(waves, ids)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"waves": waves}); err != nil {
		fmt.Fprintf(stderr, "Failed to encode plan: %v\n", err)
		return exitFailed
	}
	return exitOK
}
