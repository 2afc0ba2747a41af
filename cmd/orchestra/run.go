package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/config"
	"github.com/BaSui01/orchestra/internal/metrics"
	"github.com/BaSui01/orchestra/internal/server"
	"github.com/BaSui01/orchestra/internal/telemetry"
	"github.com/BaSui01/orchestra/persistence"
	"github.com/BaSui01/orchestra/strategy"
	"github.com/BaSui01/orchestra/workflow"
)

// =============================================================================
// 🚀 run 命令
// =============================================================================

type runFlags struct {
	strategyPath string
	configPath   string
	inputs       string
	mode         string
	resumeFrom   string
	saveStateTo  string
	jsonOutput   bool
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &runFlags{}
	fs.StringVar(&f.strategyPath, "strategy", "", "Strategy file (YAML or JSON)")
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.inputs, "inputs", "", "Initial context as a JSON object")
	fs.StringVar(&f.mode, "mode", "", "Override orchestrator mode")
	fs.StringVar(&f.resumeFrom, "resume-from", "", "Load a saved state before running")
	fs.StringVar(&f.saveStateTo, "save-state-to", "", "Save the state on pause and completion")
	fs.BoolVar(&f.jsonOutput, "json", false, "Print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.strategyPath == "" {
		return nil, errors.New("--strategy is required")
	}
	return f, nil
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	f, err := parseRunFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid arguments: %v\n", err)
		return exitFailed
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitFailed
	}
	if f.mode != "" {
		cfg.Orchestrator.Mode = workflow.Mode(f.mode)
		if err := cfg.Orchestrator.Validate(); err != nil {
			fmt.Fprintf(stderr, "Invalid arguments: %v\n", err)
			return exitFailed
		}
	}

	sm, err := strategy.LoadFile(f.strategyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load strategy: %v\n", err)
		return exitFailed
	}
	inputs, err := parseInputs(f.inputs)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid inputs: %v\n", err)
		return exitFailed
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Orchestra",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("strategy", f.strategyPath),
	)

	// 等待中断信号，取消正在执行的运行
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := executeRun(ctx, cfg, f, sm, inputs, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Run aborted: %v\n", err)
		return exitFailed
	}

	if f.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(stderr, "Failed to encode result: %v\n", err)
			return exitFailed
		}
	} else {
		printResult(stdout, res)
	}

	switch {
	case res.Paused:
		return exitPaused
	case res.Success:
		return exitOK
	default:
		return exitFailed
	}
}

// executeRun 装配编排器所需的依赖并执行一次运行
func executeRun(ctx context.Context, cfg *config.Config, f *runFlags, sm *strategy.StrategyMap, inputs map[string]any, logger *zap.Logger) (*workflow.Result, error) {
	// Initialize OpenTelemetry
	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	registry := agent.NewRegistry(append(cfg.RegistryOptions(), agent.WithLogger(logger))...)
	if err := registerAgents(registry, cfg.Agents, logger); err != nil {
		return nil, err
	}

	opts := []workflow.Option{
		workflow.WithConfig(cfg.WorkflowConfig()),
		workflow.WithLogger(logger),
		workflow.WithTracer(providers.Tracer()),
		workflow.WithEventHandler(logEvents(logger)),
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, workflow.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, logger)))
		ops := server.NewMetricsManager(cfg.Metrics.Addr, logger)
		if err := ops.Start(); err != nil {
			logger.Warn("metrics server not started", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ops.Shutdown(shutdownCtx)
			}()
		}
	}

	var runOpts []workflow.RunOption
	if f.resumeFrom != "" || f.saveStateTo != "" {
		store, err := persistence.NewStateStore(ctx, cfg.StoreConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		defer store.Close()
		opts = append(opts, workflow.WithStateStore(store))

		if f.resumeFrom != "" {
			runOpts = append(runOpts, workflow.WithResumeFrom(f.resumeFrom))
		}
		if f.saveStateTo != "" {
			runOpts = append(runOpts, workflow.WithSaveStateTo(f.saveStateTo))
		}
	}

	o := workflow.New(registry, opts...)
	return o.Execute(ctx, &workflow.Task{Strategy: sm, Inputs: inputs}, runOpts...)
}

// logEvents 把运行事件写入结构化日志
func logEvents(logger *zap.Logger) workflow.EventHandler {
	return func(ev workflow.Event) {
		fields := []zap.Field{
			zap.String("event", string(ev.Type)),
			zap.String("run_id", ev.RunID),
		}
		if ev.StepID != "" {
			fields = append(fields, zap.String("step_id", ev.StepID))
		}
		if ev.Agent != "" {
			fields = append(fields, zap.String("agent", ev.Agent))
		}
		if ev.LoopID != "" {
			fields = append(fields, zap.String("loop_id", ev.LoopID), zap.Int("iteration", ev.Iteration))
		}
		if len(ev.Wave) > 0 {
			fields = append(fields, zap.Strings("wave", ev.Wave))
		}
		if ev.Message != "" {
			fields = append(fields, zap.String("message", ev.Message))
		}
		if ev.Error != "" {
			fields = append(fields, zap.String("error", ev.Error))
		}

		switch ev.Type {
		case workflow.EventStepError, workflow.EventRecovery:
			logger.Warn("orchestration event", fields...)
		case workflow.EventRunStart, workflow.EventRunComplete, workflow.EventStepPaused, workflow.EventTerminate:
			logger.Info("orchestration event", fields...)
		default:
			logger.Debug("orchestration event", fields...)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

func parseInputs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("--inputs must be a JSON object: %w", err)
	}
	return inputs, nil
}

// printResult 输出人类可读的运行结果
func printResult(w io.Writer, res *workflow.Result) {
	switch {
	case res.Paused:
		fmt.Fprintf(w, "Run %s paused at step %s: %s\n", res.RunID, res.PausedStep, res.PauseReason)
	case res.Success:
		fmt.Fprintf(w, "Run %s completed in %s (%d steps)\n", res.RunID, res.Duration.Round(time.Millisecond), res.StepsExecuted)
	default:
		fmt.Fprintf(w, "Run %s failed: %v\n", res.RunID, res.Failure)
	}

	if res.Terminated != "" {
		fmt.Fprintf(w, "Terminated by %s\n", res.Terminated)
	}
	if out, ok := res.FinalOutput(); ok {
		fmt.Fprintf(w, "Final output: %v\n", out)
	}
	for _, rec := range res.Recovery {
		fmt.Fprintf(w, "Recovery: step %s %s (%s)\n", rec.StepID, rec.Stage, rec.Outcome)
	}

	keys := make([]string, 0, len(res.Context))
	for k := range res.Context {
		if k == strategy.FinalOutputKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		fmt.Fprintln(w, "Context:")
	}
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %v\n", k, res.Context[k])
	}
}
