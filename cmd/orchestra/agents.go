package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/config"
	"github.com/BaSui01/orchestra/internal/ctxkeys"
)

// =============================================================================
// 🤖 内置 Agent
// =============================================================================

// approvalMarker 外部命令以此前缀输出时请求人工审批
const approvalMarker = "APPROVAL:"

// exitTempFail 对应 sysexits 的 EX_TEMPFAIL，命令以此退出码表示可重试
const exitTempFail = 75

// registerAgents 注册内置 Agent 与配置中声明的命令 Agent
func registerAgents(reg *agent.Registry, cfg config.AgentsConfig, logger *zap.Logger) error {
	if err := reg.Register(echoAgent()); err != nil {
		return err
	}
	if err := reg.Register(humanAgent()); err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.Commands))
	for name := range cfg.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		argv := cfg.Commands[name]
		if err := reg.Register(commandAgent(name, argv)); err != nil {
			return fmt.Errorf("register command agent %s: %w", name, err)
		}
		logger.Debug("command agent registered", zap.String("agent", name), zap.Strings("argv", argv))
	}
	return nil
}

// echoAgent 把提示词原样作为输出
func echoAgent() agent.Agent {
	return agent.NewTextAgent("echo", func(_ context.Context, prompt string) (string, error) {
		return prompt, nil
	})
}

// humanAgent 总是请求审批；审批人在保存的状态中写入输出后恢复运行
func humanAgent() agent.Agent {
	return agent.NewFunc("human", func(_ context.Context, req *agent.Request) (agent.Output, error) {
		return agent.RequiresApproval(req.Intent, map[string]any{
			"step_id":         req.StepID,
			"expected_output": req.ExpectedOutput,
		}), nil
	})
}

// commandAgent 运行外部命令：提示词写入 stdin，stdout 作为输出
func commandAgent(name string, argv []string) agent.Agent {
	return agent.NewTextAgent(name, func(ctx context.Context, prompt string) (string, error) {
		return runCommandAgent(ctx, argv, prompt)
	}, agent.WithApprovalMarker(approvalMarker))
}

func runCommandAgent(ctx context.Context, argv []string, prompt string) (string, error) {
	if len(argv) == 0 {
		return "", agent.ExecutionError("command agent has no executable", nil)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), commandEnv(ctx)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimRight(stdout.String(), "\n"), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		msg := fmt.Sprintf("%s exited with status %d", argv[0], code)
		if tail := lastLine(stderr.String()); tail != "" {
			msg += ": " + tail
		}
		return "", agent.ProcessError(0, code == exitTempFail, 0, msg)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", agent.ExecutionError(fmt.Sprintf("%s not found", argv[0]), err)
	}
	return "", agent.IOError(fmt.Sprintf("failed to run %s", argv[0]), err)
}

// commandEnv 把运行与步骤标识传给外部命令，便于其关联日志
func commandEnv(ctx context.Context) []string {
	var env []string
	if v, ok := ctxkeys.RunID(ctx); ok {
		env = append(env, "ORCHESTRA_RUN_ID="+v)
	}
	if v, ok := ctxkeys.StepID(ctx); ok {
		env = append(env, "ORCHESTRA_STEP_ID="+v)
	}
	if v, ok := ctxkeys.TraceID(ctx); ok {
		env = append(env, "ORCHESTRA_TRACE_ID="+v)
	}
	return env
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
