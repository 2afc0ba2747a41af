// =============================================================================
// Orchestra 主入口
// =============================================================================
// 一次性执行多步骤编排策略的命令行工具
//
// 使用方法:
//
//	orchestra run --strategy plan.yaml                    # 执行策略
//	orchestra run --strategy plan.yaml --save-state-to s  # 暂停/完成时保存状态
//	orchestra run --strategy plan.yaml --resume-from s    # 从保存的状态恢复
//	orchestra validate --strategy plan.yaml               # 校验策略
//	orchestra plan --strategy plan.yaml                   # 打印波次计划
//	orchestra version                                     # 显示版本信息
// =============================================================================

package main

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/orchestra/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitPaused = 2
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute 分发子命令并返回退出码
func execute(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitFailed
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:], stdout, stderr)
	case "validate":
		return validateCommand(args[1:], stdout, stderr)
	case "plan":
		return planCommand(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitFailed
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "Orchestra %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Orchestra - multi-step workflow orchestration

Usage:
  orchestra <command> [options]

Commands:
  run       Execute a strategy
  validate  Validate a strategy file
  plan      Print the resolved wave plan
  version   Show version information
  help      Show this help message

Options for 'run':
  --strategy <path>       Strategy file (YAML or JSON)
  --inputs <json>         Initial context as a JSON object
  --config <path>         Path to configuration file (YAML)
  --mode <mode>           Override orchestrator mode (parallel, sequential)
  --resume-from <name>    Load a saved state before running
  --save-state-to <name>  Save the state on pause and completion
  --json                  Print the result as JSON

Exit codes:
  0  run succeeded
  1  run failed or invalid arguments
  2  run paused for approval

Examples:
  orchestra run --strategy report.yaml --inputs '{"topic":"go"}'
  orchestra run --strategy report.yaml --save-state-to state.json
  orchestra run --strategy report.yaml --resume-from state.json --save-state-to state.json
  orchestra plan --strategy report.yaml
  orchestra version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
