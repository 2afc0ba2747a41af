// =============================================================================
// 📦 Orchestra 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("orchestra.yaml").
//	    WithEnvPrefix("ORCHESTRA").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/internal/database"
	"github.com/BaSui01/orchestra/persistence"
	"github.com/BaSui01/orchestra/retry"
	"github.com/BaSui01/orchestra/workflow"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Orchestra 的完整配置结构
type Config struct {
	// Orchestrator 编排器配置
	Orchestrator workflow.Config `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Retry 步骤级重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Store 状态存储后端
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 存储配置（store.type = redis 时生效）
	Redis persistence.RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（store.type = sql 时生效）
	Database database.Config `yaml:"database" env:"DATABASE"`

	// Agents agent 调用限流
	Agents AgentsConfig `yaml:"agents" env:"AGENTS"`

	// CircuitBreaker 每个 agent 的熔断器
	CircuitBreaker agent.BreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	// 总尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// P3 线性步长
	LinearStep time.Duration `yaml:"linear_step" env:"LINEAR_STEP"`
	// P2 指数基数
	ExponentialBase time.Duration `yaml:"exponential_base" env:"EXPONENTIAL_BASE"`
	// P2 上限
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// Policy 转换为 retry.Policy
func (r RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		LinearStep:      r.LinearStep,
		ExponentialBase: r.ExponentialBase,
		MaxBackoff:      r.MaxBackoff,
	}
}

// StoreConfig 状态存储配置
type StoreConfig struct {
	// 类型: file, memory, redis, sql
	Type persistence.StoreType `yaml:"type" env:"TYPE"`
	// 文件存储根目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
}

// AgentsConfig agent 限流配置
type AgentsConfig struct {
	// 默认每秒调用数；0 表示不限流
	DefaultRPS float64 `yaml:"default_rps" env:"DEFAULT_RPS"`
	// 默认突发量
	DefaultBurst int `yaml:"default_burst" env:"DEFAULT_BURST"`
	// 按 agent 名称覆盖
	RateLimits map[string]agent.RateLimit `yaml:"rate_limits"`
	// 外部命令 agent：名称 → argv，提示词经 stdin 传入，stdout 即输出
	Commands map[string][]string `yaml:"commands"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否暴露 /metrics
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ORCHESTRA",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error

	if err := c.Orchestrator.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}

	switch c.Store.Type {
	case persistence.StoreTypeFile, persistence.StoreTypeMemory, "":
	case persistence.StoreTypeRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis store"))
		}
	case persistence.StoreTypeSQL:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the sql store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q", c.Store.Type))
	}

	if c.Agents.DefaultRPS < 0 {
		errs = append(errs, errors.New("agents.default_rps must not be negative"))
	}
	for name, limit := range c.Agents.RateLimits {
		if limit.RPS < 0 {
			errs = append(errs, fmt.Errorf("agents.rate_limits.%s.rps must not be negative", name))
		}
	}
	for name, argv := range c.Agents.Commands {
		if len(argv) == 0 || argv[0] == "" {
			errs = append(errs, fmt.Errorf("agents.commands.%s has no executable", name))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// 🔌 组件装配
// =============================================================================

// WorkflowConfig 返回带重试策略的编排器配置
func (c *Config) WorkflowConfig() workflow.Config {
	wc := c.Orchestrator
	wc.Retry = c.Retry.Policy()
	return wc
}

// StoreConfig 返回 persistence 工厂使用的存储配置
func (c *Config) StoreConfig() persistence.StoreConfig {
	return persistence.StoreConfig{
		Type:     c.Store.Type,
		BaseDir:  c.Store.BaseDir,
		Redis:    c.Redis,
		Database: c.Database,
	}
}

// RegistryOptions 返回 agent.Registry 的限流与熔断选项
func (c *Config) RegistryOptions() []agent.RegistryOption {
	var opts []agent.RegistryOption
	if c.Agents.DefaultRPS > 0 {
		opts = append(opts, agent.WithDefaultRateLimit(agent.RateLimit{
			RPS:   c.Agents.DefaultRPS,
			Burst: c.Agents.DefaultBurst,
		}))
	}
	for name, limit := range c.Agents.RateLimits {
		opts = append(opts, agent.WithRateLimit(name, limit))
	}
	if c.CircuitBreaker.FailureThreshold > 0 {
		opts = append(opts, agent.WithCircuitBreaker(c.CircuitBreaker))
	}
	return opts
}
