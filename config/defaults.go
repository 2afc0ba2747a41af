// =============================================================================
// 📦 Orchestra 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"github.com/BaSui01/orchestra/agent"
	"github.com/BaSui01/orchestra/internal/database"
	"github.com/BaSui01/orchestra/persistence"
	"github.com/BaSui01/orchestra/retry"
	"github.com/BaSui01/orchestra/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Orchestrator:   DefaultOrchestratorConfig(),
		Retry:          DefaultRetryConfig(),
		Store:          DefaultStoreConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Agents:         AgentsConfig{},
		CircuitBreaker: agent.DefaultBreakerConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
	}
}

// DefaultOrchestratorConfig 返回默认编排器配置；重试策略由 retry 段提供
func DefaultOrchestratorConfig() workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.Retry = nil
	return cfg
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	p := retry.DefaultPolicy()
	return RetryConfig{
		MaxAttempts:     p.MaxAttempts,
		LinearStep:      p.LinearStep,
		ExponentialBase: p.ExponentialBase,
		MaxBackoff:      p.MaxBackoff,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    persistence.StoreTypeFile,
		BaseDir: "",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() persistence.RedisConfig {
	return persistence.RedisConfig{
		Addr:        "localhost:6379",
		DB:          0,
		PoolSize:    10,
		KeyPrefix:   "orchestra:",
		HistorySize: 10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() database.Config {
	return database.Config{
		Driver: "sqlite",
		DSN:    "orchestra.db",
		Pool:   database.DefaultPoolConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "orchestra",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "orchestra",
	}
}
