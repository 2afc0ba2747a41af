package agent

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值；<= 0 表示关闭熔断
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// RecoveryTimeout 熔断后等待恢复的时间
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// HalfOpenMaxProbes 半开状态允许的探测请求数
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// breaker guards calls to a single agent.
type breaker struct {
	name     string
	config   BreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
	now      func() time.Time
	logger   *zap.Logger
	mu       sync.Mutex
}

func newBreaker(name string, config BreakerConfig, logger *zap.Logger) *breaker {
	return &breaker{
		name:   name,
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("agent", name)),
	}
}

// allow 检查是否允许请求通过
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		wait := b.config.RecoveryTimeout - b.now().Sub(b.openedAt)
		if wait > 0 {
			return types.Errorf(types.ErrCircuitOpen,
				"circuit open for agent %s after %d consecutive failures, retry in %v", b.name, b.failures, wait)
		}
		b.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
		b.probes = 1
		return nil
	case CircuitHalfOpen:
		if b.probes >= max(b.config.HalfOpenMaxProbes, 1) {
			return types.Errorf(types.ErrCircuitOpen, "circuit half-open for agent %s: probe in flight", b.name)
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != CircuitClosed {
		b.transitionTo(CircuitClosed, "probe succeeded")
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transitionTo(CircuitOpen, "failure threshold reached")
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.openedAt = b.now()
		b.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

func (b *breaker) current() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionTo 状态转换（必须在锁内调用）
func (b *breaker) transitionTo(state CircuitState, reason string) {
	b.logger.Info("circuit breaker state change",
		zap.String("old_state", b.state.String()),
		zap.String("new_state", state.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))
	b.state = state
	b.probes = 0
}
