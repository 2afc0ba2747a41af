package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/orchestra/types"
)

// RateLimit bounds how often one agent may be invoked.
type RateLimit struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// Registry maps agent names to implementations and guards each invocation
// with an optional rate limiter and circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	limits   map[string]RateLimit
	limiters map[string]*rate.Limiter
	breakers map[string]*breaker

	defaultLimit RateLimit
	breakerCfg   *BreakerConfig
	logger       *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRateLimit limits a single agent.
func WithRateLimit(name string, limit RateLimit) RegistryOption {
	return func(r *Registry) { r.limits[name] = limit }
}

// WithDefaultRateLimit limits every agent without an explicit limit.
func WithDefaultRateLimit(limit RateLimit) RegistryOption {
	return func(r *Registry) { r.defaultLimit = limit }
}

// WithCircuitBreaker enables a per-agent circuit breaker.
func WithCircuitBreaker(cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.breakerCfg = &cfg }
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		agents:   make(map[string]Agent),
		limits:   make(map[string]RateLimit),
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*breaker),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "agent_registry"))
	return r
}

// Register adds an agent under its Name.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("agent must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.agents[name] = a

	limit, ok := r.limits[name]
	if !ok {
		limit = r.defaultLimit
	}
	if limit.RPS > 0 {
		r.limiters[name] = rate.NewLimiter(rate.Limit(limit.RPS), max(limit.Burst, 1))
	}
	if r.breakerCfg != nil && r.breakerCfg.FailureThreshold > 0 {
		r.breakers[name] = newBreaker(name, *r.breakerCfg, r.logger)
	}

	r.logger.Debug("agent registered", zap.String("agent", name))
	return nil
}

// MustRegister registers agents and panics on error.
func (r *Registry) MustRegister(agents ...Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BreakerState returns the circuit state of an agent; closed when no
// breaker is configured.
func (r *Registry) BreakerState(name string) CircuitState {
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()
	if b == nil {
		return CircuitClosed
	}
	return b.current()
}

// Invoke dispatches req to the named agent.
func (r *Registry) Invoke(ctx context.Context, name string, req *Request) (Output, error) {
	r.mu.RLock()
	a, ok := r.agents[name]
	limiter := r.limiters[name]
	b := r.breakers[name]
	r.mu.RUnlock()

	if !ok {
		return Output{}, types.Errorf(types.ErrAgentNotFound, "agent %q is not registered", name).
			WithCause(ErrNotRegistered)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return Output{}, types.NewError(types.ErrCancelled, "rate limiter wait aborted").WithCause(err)
		}
	}
	if b != nil {
		if err := b.allow(); err != nil {
			return Output{}, err
		}
	}

	out, err := a.Execute(ctx, req)
	if b != nil {
		if err != nil {
			b.recordFailure()
		} else {
			b.recordSuccess()
		}
	}
	return out, err
}
