package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/types"
)

// Retryer 重试器接口
type Retryer interface {
	// Do 执行 fn，失败时按策略重试。attempt 从 1 开始。
	Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// backoffRetryer 基于 P1/P2/P3 分级退避的重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
	sleep  Sleeper
}

// Option configures a Retryer.
type Option func(*backoffRetryer)

// WithSleeper replaces the wait function, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(r *backoffRetryer) { r.sleep = s }
}

// NewRetryer 创建重试器
func NewRetryer(policy *Policy, logger *zap.Logger, opts ...Option) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &backoffRetryer{
		policy: policy.normalized(),
		logger: logger.With(zap.String("component", "retryer")),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrCancelled, "run cancelled").WithCause(err)
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		kind := Classify(lastErr)
		if kind == KindFatal {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(lastErr, attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.String("kind", string(kind)),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, lastErr, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return types.NewError(types.ErrCancelled, "retry wait cancelled").WithCause(err)
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return types.NewError(types.ErrRetryExhausted,
		fmt.Sprintf("gave up after %d attempts", r.policy.MaxAttempts)).WithCause(lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
