package retry

import (
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/BaSui01/orchestra/types"
)

// Kind 描述一次失败的重试分类
type Kind string

const (
	KindRetryAfter Kind = "retry_after" // P1: 服务端指定了等待时长
	KindRateLimit  Kind = "rate_limit"  // P2: 限流但未指定时长
	KindTransient  Kind = "transient"   // P3: 其他可重试错误
	KindFatal      Kind = "fatal"       // 不可重试
)

// Policy 定义步骤级重试策略
type Policy struct {
	MaxAttempts     int           // 总尝试次数（含首次），最小为 1
	LinearStep      time.Duration // P3 线性步长，默认 100ms
	ExponentialBase time.Duration // P2 指数基数，默认 1s
	MaxBackoff      time.Duration // P2 上限，默认 60s

	// OnRetry 在每次等待前回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回默认重试策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     3,
		LinearStep:      100 * time.Millisecond,
		ExponentialBase: time.Second,
		MaxBackoff:      60 * time.Second,
	}
}

func (p *Policy) normalized() *Policy {
	if p == nil {
		return DefaultPolicy()
	}
	out := *p
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.LinearStep <= 0 {
		out.LinearStep = 100 * time.Millisecond
	}
	if out.ExponentialBase <= 0 {
		out.ExponentialBase = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 60 * time.Second
	}
	return &out
}

// Classify maps an agent failure to its retry kind. Only errors flagged
// retryable get a retry kind; the P1/P2/P3 order applies among those.
func Classify(err error) Kind {
	e, ok := types.AsError(err)
	if !ok || !e.Retryable {
		return KindFatal
	}
	if _, ok := types.RetryAfterOf(err); ok {
		return KindRetryAfter
	}
	if e.Code == types.ErrRateLimited || e.StatusCode == http.StatusTooManyRequests {
		return KindRateLimit
	}
	return KindTransient
}

// BaseDelay computes the pre-jitter wait for the given failure. attempt is
// the 1-based number of the attempt that just failed.
//
//	P1 retry-after given  -> retry-after
//	P2 rate limited       -> min(base * 2^attempt, max)
//	P3 other transient    -> step * attempt
func (p *Policy) BaseDelay(err error, attempt int) (time.Duration, Kind) {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	kind := Classify(err)
	switch kind {
	case KindRetryAfter:
		d, _ := types.RetryAfterOf(err)
		return d, kind
	case KindRateLimit:
		d := p.ExponentialBase
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= p.MaxBackoff {
				return p.MaxBackoff, kind
			}
		}
		return d, kind
	case KindTransient:
		return p.LinearStep * time.Duration(attempt), kind
	default:
		return 0, kind
	}
}

// Delay returns the jittered wait: uniform in [0, BaseDelay].
func (p *Policy) Delay(err error, attempt int) time.Duration {
	d, _ := p.BaseDelay(err, attempt)
	return FullJitter(d)
}

// FullJitter returns a uniformly random duration in [0, d].
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}
