// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// Run 指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Step 指标
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	pausesTotal   *prometheus.CounterVec
	waveSize      prometheus.Histogram
	loopIterTotal *prometheus.CounterVec

	logger *zap.Logger
}

var _ workflow.MetricsRecorder = (*Collector)(nil)

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of orchestration runs by outcome",
		},
		[]string{"outcome"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Orchestration run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)

	c.stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of dispatched steps by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	c.stepAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempts",
			Help:      "Agent invocations needed per step",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"agent"},
	)

	c.retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries by agent and backoff kind",
		},
		[]string{"agent", "kind"},
	)

	c.pausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_pauses_total",
			Help:      "Total number of approval requests by agent",
		},
		[]string{"agent"},
	)

	c.waveSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wave_size",
			Help:      "Number of steps dispatched together in one wave",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		},
	)

	c.loopIterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Total number of loop iterations by loop id",
		},
		[]string{"loop_id"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 Run / Step 指标记录
// =============================================================================

// RecordRun 记录一次运行
func (c *Collector) RecordRun(outcome string, duration time.Duration) {
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStep 记录一次步骤派发
func (c *Collector) RecordStep(agent, outcome string, attempts int, duration time.Duration) {
	c.stepsTotal.WithLabelValues(agent, outcome).Inc()
	c.stepDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if attempts > 0 {
		c.stepAttempts.WithLabelValues(agent).Observe(float64(attempts))
	}
	if outcome == "paused" {
		c.pausesTotal.WithLabelValues(agent).Inc()
	}
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(agent, kind string) {
	c.retriesTotal.WithLabelValues(agent, kind).Inc()
}

// RecordWave 记录一个 wave 的大小
func (c *Collector) RecordWave(size int) {
	c.waveSize.Observe(float64(size))
}

// RecordLoopIteration 记录一次循环迭代
func (c *Collector) RecordLoopIteration(loopID string) {
	c.loopIterTotal.WithLabelValues(loopID).Inc()
}
