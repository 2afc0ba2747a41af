// 版权所有 2024 Orchestra Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的编排运行指标采集。

# 概述

Collector 实现 workflow.MetricsRecorder，通过 promauto 自动注册，
所有指标按 namespace 隔离。CLI 在启用时通过 promhttp 暴露 /metrics。

# 主要指标

  - runs_total / run_duration_seconds：按 outcome（completed、paused、failed）分组。
  - steps_total / step_duration_seconds / step_attempts：按 agent 分组。
  - step_retries_total：按 agent 与退避类型分组。
  - approval_pauses_total、wave_size、loop_iterations_total。
*/
package metrics
