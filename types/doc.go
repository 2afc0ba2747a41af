// Copyright (c) Orchestra Authors.
// Licensed under the MIT License.

/*
Package types 提供编排引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、strategy、workflow、
persistence 等上层模块提供统一的错误与状态契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode   ：结构化错误体系，含步骤 ID、状态码、Retryable、
    RetryAfter 与错误链
  - StepStatus          ：步骤生命周期状态及合法迁移表（CanTransition）
  - StepState           ：单个步骤的状态、审批消息与载荷、最近错误
  - OrchestrationState  ：可持久化的运行快照：步骤状态、共享上下文、
    循环计数、循环输出与循环内失败次数

# 主要能力

  - 错误分类：IsRetryable / IsErrorCode / RootCode / RetryAfterOf
  - 快照校验：Validate 拒绝未知状态与负数计数
  - 深拷贝：Clone / CloneMap / CloneValue 保证快照隔离
*/
package types
