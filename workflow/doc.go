// Copyright (c) Orchestra Authors.
// Licensed under the MIT License.

/*
Package workflow 提供策略图（StrategyMap）的编排与执行引擎。

# 概述

Orchestrator 接收一个 StrategyMap 与初始输入，解析依赖关系后按波次
（wave）把步骤分派给已注册的 agent，并在需要人工审批时持久化状态、
暂停运行，之后可从保存的状态恢复。

# 核心类型

  - Orchestrator : 运行入口 Execute(ctx, task, opts...) (*Result, error)
  - Resolve / Plan : 依赖解析：连续步骤按最长依赖链分波，Loop 与
    Terminate 作为有序屏障段
  - ExecutionManager : 步骤状态、共享上下文与循环计数的唯一持有者
  - ParallelExecutor : 波内并发（semaphore 限流 + errgroup），单步超时
  - SequentialExecutor : 逐步执行，失败时走恢复阶梯：战术重试 → 重新设计
    （Redesigner）→ 上报
  - ApprovalGate : RequiresApproval 时记录暂停并持久化
  - ExecutionHistory : 每次分派的尝试次数、耗时与错误

# 恢复语义

已完成的步骤在恢复时跳过；paused_for_approval 的步骤只有被编辑为
completed 后才继续，否则以原消息再次暂停且不会重新调用 agent；
pending、failed、running 的步骤会重新执行。
*/
package workflow
