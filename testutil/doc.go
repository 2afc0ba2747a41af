// Copyright 2026 Orchestra Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 orchestra 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 重试等待: NoSleep / RecordingSleeper，让退避测试不再真实等待
  - 断言工具: AssertJSONEqual / AssertEventuallyTrue / AssertEventuallyEqual
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: MockAgent，支持脚本化响应、延迟、审批请求与错误注入，
    并记录每次调用的 Request
  - testutil/fixtures: 预置 StrategyMap（线性、菱形、循环、审批、终止）
    与对应的 YAML 文档

# 使用示例

	ctx := testutil.TestContext(t)
	writer := mocks.NewMockAgent("writer").WithResponse("draft")
	reg := agent.NewRegistry()
	reg.MustRegister(writer)
*/
package testutil
