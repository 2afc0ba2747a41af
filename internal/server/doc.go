// 版权所有 2024 Orchestra Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 CLI 运行期间的运维 HTTP 端点。

# 概述

Manager 封装 net/http.Server，负责非阻塞启动、优雅关闭与异步错误传播。
NewMetricsManager 挂载 promhttp 的 /metrics 与 /healthz，
供 Prometheus 在一次编排运行期间抓取指标。
*/
package server
