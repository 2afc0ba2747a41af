// Copyright (c) Orchestra Authors.
// Licensed under the MIT License.

/*
Package main 提供 orchestra 命令行程序入口。

# 概述

cmd/orchestra 读取 YAML/JSON 格式的策略文件，按配置构建 Agent 注册表、
状态存储、遥测与指标，然后执行一次编排。运行结束（完成、暂停或失败）
即退出，退出码反映运行结果。

# 子命令

  - run       执行策略，可从已保存的状态恢复，并在暂停或完成时保存状态
  - validate  校验策略文件
  - plan      打印依赖解析得到的波次计划
  - version   显示构建信息

# 内置 Agent

  - echo   把提示词原样作为输出
  - human  总是请求人工审批，用于在策略中插入审批关卡
  - 配置项 agents.commands 中声明的外部命令：提示词写入 stdin，
    stdout 作为输出；以 "APPROVAL:" 开头的输出会暂停运行

# 退出码

  - 0  运行成功
  - 1  运行失败或参数、配置错误
  - 2  运行暂停，等待人工审批
*/
package main
