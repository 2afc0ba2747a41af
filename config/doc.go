// Package config 提供 Orchestra 的配置加载。
//
// 配置按 默认值 → YAML 文件 → ORCHESTRA_ 前缀环境变量 的顺序叠加，
// 并装配为编排器、状态存储与 agent 注册表所需的选项。
package config
