// Package config 提供 WayFlow 运行时的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序合并，
// 环境变量键形如 WAYFLOW_STORE_TYPE、WAYFLOW_EXECUTOR_SOFT_TIMEOUT。
package config
