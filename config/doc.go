// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

// Package config 提供 CharterFlow 的配置管理功能。
//
// 包含配置加载、热重载、配置 API 和变更历史管理。
// 配置优先级为 默认值 → YAML 文件 → 环境变量，
// 并提供运行时热重载能力。
package config
