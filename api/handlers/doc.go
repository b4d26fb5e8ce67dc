// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 CharterFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 CharterFlow 所有 HTTP 端点的请求处理逻辑，
包括工作流生命周期、队列与交接统计、事件流以及健康检查。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - WorkflowHandler — 工作流启动、查询、列表、取消与消息历史
  - StatsHandler    — 队列深度、交接计数器与协调概览
  - EventsHandler   — WebSocket 事件流（按 kind / agent / request 过滤）
  - HealthHandler   — 服务健康检查（/health, /healthz, /ready, /version）
  - HealthCheck     — 可插拔健康检查接口（存储 Ping 等）

# 主要能力

  - 统一响应格式：api.WriteSuccess / api.WriteError / api.WriteJSON
  - 请求验证：api.DecodeJSONBody（1 MB 限制 + 严格模式）、api.ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - WebSocket 事件流：EventsHandler 订阅消息总线并逐条推送
  - 慢消费者保护：事件流缓冲溢出时丢弃该连接的消息，不阻塞总线
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
