// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 CharterFlow 服务端程序入口。

# 概述

cmd/charterflow 是 CharterFlow 协调内核的可执行入口，提供协调 HTTP API、
归档库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server           — 主服务器，装配协调内核并管理 HTTP、Metrics 双端口
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（归档库迁移）、version、health
  - 协调内核装配：事件总线、工作流状态机、任务队列、交接管理器，
    存储后端按配置选择 memory 或 Redis（三个 store 共享一个客户端）
  - 事件订阅：指标观察者（全量）、SQL 归档器（终态事件）、
    MongoDB 审计存储（全量，可选）
  - 超时清扫循环：按 sweep_interval 周期检查工作流状态超时、
    过期任务租约和未响应交接
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    Metrics、OTelTracing（可选）、CORS、RateLimiter（基于 IP）、
    JWTAuth（Bearer，可选）
  - 配置热重载：HotReloadManager 监听文件变更并回调
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止清扫 → 关闭 HTTP → 关闭 Metrics →
    关闭总线 → 关闭存储 → 关闭归档与审计 → 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
