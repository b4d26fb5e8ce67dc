// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package bus 提供协调核心的进程内消息总线。

# 概述

bus 包实现了 CharterFlow 的发布/订阅消息交换。发布方将封闭事件集中的
消息广播给所有过滤器匹配的订阅者；每个订阅独享一个有界邮箱和一个派发
goroutine，保证单订阅者内的投递顺序。每个 requestId 维护一份有界历史，
供审计查询与统计扫描使用。

# 核心接口与类型

  - Bus          — 总线接口（Publish / Subscribe / Unsubscribe / History）
  - InMemoryBus  — 进程内实现（有界邮箱 + 每订阅派发 goroutine）
  - Filter       — 订阅过滤器（事件种类 + 目标 Agent）
  - Handler      — 订阅回调 func(ctx, msg) error
  - Config       — 邮箱容量与历史上限
  - Stats        — 发布/投递/异常计数

# 投递语义

  - 至少一次：仅投递给发布时刻已注册且过滤器匹配的订阅者，不回放
  - 顺序：同一订阅者按发布顺序接收；跨订阅者无全序
  - 背压：邮箱满时发布方阻塞，随 ctx 取消退出
  - 隔离：单个 handler panic 被捕获并记录，不影响其他订阅者
*/
package bus
