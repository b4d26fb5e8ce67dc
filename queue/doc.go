// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package queue 提供协调核心的优先级任务队列。

# 概述

queue 包在持久化层之上实现任务的投递与重试编排。任务按优先级权重
（urgent < high < normal < low，权重小者先出队）和可用时间排序；
Dequeue 为任务授予一个有租期的租约，租约到期未确认的任务由扫描
回收。失败任务在重试预算内按指数退避重新入队，预算耗尽后终止。
每次生命周期变化都会在总线上发布对应事件。

# 核心类型

  - TaskQueue        — 队列门面（Enqueue / Dequeue / Ack / Fail / Sweep）
  - Config           — 租期、容量上限与重试策略
  - RetryPolicy      — 指数退避参数（初始 1s，倍率 2.0，上限 30s）
  - TaskEventPayload — TASK_* 事件载荷

# 生命周期

  - pending      — 入队后等待领取；AvailableAt 未到者不可见
  - in_progress  — 已被 worker 领取并持有租约
  - completed    — Ack 确认成功，终态
  - failed       — 重试预算耗尽或显式终止，终态

失败路径：Fail 在 RetryCount < MaxRetries 时按 Backoff(RetryCount+1)
设定可用时间门并重新入队，否则转入终态；租约过期由
SweepExpiredLeases 回收，回收的重试不附加退避。
*/
package queue
