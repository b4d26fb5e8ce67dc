// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 CharterFlow 协调核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 bus、workflow、queue、
agent、persistence、api 等上层模块提供统一的类型契约。所有跨包共享的
结构体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Message / EventKind      — 总线消息与封闭事件类型集合
  - AgentTask                — 优先级任务（租约、重试计数、退避时间）
  - Workflow / WorkflowState — 每个 RFP 请求的状态机快照与历史
  - Handoff / HandoffStatus  — Agent 间任务移交记录
  - AgentRegistration        — Agent 注册信息（类型、能力、状态）
  - Error / ErrorCode        — 结构化错误体系，含 Retryable 标记
  - Clock                    — 可注入时钟，超时扫描与测试均依赖它

# 主要能力

  - Context 传播：WithRequestID / WithSessionID / WithUserID / WithAgentID
  - 错误工具链：IsRetryable / GetErrorCode / IsCode，配合 errors.As 使用
  - 常用错误构造：NewValidationError / NewNotFoundError / NewCapacityError 等
  - 枚举校验：EventKind.Valid、WorkflowState.Valid、TaskPriority.Weight
*/
package types
