// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供 RFP 请求的工作流状态机。

# 概述

workflow 包驱动每个 requestId 的报价流程：从 CREATED 出发，经分析、
客户数据获取、航班搜索、报价等待、方案分析、邮件生成与发送，最终到达
COMPLETED 或 FAILED 终态。状态只能沿静态转换表推进，非法转换返回类型化
错误且不产生任何变更。每个非终态携带超时期限，由外部驱动的
CheckTimeouts 扫描自动转入各自的超时后继状态。

# 核心类型

  - StateMachine           — 状态机（Create / Transition / Fail / CheckTimeouts）
  - StateTimeouts          — 每状态超时预算（AWAITING_QUOTES 以小时计）
  - InvalidTransitionError — 非法转换错误（携带 requestId 与前后状态）
  - StateChangedPayload    — WORKFLOW_STATE_CHANGED 事件负载
  - TimeoutPayload         — WORKFLOW_TIMEOUT 事件负载

# 并发语义

同一 requestId 的变更由进程内互斥锁串行化；存储层的版本 CAS 再挡下
跨副本的并发写。状态变更通过消息总线广播，发布失败仅记录日志，不回滚
已提交的转换。
*/
package workflow
