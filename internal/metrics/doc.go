// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的协调核心指标采集能力，覆盖
HTTP、事件总线、工作流、任务队列、交接与数据库六个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

协调组件（总线、状态机、队列、交接管理器）本身不感知任何指标依赖：
BusObserver 以全量订阅的方式挂在消息总线上，把事件流转换为指标记录。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。
  - BusObserver：总线事件观察者，HandleMessage 与总线订阅回调
    签名一致，可直接注册。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 事件指标：总线事件计数，按事件种类分组。
  - 工作流指标：状态转换计数（from/to 分组）、状态超时计数。
  - 任务队列指标：入队计数、完结计数（completed/retried/dead）、
    租约过期计数（requeued/failed）。
  - 交接指标：发起计数（from/to Agent 分组）、结果计数
    （accepted/rejected/timeout）。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
