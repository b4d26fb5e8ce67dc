// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供归档数据库的连接管理，基于 GORM 封装连接池配置、
健康检查、统计采集与事务重试。

# 概述

本包通过 Pool 统一管理 GORM 与 database/sql 的连接池参数，
包括连接生命周期、空闲回收与最大连接数限制。后台健康检查定时
探活，异常时通过 zap 日志输出诊断信息。Open 按配置选择方言：
PostgreSQL、MySQL 或 SQLite（glebarez 纯 Go 实现，无 CGO）。

# 核心类型

  - Pool：连接池，持有 GORM DB 实例与底层 sql.DB，提供 DB()、
    Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。
  - PoolStats：友好格式的连接池统计信息。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 方言选择：Open 根据 DatabaseConfig.Driver 打开对应 GORM 方言。
  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 精细控制。
  - 健康检查：后台定时 PingContext 探活，Close 时立即退出。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 支持指数退避重试（死锁、序列化失败等场景）。
  - 统计采集：GetStats 返回结构化的连接池运行指标，供指标上报使用。
*/
package database
