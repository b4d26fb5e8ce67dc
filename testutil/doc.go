// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 CharterFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与集成测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。所有测试应优先使用此包
中的工具函数和 Fake 实现。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext
  - 条件等待: WaitFor / WaitForChannel / AssertEventuallyTrue
  - 可控时钟: FakeClock，配合各组件的超时扫描函数驱动确定性测试
  - 消息采集: MessageRecorder，作为总线订阅者收集并按类型统计消息
  - 数据辅助: MustJSON / MustParseJSON
*/
package testutil
