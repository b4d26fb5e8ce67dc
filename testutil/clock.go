// =============================================================================
// ⏰ 可控时钟
// =============================================================================
// FakeClock 实现 types.Clock，测试通过 Advance 推进时间后显式调用
// 各组件的超时扫描函数（CheckTimeouts / SweepExpiredLeases），
// 从而获得与真实时间无关的确定性行为。
// =============================================================================
package testutil

import (
	"sync"
	"time"
)

// FakeClock 返回手动推进的时间
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建从 start 开始计时的 FakeClock
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now 返回当前的虚拟时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将虚拟时间向前推进 d
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set 将虚拟时间设为 t
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
