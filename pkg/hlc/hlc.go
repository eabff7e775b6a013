package hlc

import (
	"sync"
	"time"
)

// Clock 代表混合逻辑时钟。
// 它保证单调递增，并在收到远程时间戳后推进，使因果上更晚的操作总是拥有更大的时间戳。
// 时间戳被打包为 int64：
//   - 高 48 位：物理时间 (毫秒)，从 Unix Epoch 开始。
//   - 低 16 位：逻辑计数器。
type Clock struct {
	mu     sync.Mutex
	latest int64
	now    func() time.Time
}

const (
	logicalBits = 16
	logicalMask = 0xFFFF
)

// New 创建一个使用系统时间的 HLC 时钟。
func New() *Clock {
	return NewWithSource(time.Now)
}

// NewWithSource 创建一个使用自定义物理时间源的时钟，测试中用于固定时间。
func NewWithSource(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Pack 把物理毫秒与逻辑计数打包成时间戳。
func Pack(physical int64, logical uint16) int64 {
	return physical<<logicalBits | int64(logical)
}

// Now 返回当前的 HLC 时间戳，并更新内部状态。
// 返回值严格大于之前返回或 Update 过的任何时间戳。
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	oldPhys, oldLogical := Physical(c.latest), c.latest&logicalMask

	if phys > oldPhys {
		c.latest = Pack(phys, 0)
		return c.latest
	}
	c.latest = carry(oldPhys, oldLogical+1)
	return c.latest
}

// Update 根据接收到的远程时间戳推进本地时钟。
func (c *Clock) Update(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	remotePhys, remoteLogical := Physical(remote), remote&logicalMask
	oldPhys, oldLogical := Physical(c.latest), c.latest&logicalMask

	newPhys := max(oldPhys, remotePhys, phys)

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		newLogical = max(oldLogical, remoteLogical) + 1
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}
	c.latest = carry(newPhys, newLogical)
}

// Latest 返回最近一次发出或观察到的时间戳，不推进时钟。
func (c *Clock) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// 逻辑计数溢出时向物理时间借位。
func carry(phys, logical int64) int64 {
	if logical > logicalMask {
		return Pack(phys+1, 0)
	}
	return Pack(phys, uint16(logical))
}

// Physical 返回时间戳的物理部分 (Unix Milli)。
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical 返回时间戳的逻辑部分。
func Logical(ts int64) uint16 {
	return uint16(ts & logicalMask)
}

// Compare 比较两个 HLC 时间戳，a > b 返回 1，相等返回 0，否则返回 -1。
func Compare(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}
