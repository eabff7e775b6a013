// Package health 把传输层抖动的连通信号去抖为稳定的连接状态。
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace 是断开信号需要持续多久才对外发布。
const DefaultGrace = 2 * time.Second

// Status 是对外发布的连接状态。
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Monitor 去抖连接状态：断开在宽限期后发布，恢复立即发布，强制断开跳过宽限期。
type Monitor struct {
	grace  time.Duration
	logger *zap.Logger

	mu          sync.Mutex
	status      Status
	timer       *time.Timer
	stopped     bool
	subscribers map[int]func(Status)
	nextID      int
	disconnects uint64
}

// Option 配置 Monitor。
type Option func(*Monitor)

// WithGrace 设置宽限期。
func WithGrace(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor 创建监视器，初始状态为 connecting。
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		grace:       DefaultGrace,
		logger:      zap.NewNop(),
		subscribers: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Signal 输入一次原始连通信号。宽限期内重复的断开信号不会重新计时。
func (m *Monitor) Signal(connected bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if connected {
		m.cancelLocked()
		m.setLocked(StatusConnected)
		return
	}
	if m.status == StatusDisconnected || m.timer != nil {
		m.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		if m.stopped || m.timer != t {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.setLocked(StatusDisconnected)
	})
	m.timer = t
	m.mu.Unlock()
}

// ForceDisconnect 立即发布断开，用于协议级硬错误。
func (m *Monitor) ForceDisconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.cancelLocked()
	m.setLocked(StatusDisconnected)
}

func (m *Monitor) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// setLocked 在持锁状态下更新状态，释放锁后通知订阅者。
func (m *Monitor) setLocked(s Status) {
	if m.status == s {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = s
	if s == StatusDisconnected {
		m.disconnects++
	}
	subs := make([]func(Status), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connection status changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	for _, fn := range subs {
		fn(s)
	}
}

// Status 返回当前发布的状态。
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Pending 报告是否有等待中的断开计时。
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Disconnects 返回已发布的断开次数。
func (m *Monitor) Disconnects() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// Subscribe 注册状态变化回调，返回取消函数。
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Stop 清除定时器，之后的信号都被忽略。
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cancelLocked()
}
