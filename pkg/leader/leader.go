// Package leader 在同一用户的多个连接中选出唯一的领导者：连接 ID 最小者胜出。
// 只有领导者启用写入；连接晋升为领导者时先强制全量重同步本地视图，再启用写入。
package leader

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
)

// DefaultInitialDelay 是首次选举前等待成员信息到达的时间。
const DefaultInitialDelay = time.Second

// Elector 观察在线通道并维护本连接的领导者状态。
type Elector struct {
	ch     presence.Channel
	userID string
	delay  time.Duration
	logger *zap.Logger

	resync       func()
	clearPending func()

	mu          sync.Mutex
	started     bool
	initialDone bool
	leader      bool
	timer       *time.Timer
	unsubscribe func()
	listeners   []func(leader bool)

	writes     atomic.Bool
	promotions atomic.Uint64
}

// Option 配置 Elector。
type Option func(*Elector)

// WithInitialDelay 设置首次选举的去抖时间。
func WithInitialDelay(d time.Duration) Option {
	return func(e *Elector) {
		if d >= 0 {
			e.delay = d
		}
	}
}

// WithResync 设置晋升时调用的全量重同步函数。
func WithResync(fn func()) Option {
	return func(e *Elector) {
		e.resync = fn
	}
}

// WithClearPending 设置晋升时清理未完成连线等界面状态的函数。
func WithClearPending(fn func()) Option {
	return func(e *Elector) {
		e.clearPending = fn
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(e *Elector) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewElector 创建选举器。启动前不启用写入。
func NewElector(ch presence.Channel, userID string, opts ...Option) *Elector {
	e := &Elector{
		ch:     ch,
		userID: userID,
		delay:  DefaultInitialDelay,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start 订阅成员变化，并在去抖时间后完成首次选举。
func (e *Elector) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.initialDone = false
	e.timer = time.AfterFunc(e.delay, e.initial)
	e.mu.Unlock()

	unsub := e.ch.OnChange(e.onMembership)
	e.mu.Lock()
	e.unsubscribe = unsub
	e.mu.Unlock()
}

// Stop 清除定时器并取消订阅。
func (e *Elector) Stop() {
	e.mu.Lock()
	e.started = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (e *Elector) initial() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.initialDone = true
	e.timer = nil
	e.mu.Unlock()
	e.Recompute()
}

func (e *Elector) onMembership() {
	e.mu.Lock()
	ready := e.started && e.initialDone
	e.mu.Unlock()
	if ready {
		e.Recompute()
	}
}

// Compute 判断本连接在当前在线状态下是否为领导者。
func Compute(states map[uint64]presence.Record, userID string, self uint64) bool {
	for id, rec := range states {
		if rec.UserID == userID && id < self {
			return false
		}
	}
	return true
}

// Recompute 立即重新选举，并在状态变化时执行晋升或降级。
func (e *Elector) Recompute() {
	isLeader := Compute(e.ch.States(), e.userID, e.ch.LocalID())

	e.mu.Lock()
	was := e.leader
	e.leader = isLeader
	listeners := append([]func(bool){}, e.listeners...)
	e.mu.Unlock()

	switch {
	case isLeader && !was:
		e.promote()
	case !isLeader && was:
		e.writes.Store(false)
		e.logger.Info("connection demoted", zap.Uint64("conn", e.ch.LocalID()))
	default:
		return
	}
	for _, fn := range listeners {
		fn(isLeader)
	}
}

// promote 按顺序执行：重同步视图、清理未完成状态、启用写入。
func (e *Elector) promote() {
	e.writes.Store(false)
	if e.resync != nil {
		e.resync()
	}
	if e.clearPending != nil {
		e.clearPending()
	}
	e.writes.Store(true)
	e.promotions.Add(1)
	e.logger.Info("connection promoted to leader", zap.Uint64("conn", e.ch.LocalID()), zap.String("user", e.userID))
}

// IsLeader 报告本连接是否为领导者。
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// WritesEnabled 报告晋升流程是否已完成并允许写入。
func (e *Elector) WritesEnabled() bool {
	return e.writes.Load()
}

// Promotions 返回晋升次数。
func (e *Elector) Promotions() uint64 {
	return e.promotions.Load()
}

// Subscribe 注册领导者状态变化回调。晋升时回调在写入启用之后执行。
func (e *Elector) Subscribe(fn func(leader bool)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}
