// Package undo 为文档的 nodes、edges、text 三个 map 提供按来源过滤的撤销/重做历史。
// meta 永远不在范围内；只有被跟踪来源（默认交互写入）的本地事务会进入历史。
package undo

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// DefaultCaptureTimeout 内连续的被跟踪事务合并为一步。
const DefaultCaptureTimeout = 500 * time.Millisecond

// step 保存一步中被跟踪的写入，按发生顺序排列。
type step struct {
	changes []doc.Change
}

// Manager 是撤销/重做管理器。
type Manager struct {
	doc            *doc.Doc
	scope          mapset.Set[string]
	tracked        mapset.Set[doc.Origin]
	captureTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger

	mu        sync.Mutex
	undo      []*step
	redo      []*step
	lastAt    time.Time
	boundary  bool
	listeners []func(canUndo, canRedo bool)
	unobserve func()

	undone atomic.Uint64
	redone atomic.Uint64
}

// Option 配置 Manager。
type Option func(*Manager)

// WithCaptureTimeout 设置合并窗口，0 表示每个事务独立成步。
func WithCaptureTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.captureTimeout = d
		}
	}
}

// WithTrackedOrigins 替换被跟踪的事务来源。
func WithTrackedOrigins(origins ...doc.Origin) Option {
	return func(m *Manager) {
		m.tracked = mapset.NewSet(origins...)
	}
}

// WithNow 替换时间源。
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New 创建管理器并开始观察文档。
func New(d *doc.Doc, opts ...Option) *Manager {
	m := &Manager{
		doc:            d,
		scope:          mapset.NewSet(doc.MapNodes, doc.MapEdges, doc.MapText),
		tracked:        mapset.NewSet(doc.OriginLocal),
		captureTimeout: DefaultCaptureTimeout,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unobserve = d.Observe(m.onTransaction)
	return m
}

// Close 停止观察文档。
func (m *Manager) Close() {
	m.mu.Lock()
	unobserve := m.unobserve
	m.unobserve = nil
	m.mu.Unlock()
	if unobserve != nil {
		unobserve()
	}
}

func (m *Manager) onTransaction(ev doc.TxEvent) {
	if !ev.Local || ev.Origin == doc.OriginUndo || !m.tracked.Contains(ev.Origin) {
		return
	}
	var changes []doc.Change
	for _, c := range ev.Changes {
		if m.scope.Contains(c.Ref.Map) {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return
	}

	now := m.now()
	m.mu.Lock()
	n := len(m.undo)
	if n > 0 && !m.boundary && now.Sub(m.lastAt) < m.captureTimeout {
		top := m.undo[n-1]
		top.changes = append(top.changes, changes...)
	} else {
		m.undo = append(m.undo, &step{changes: changes})
	}
	m.redo = nil
	m.lastAt = now
	m.boundary = false
	m.mu.Unlock()
	m.notify()
}

// StopCapturing 声明捕获边界：下一次被跟踪的写入一定成为新的一步。
func (m *Manager) StopCapturing() {
	m.mu.Lock()
	m.boundary = true
	m.mu.Unlock()
}

// Undo 撤销最近一步。只撤回这一步自己的写入：其他副本之后改过的字段和文本保持不变。
// 栈为空时不做任何事。
func (m *Manager) Undo() bool {
	m.mu.Lock()
	n := len(m.undo)
	if n == 0 {
		m.mu.Unlock()
		return false
	}
	s := m.undo[n-1]
	m.undo = m.undo[:n-1]
	m.mu.Unlock()

	inverse, err := m.revert(s)
	if err != nil {
		m.logger.Error("undo failed", zap.Error(err))
	}

	m.mu.Lock()
	if inverse != nil {
		m.redo = append(m.redo, inverse)
	}
	m.boundary = true
	m.mu.Unlock()
	m.undone.Add(1)
	m.notify()
	return true
}

// Redo 重做最近撤销的一步。栈为空时不做任何事。
func (m *Manager) Redo() bool {
	m.mu.Lock()
	n := len(m.redo)
	if n == 0 {
		m.mu.Unlock()
		return false
	}
	s := m.redo[n-1]
	m.redo = m.redo[:n-1]
	m.mu.Unlock()

	inverse, err := m.revert(s)
	if err != nil {
		m.logger.Error("redo failed", zap.Error(err))
	}

	m.mu.Lock()
	if inverse != nil {
		m.undo = append(m.undo, inverse)
	}
	m.boundary = true
	m.mu.Unlock()
	m.redone.Add(1)
	m.notify()
	return true
}

// revert 逆序撤回一步中的写入，返回撤回本身产生的写入组成的反向步骤；没有产生写入时为 nil。
func (m *Manager) revert(s *step) (*step, error) {
	var inverse []doc.Change
	err := m.doc.Transact(doc.OriginUndo, func(tx *doc.Tx) error {
		defer func() { inverse = tx.Changes() }()
		for i := len(s.changes) - 1; i >= 0; i-- {
			if _, err := tx.Revert(s.changes[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if len(inverse) == 0 {
		return nil, err
	}
	return &step{changes: inverse}, err
}

// CanUndo 报告撤销栈是否非空。
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo 报告重做栈是否非空。
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Depth 返回撤销栈与重做栈的深度。
func (m *Manager) Depth() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}

// Clear 清空两个栈。
func (m *Manager) Clear() {
	m.mu.Lock()
	m.undo, m.redo = nil, nil
	m.boundary = false
	m.mu.Unlock()
	m.notify()
}

// OnStackChange 注册栈变化回调。
func (m *Manager) OnStackChange(fn func(canUndo, canRedo bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Counts 返回累计撤销与重做次数。
func (m *Manager) Counts() (undone, redone uint64) {
	return m.undone.Load(), m.redone.Load()
}

func (m *Manager) notify() {
	m.mu.Lock()
	canUndo, canRedo := len(m.undo) > 0, len(m.redo) > 0
	listeners := append([]func(bool, bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(canUndo, canRedo)
	}
}
