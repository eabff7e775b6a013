package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config 是锁协调器的时间参数。续期间隔必须小于 TTL。
type Config struct {
	TTL           time.Duration
	RenewInterval time.Duration
	CleanupAfter  time.Duration
	DragGrace     time.Duration
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Second,
		RenewInterval: 3 * time.Second,
		CleanupAfter:  30 * time.Second,
		DragGrace:     800 * time.Millisecond,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.TTL {
		c.RenewInterval = c.TTL / 3
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = d.CleanupAfter
	}
	if c.DragGrace <= 0 {
		c.DragGrace = d.DragGrace
	}
	return c
}

type heldLock struct {
	lock     Lock
	activity time.Time
	release  *time.Timer
}

// Coordinator 发布本连接的在线记录并管理本标签页持有的锁。
type Coordinator struct {
	ch     Channel
	self   Identity
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	active  bool
	cursor  *Point
	held    map[string]*heldLock
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	conflicts atomic.Uint64
}

// Option 配置 Coordinator。
type Option func(*Coordinator)

// WithConfig 设置时间参数。
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg.normalize()
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNow 替换时间源。
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator 创建协调器。新标签页默认处于前台。
func NewCoordinator(ch Channel, self Identity, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:     ch,
		self:   self,
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
		active: true,
		held:   make(map[string]*heldLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity 返回本标签页身份。
func (c *Coordinator) Identity() Identity {
	return c.self
}

// Start 发布初始记录并启动续期协程。
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.publish()
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop 停止续期、取消拖拽释放定时器，并发布不含锁的记录。
func (c *Coordinator) Stop() {
	c.mu.Lock()
	wasStarted := c.started
	if wasStarted {
		c.started = false
		c.cancel()
	}
	for id, h := range c.held {
		if h.release != nil {
			h.release.Stop()
		}
		delete(c.held, id)
	}
	c.cursor = nil
	c.mu.Unlock()

	c.wg.Wait()
	if wasStarted {
		c.publish()
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Renew()
		}
	}
}

// Renew 刷新本标签页持有的锁的时间戳；超过清理阈值没有活动的锁被直接释放。
func (c *Coordinator) Renew() {
	now := c.now()
	c.mu.Lock()
	for id, h := range c.held {
		if now.Sub(h.activity) > c.cfg.CleanupAfter {
			if h.release != nil {
				h.release.Stop()
			}
			delete(c.held, id)
			c.logger.Debug("stale lock purged", zap.String("node", id))
			continue
		}
		h.lock.TS = now.UnixMilli()
	}
	c.mu.Unlock()
	c.publish()
}

// SetActive 设置标签页是否在前台。后台标签页不广播光标、编辑与锁状态。
func (c *Coordinator) SetActive(active bool) {
	c.mu.Lock()
	changed := c.active != active
	c.active = active
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

// Active 返回标签页是否在前台。
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetCursor 更新光标位置，nil 表示隐藏。
func (c *Coordinator) SetCursor(p *Point) {
	c.mu.Lock()
	if p != nil {
		cp := *p
		p = &cp
	}
	c.cursor = p
	c.mu.Unlock()
	c.publish()
}

// AcquireLock 尝试获取节点锁。被其他人持有时不获取，并返回持有者用于界面提示。
// 后台标签页不声明锁。
func (c *Coordinator) AcquireLock(nodeID string, kind LockKind) (Lock, bool) {
	if holder, ok := c.Holder(nodeID); ok && !(holder.ByID == c.self.UserID && c.Active()) {
		c.conflicts.Add(1)
		c.logger.Debug("lock held elsewhere", zap.String("node", nodeID), zap.String("holder", holder.ByID))
		return holder, false
	}
	now := c.now()
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return Lock{}, false
	}
	h, ok := c.held[nodeID]
	if !ok {
		h = &heldLock{}
		c.held[nodeID] = h
	}
	if h.release != nil {
		h.release.Stop()
		h.release = nil
	}
	kindNow := kind
	if ok && h.lock.Kind.specificity() > kind.specificity() {
		kindNow = h.lock.Kind
	}
	h.lock = c.lockLocked(nodeID, kindNow, now)
	h.activity = now
	lock := h.lock
	c.mu.Unlock()

	c.publish()
	return lock, true
}

func (c *Coordinator) lockLocked(nodeID string, kind LockKind, now time.Time) Lock {
	return Lock{
		NodeID:    nodeID,
		ByID:      c.self.UserID,
		Name:      c.self.Name,
		Color:     c.self.Color,
		Kind:      kind,
		TS:        now.UnixMilli(),
		SessionID: c.self.SessionID,
		TabID:     c.self.TabID,
	}
}

// Touch 记录对已持有锁的节点的活动，防止锁被当作陈旧锁清理。
func (c *Coordinator) Touch(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.held[nodeID]; ok {
		h.activity = c.now()
	}
}

// ReleaseLock 立即释放节点锁。
func (c *Coordinator) ReleaseLock(nodeID string) {
	c.mu.Lock()
	h, ok := c.held[nodeID]
	if ok {
		if h.release != nil {
			h.release.Stop()
		}
		delete(c.held, nodeID)
	}
	c.mu.Unlock()
	if ok {
		c.publish()
	}
}

// ReleaseDrag 在拖拽结束后的宽限期过后释放拖拽锁，宽限期内再次获取会取消释放。
func (c *Coordinator) ReleaseDrag(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.held[nodeID]
	if !ok || h.lock.Kind != LockDrag {
		return
	}
	if h.release != nil {
		h.release.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.cfg.DragGrace, func() {
		c.mu.Lock()
		cur, ok := c.held[nodeID]
		if !ok || cur.release != timer {
			c.mu.Unlock()
			return
		}
		delete(c.held, nodeID)
		c.mu.Unlock()
		c.publish()
	})
	h.release = timer
}

// Held 返回本标签页持有的锁（按节点 ID 排序）。
func (c *Coordinator) Held() []Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heldLocked()
}

func (c *Coordinator) heldLocked() []Lock {
	out := make([]Lock, 0, len(c.held))
	for _, h := range c.held {
		out = append(out, h.lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Locks 返回合并后的节点锁视图，忽略已过期的锁。
func (c *Coordinator) Locks() map[string]Lock {
	states := c.ch.States()
	ids := make([]uint64, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := c.now()
	active := c.Active()
	out := make(map[string]Lock)
	for _, id := range ids {
		for _, l := range states[id].Locks {
			if l.Expired(now, c.cfg.TTL) {
				continue
			}
			if cur, ok := out[l.NodeID]; ok {
				out[l.NodeID] = Resolve(cur, l, c.self, active)
				continue
			}
			out[l.NodeID] = l
		}
	}
	return out
}

// Holder 返回持有节点锁的其他人（其他用户或本用户的其他标签页）。
func (c *Coordinator) Holder(nodeID string) (Lock, bool) {
	l, ok := c.Locks()[nodeID]
	if !ok || c.self.owns(l) {
		return Lock{}, false
	}
	return l, true
}

// Conflicts 返回获取锁失败的次数。
func (c *Coordinator) Conflicts() uint64 {
	return c.conflicts.Load()
}

// Record 返回当前应发布的在线记录。
func (c *Coordinator) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked()
}

func (c *Coordinator) recordLocked() Record {
	rec := Record{
		ConnID:    c.ch.LocalID(),
		UserID:    c.self.UserID,
		Name:      c.self.Name,
		Color:     c.self.Color,
		SessionID: c.self.SessionID,
		TabID:     c.self.TabID,
		Active:    c.active,
		UpdatedAt: c.now().UnixMilli(),
	}
	if c.active {
		if c.cursor != nil {
			cp := *c.cursor
			rec.Cursor = &cp
		}
		rec.Locks = c.heldLocked()
	}
	return rec
}

func (c *Coordinator) publish() {
	c.ch.SetLocal(c.Record())
}
