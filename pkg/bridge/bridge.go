// Package bridge 在渲染层的本地视图与复制文档之间双向同步。
// 本地变化被翻译为最小的文档写入（位置/尺寸按帧合并），远程变化经有界队列投递到视图。
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
)

const defaultQueueSize = 256

// Bridge 连接本地视图与文档。
type Bridge struct {
	doc    *doc.Doc
	engine *graph.Engine
	view   *View
	sched  Scheduler
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingGeometry
	gen     uint64

	queueSize int
	changeQ   chan dirtySet
	ctx       context.Context
	cancel    context.CancelFunc
	workerWg  sync.WaitGroup
	running   atomic.Bool
	applyMu   sync.Mutex
	unobserve func()
	stats     bridgeStats
}

type pendingGeometry struct {
	gen    uint64
	geom   graph.Geometry
	cancel func() bool
}

type bridgeStats struct {
	enqueued       uint64
	processed      uint64
	backpressure   uint64
	geometryWrites uint64
	coalesced      uint64
}

// Stats 是桥接器运行时计数的快照。
type Stats struct {
	Enqueued       uint64
	Processed      uint64
	Backpressure   uint64
	QueueDepth     int
	GeometryWrites uint64
	Coalesced      uint64
}

// Option 配置 Bridge。
type Option func(*Bridge)

// WithScheduler 设置帧调度器，默认 FrameScheduler。
func WithScheduler(s Scheduler) Option {
	return func(b *Bridge) {
		if s != nil {
			b.sched = s
		}
	}
}

// WithQueueSize 设置远程变化队列容量。
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New 创建桥接器，把视图挂到引擎上，并立即从文档填充视图。
func New(engine *graph.Engine, opts ...Option) *Bridge {
	b := &Bridge{
		doc:       engine.Doc(),
		engine:    engine,
		view:      NewView(),
		sched:     FrameScheduler{},
		logger:    zap.NewNop(),
		pending:   make(map[string]*pendingGeometry),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.changeQ = make(chan dirtySet, b.queueSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	engine.SetView(b.view)
	b.unobserve = b.doc.Observe(b.onTransaction)
	b.Resync()
	return b
}

// View 返回本地视图。
func (b *Bridge) View() *View {
	return b.view
}

// Start 启动远程变化处理协程。未启动时远程变化留在队列中，由 Drain 同步处理。
func (b *Bridge) Start(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.workerWg.Add(1)
	go b.runWorker(b.ctx)
}

// Stop 停止处理协程、取消全部待执行的帧写入并解除文档订阅。
func (b *Bridge) Stop() {
	b.cancel()
	b.workerWg.Wait()
	b.running.Store(false)
	b.CancelPending()
	if b.unobserve != nil {
		b.unobserve()
		b.unobserve = nil
	}
}

// Stats 返回运行时计数。
func (b *Bridge) Stats() Stats {
	return Stats{
		Enqueued:       atomic.LoadUint64(&b.stats.enqueued),
		Processed:      atomic.LoadUint64(&b.stats.processed),
		Backpressure:   atomic.LoadUint64(&b.stats.backpressure),
		QueueDepth:     len(b.changeQ),
		GeometryWrites: atomic.LoadUint64(&b.stats.geometryWrites),
		Coalesced:      atomic.LoadUint64(&b.stats.coalesced),
	}
}

// OnNodesChange 处理渲染层的节点变化。视图立即更新；位置与尺寸写入推迟到下一帧。
func (b *Bridge) OnNodesChange(changes []NodeChange) {
	for _, c := range changes {
		switch c.Kind {
		case NodeAdd, NodeReplace:
			if c.Node == nil {
				continue
			}
			b.view.UpsertNodes(*c.Node)
			if !c.Node.LocalOnly {
				b.engine.AddNode(*c.Node)
			}
		case NodeRemove:
			b.cancelPending(c.ID)
			b.view.RemoveNodes(c.ID)
			b.engine.DeleteNode(c.ID)
		case NodePosition:
			if c.Position == nil {
				continue
			}
			pos := *c.Position
			n, ok := b.view.update(c.ID, func(n *graph.Node) { n.Position = pos })
			if !ok {
				continue
			}
			if n.LocalOnly {
				// 锚点在第一次被拖动时才持久化
				if !c.Dragging || !b.persistAnchor(n) {
					continue
				}
			}
			b.schedule(graph.Geometry{ID: c.ID, Position: &pos})
		case NodeDimensions:
			n, ok := b.view.update(c.ID, func(n *graph.Node) {
				if c.Width != nil {
					n.Width = *c.Width
				}
				if c.Height != nil {
					n.Height = *c.Height
				}
			})
			if !ok || n.LocalOnly {
				continue
			}
			b.schedule(graph.Geometry{ID: c.ID, Width: c.Width, Height: c.Height})
		case NodeSelect:
			b.view.update(c.ID, func(n *graph.Node) { n.Selected = c.Selected })
		}
	}
}

// OnEdgesChange 处理渲染层的边变化。边的同步只做 upsert：
// 只有显式的 remove 记录才会删除文档中的边，本地集合里缺少某条边不代表它被删除。
func (b *Bridge) OnEdgesChange(changes []EdgeChange) {
	for _, c := range changes {
		switch c.Kind {
		case EdgeAdd, EdgeReplace:
			if c.Edge == nil {
				continue
			}
			stored, ok := b.engine.AddEdge(*c.Edge)
			if !ok || stored.ID != c.Edge.ID {
				b.view.RemoveEdges(c.Edge.ID)
			}
			if ok {
				b.view.UpsertEdges(stored)
			}
		case EdgeRemove:
			b.view.RemoveEdges(c.ID)
			b.engine.DeleteEdge(c.ID)
		case EdgeSelect:
			b.view.selectEdge(c.ID, c.Selected)
		}
	}
}

// SyncEdges 把本地边集合 upsert 到文档。空集合不会删除任何文档中的边。
func (b *Bridge) SyncEdges(local []graph.Edge) int {
	written := 0
	for _, e := range local {
		id := graph.CanonicalEdgeID(e.Type, e.Source, e.Target)
		if cur, ok := graph.ReadEdge(b.doc, id); ok && cur.Source == e.Source && cur.Target == e.Target {
			continue
		}
		if _, ok := b.engine.AddEdge(e); ok {
			written++
		}
	}
	return written
}

// Connect 处理连线手势：规范化边 ID，任一方向已有同族边时静默拒绝。
// 端点是本地合成的锚点时先将其持久化。
func (b *Bridge) Connect(c Connection) (graph.Edge, bool) {
	if c.Type == "" {
		c.Type = graph.EdgeNegation
	}
	if c.Source == c.Target || graph.HasFamilyEdge(b.view.Edges(), c.Source, c.Target, c.Type) {
		return graph.Edge{}, false
	}
	for _, id := range []string{c.Source, c.Target} {
		if n, ok := b.view.Node(id); ok && n.LocalOnly && !b.persistAnchor(n) {
			return graph.Edge{}, false
		}
	}
	return b.engine.Connect(c.Source, c.Target, c.Type)
}

// PersistAnchor 持久化本地合成的锚点，供拖拽开始前调用。
func (b *Bridge) PersistAnchor(anchorID string) bool {
	n, ok := b.view.Node(anchorID)
	if !ok {
		return false
	}
	if !n.LocalOnly {
		return true
	}
	return b.persistAnchor(n)
}

func (b *Bridge) persistAnchor(n graph.Node) bool {
	if !b.engine.EnsureEdgeAnchor(n.ID, n.Data.ParentEdgeID, n.Position) {
		return false
	}
	b.view.update(n.ID, func(n *graph.Node) { n.LocalOnly = false })
	return true
}

// schedule 为节点安排一次帧写入。已有待执行写入时取消它，并与新变化合并。
func (b *Bridge) schedule(g graph.Geometry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[g.ID]; ok {
		p.cancel()
		atomic.AddUint64(&b.stats.coalesced, 1)
		if g.Position == nil {
			g.Position = p.geom.Position
		}
		if g.Width == nil {
			g.Width = p.geom.Width
		}
		if g.Height == nil {
			g.Height = p.geom.Height
		}
	}
	b.gen++
	gen := b.gen
	id := g.ID
	b.pending[id] = &pendingGeometry{
		gen:    gen,
		geom:   g,
		cancel: b.sched.Schedule(func() { b.flush(id, gen) }),
	}
}

func (b *Bridge) flush(id string, gen uint64) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok || p.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.pending, id)
	b.mu.Unlock()

	if b.engine.UpdateGeometry(p.geom) > 0 {
		atomic.AddUint64(&b.stats.geometryWrites, 1)
	}
}

// FlushPending 立即执行全部待执行的帧写入。
func (b *Bridge) FlushPending() {
	b.mu.Lock()
	var geoms []graph.Geometry
	for id, p := range b.pending {
		p.cancel()
		geoms = append(geoms, p.geom)
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if len(geoms) == 0 {
		return
	}
	n := b.engine.UpdateGeometry(geoms...)
	atomic.AddUint64(&b.stats.geometryWrites, uint64(n))
}

// CancelPending 丢弃全部待执行的帧写入。
func (b *Bridge) CancelPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pending {
		p.cancel()
		delete(b.pending, id)
	}
}

func (b *Bridge) cancelPending(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[id]; ok {
		p.cancel()
		delete(b.pending, id)
	}
}

// PendingWrites 返回待执行的帧写入数。
func (b *Bridge) PendingWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
