// Package graph 提供对论证图文档的结构化修改。所有结构变更都应通过 Engine 完成，
// 它在同一事务中维护级联删除、锚点与反对意见等不变式，并同步更新本地视图。
package graph

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// PlaceholderObjection 是新建反对意见的初始文本。
const PlaceholderObjection = "New objection"

// Actor 是执行操作的身份。
type Actor struct {
	ID   string
	Name string
}

// Access 提供写权限与操作者身份。引擎不做任何授权判断，只读取这两个值。
type Access interface {
	CanWrite() bool
	Actor() Actor
}

// StaticAccess 是固定取值的 Access。
type StaticAccess struct {
	Writable bool
	Who      Actor
}

func (a StaticAccess) CanWrite() bool { return a.Writable }
func (a StaticAccess) Actor() Actor   { return a.Who }

// LocalView 是渲染层持有的本地节点/边集合。
type LocalView interface {
	Nodes() []Node
	Edges() []Edge
	UpsertNodes(nodes ...Node)
	RemoveNodes(ids ...string)
	UpsertEdges(edges ...Edge)
	RemoveEdges(ids ...string)
}

// Engine 执行图的结构化操作。
type Engine struct {
	doc    *doc.Doc
	access Access
	view   LocalView
	logger *zap.Logger
	newID  func() string
}

// Option 配置 Engine。
type Option func(*Engine)

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithView 设置本地视图。
func WithView(view LocalView) Option {
	return func(e *Engine) {
		e.view = view
	}
}

// WithIDGenerator 替换节点 ID 生成器，测试中用于得到确定的 ID。
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine 创建引擎。
func NewEngine(d *doc.Doc, access Access, opts ...Option) *Engine {
	e := &Engine{
		doc:    d,
		access: access,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Doc 返回引擎操作的文档。
func (e *Engine) Doc() *doc.Doc {
	return e.doc
}

// SetView 替换本地视图。
func (e *Engine) SetView(view LocalView) {
	e.view = view
}

// CanWrite 报告当前是否允许写入。
func (e *Engine) CanWrite() bool {
	return e.access != nil && e.access.CanWrite()
}

func (e *Engine) actor() Actor {
	if e.access == nil {
		return Actor{}
	}
	return e.access.Actor()
}

// stamp 在缺失时填充创建者信息。
func (e *Engine) stamp(d *NodeData) {
	a := e.actor()
	if d.CreatedBy == "" {
		d.CreatedBy = a.ID
	}
	if d.CreatedByName == "" {
		d.CreatedByName = a.Name
	}
}

func (e *Engine) stampEdge(d *EdgeData) {
	a := e.actor()
	if d.CreatedBy == "" {
		d.CreatedBy = a.ID
	}
	if d.CreatedByName == "" {
		d.CreatedByName = a.Name
	}
}

// Node 读取节点。
func (e *Engine) Node(id string) (Node, bool) {
	return ReadNode(e.doc, id)
}

// Edge 读取边。
func (e *Engine) Edge(id string) (Edge, bool) {
	return ReadEdge(e.doc, id)
}

// changeSet 收集一次操作需要反映到本地视图的变化。
type changeSet struct {
	nodes        []string
	edges        []string
	removedNodes []string
	removedEdges []string
}

// reflect 在事务提交后把变化写入本地视图。
func (e *Engine) reflect(cs changeSet) {
	if e.view == nil {
		return
	}
	if len(cs.removedEdges) > 0 {
		e.view.RemoveEdges(cs.removedEdges...)
		// 本地合成的锚点随边一起消失
		anchors := make([]string, 0, len(cs.removedEdges))
		for _, id := range cs.removedEdges {
			anchors = append(anchors, AnchorID(id))
		}
		e.view.RemoveNodes(anchors...)
	}
	if len(cs.removedNodes) > 0 {
		e.view.RemoveNodes(cs.removedNodes...)
	}
	var nodes []Node
	for _, id := range cs.nodes {
		if n, ok := ReadNode(e.doc, id); ok {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) > 0 {
		e.view.UpsertNodes(nodes...)
	}
	var edges []Edge
	for _, id := range cs.edges {
		if ed, ok := ReadEdge(e.doc, id); ok {
			edges = append(edges, ed)
		}
	}
	if len(edges) > 0 {
		e.view.UpsertEdges(edges...)
	}
}

func (e *Engine) transact(origin doc.Origin, op string, fn func(tx *doc.Tx, cs *changeSet) error) (changeSet, error) {
	var cs changeSet
	err := e.doc.Transact(origin, func(tx *doc.Tx) error {
		return fn(tx, &cs)
	})
	if err != nil {
		e.logger.Error("graph operation failed", zap.String("op", op), zap.Error(err))
	}
	e.reflect(cs)
	return cs, err
}

func (e *Engine) denied(op string) bool {
	if e.CanWrite() {
		return false
	}
	e.logger.Debug("write not permitted", zap.String("op", op))
	return true
}
