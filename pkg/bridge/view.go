package bridge

import (
	"sort"
	"sync"

	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
)

// View 是渲染层使用的本地节点/边集合，由本客户端独占。
// 它总是文档的派生投影；选中状态和本地合成锚点只存在于这里。
type View struct {
	mu        sync.RWMutex
	nodes     map[string]graph.Node
	edges     map[string]graph.Edge
	listeners []func()
}

// NewView 创建空视图。
func NewView() *View {
	return &View{
		nodes: make(map[string]graph.Node),
		edges: make(map[string]graph.Edge),
	}
}

// OnChange 注册视图变化回调。回调在修改视图的 goroutine 中同步执行。
func (v *View) OnChange(fn func()) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

func (v *View) notify() {
	v.mu.RLock()
	listeners := append([]func(){}, v.listeners...)
	v.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Nodes 返回按 ID 排序的节点快照。
func (v *View) Nodes() []graph.Node {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]graph.Node, 0, len(v.nodes))
	for _, n := range v.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges 返回按 ID 排序的边快照。
func (v *View) Edges() []graph.Edge {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]graph.Edge, 0, len(v.edges))
	for _, e := range v.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Node 返回单个节点。
func (v *View) Node(id string) (graph.Node, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	return n, ok
}

// Edge 返回单条边。
func (v *View) Edge(id string) (graph.Edge, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.edges[id]
	return e, ok
}

// UpsertNodes 写入节点，保留已有的选中状态。
func (v *View) UpsertNodes(nodes ...graph.Node) {
	if len(nodes) == 0 {
		return
	}
	v.mu.Lock()
	for _, n := range nodes {
		if cur, ok := v.nodes[n.ID]; ok && cur.Selected {
			n.Selected = true
		}
		v.nodes[n.ID] = n
	}
	v.mu.Unlock()
	v.notify()
}

// RemoveNodes 删除节点。
func (v *View) RemoveNodes(ids ...string) {
	v.mu.Lock()
	removed := false
	for _, id := range ids {
		if _, ok := v.nodes[id]; ok {
			delete(v.nodes, id)
			removed = true
		}
	}
	v.mu.Unlock()
	if removed {
		v.notify()
	}
}

// UpsertEdges 写入边，保留已有的选中状态。
func (v *View) UpsertEdges(edges ...graph.Edge) {
	if len(edges) == 0 {
		return
	}
	v.mu.Lock()
	for _, e := range edges {
		if cur, ok := v.edges[e.ID]; ok && cur.Selected {
			e.Selected = true
		}
		v.edges[e.ID] = e
	}
	v.mu.Unlock()
	v.notify()
}

// RemoveEdges 删除边。
func (v *View) RemoveEdges(ids ...string) {
	v.mu.Lock()
	removed := false
	for _, id := range ids {
		if _, ok := v.edges[id]; ok {
			delete(v.edges, id)
			removed = true
		}
	}
	v.mu.Unlock()
	if removed {
		v.notify()
	}
}

// update 在锁内修改单个节点，节点不存在时返回 false。
func (v *View) update(id string, fn func(n *graph.Node)) (graph.Node, bool) {
	v.mu.Lock()
	n, ok := v.nodes[id]
	if ok {
		fn(&n)
		v.nodes[id] = n
	}
	v.mu.Unlock()
	if ok {
		v.notify()
	}
	return n, ok
}

func (v *View) selectEdge(id string, selected bool) {
	v.mu.Lock()
	e, ok := v.edges[id]
	if ok {
		e.Selected = selected
		v.edges[id] = e
	}
	v.mu.Unlock()
	if ok {
		v.notify()
	}
}

// Replace 整体替换视图内容，保留仍然存在的节点与边的选中状态。
func (v *View) Replace(nodes []graph.Node, edges []graph.Edge) {
	v.mu.Lock()
	nextNodes := make(map[string]graph.Node, len(nodes))
	for _, n := range nodes {
		if cur, ok := v.nodes[n.ID]; ok && cur.Selected {
			n.Selected = true
		}
		nextNodes[n.ID] = n
	}
	nextEdges := make(map[string]graph.Edge, len(edges))
	for _, e := range edges {
		if cur, ok := v.edges[e.ID]; ok && cur.Selected {
			e.Selected = true
		}
		nextEdges[e.ID] = e
	}
	v.nodes, v.edges = nextNodes, nextEdges
	v.mu.Unlock()
	v.notify()
}
