package bridge

import (
	"context"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
)

// dirtySet 是一次文档事务触及的节点与边。
// 处理时总是读取文档的当前状态，所以乱序或合并处理都得到相同结果。
type dirtySet struct {
	origin doc.Origin
	nodes  []string
	edges  []string
}

func (b *Bridge) onTransaction(ev doc.TxEvent) {
	// 交互写入由引擎和桥接器自己反映到视图
	if ev.Origin == doc.OriginLocal {
		return
	}
	if !ev.Touched(doc.MapNodes) && !ev.Touched(doc.MapEdges) && !ev.Touched(doc.MapText) {
		return
	}
	nodes := mapset.NewThreadUnsafeSet[string](ev.Keys(doc.MapNodes)...)
	nodes.Append(ev.Keys(doc.MapText)...)
	d := dirtySet{origin: ev.Origin, nodes: nodes.ToSlice(), edges: ev.Keys(doc.MapEdges)}

	select {
	case b.changeQ <- d:
		atomic.AddUint64(&b.stats.enqueued, 1)
	default:
		atomic.AddUint64(&b.stats.backpressure, 1)
		b.logger.Warn("change queue saturated, applying backpressure",
			zap.String("origin", string(d.origin)), zap.Int("nodes", len(d.nodes)), zap.Int("edges", len(d.edges)))
		b.apply(d)
		atomic.AddUint64(&b.stats.processed, 1)
	}
}

func (b *Bridge) runWorker(ctx context.Context) {
	defer b.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.changeQ:
			b.apply(d)
			atomic.AddUint64(&b.stats.processed, 1)
		}
	}
}

// Drain 同步处理队列中的全部远程变化，返回处理数量。
func (b *Bridge) Drain() int {
	n := 0
	for {
		select {
		case d := <-b.changeQ:
			b.apply(d)
			atomic.AddUint64(&b.stats.processed, 1)
			n++
		default:
			return n
		}
	}
}

// apply 把文档中指定节点与边的当前状态投影到视图。
func (b *Bridge) apply(d dirtySet) {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	edgeIDs := mapset.NewThreadUnsafeSet[string](d.edges...)
	var upsertNodes []graph.Node
	var removeNodes []string
	for _, id := range d.nodes {
		if n, ok := graph.ReadNode(b.doc, id); ok {
			upsertNodes = append(upsertNodes, n)
			continue
		}
		if cur, ok := b.view.Node(id); ok && cur.LocalOnly {
			continue
		}
		removeNodes = append(removeNodes, id)
		if edgeID, ok := graph.AnchorEdgeID(id); ok {
			edgeIDs.Add(edgeID)
		}
	}
	b.view.UpsertNodes(upsertNodes...)
	b.view.RemoveNodes(removeNodes...)

	// 节点出现或消失会改变相邻边的可见性
	if len(d.nodes) > 0 {
		touched := mapset.NewThreadUnsafeSet[string](d.nodes...)
		for _, e := range graph.ReadEdges(b.doc) {
			if touched.Contains(e.Source) || touched.Contains(e.Target) {
				edgeIDs.Add(e.ID)
			}
		}
		for _, e := range b.view.Edges() {
			if touched.Contains(e.Source) || touched.Contains(e.Target) {
				edgeIDs.Add(e.ID)
			}
		}
	}

	var upsertEdges []graph.Edge
	var removeEdges []string
	for _, id := range edgeIDs.ToSlice() {
		e, ok := graph.ReadEdge(b.doc, id)
		if ok && b.endpointsVisible(e) {
			upsertEdges = append(upsertEdges, e)
		} else {
			removeEdges = append(removeEdges, id)
		}
	}
	b.view.UpsertEdges(upsertEdges...)
	b.view.RemoveEdges(removeEdges...)
	b.reconcileAnchors(upsertEdges, removeEdges)
}

// endpointsVisible 判断边的两个端点是否都在文档中（悬空边保留在文档中但不展示）。
func (b *Bridge) endpointsVisible(e graph.Edge) bool {
	_, src := b.doc.Record(doc.MapNodes, e.Source)
	_, dst := b.doc.Record(doc.MapNodes, e.Target)
	return src && dst
}

// reconcileAnchors 为缺少持久化锚点的支持/反驳边合成本地锚点，并移除失去父边的本地锚点。
func (b *Bridge) reconcileAnchors(present []graph.Edge, removed []string) {
	var add []graph.Node
	for _, e := range present {
		if !e.Type.Anchored() {
			continue
		}
		anchorID := graph.AnchorID(e.ID)
		if _, ok := b.doc.Record(doc.MapNodes, anchorID); ok {
			continue
		}
		if _, ok := b.view.Node(anchorID); ok {
			continue
		}
		add = append(add, localAnchor(b.doc, e))
	}
	b.view.UpsertNodes(add...)

	var drop []string
	for _, id := range removed {
		anchorID := graph.AnchorID(id)
		if n, ok := b.view.Node(anchorID); ok && n.LocalOnly {
			drop = append(drop, anchorID)
		}
	}
	b.view.RemoveNodes(drop...)
}

func localAnchor(r graph.Reader, e graph.Edge) graph.Node {
	return graph.Node{
		ID:        graph.AnchorID(e.ID),
		Type:      graph.NodeEdgeAnchor,
		Position:  graph.AnchorPosition(r, e),
		Data:      graph.NodeData{ParentEdgeID: e.ID},
		LocalOnly: true,
	}
}

// Resync 用文档的完整状态覆盖本地视图：合并文本序列、隐藏悬空边、合成本地锚点，
// 并丢弃基于旧视图计算的待执行写入。
func (b *Bridge) Resync() {
	b.CancelPending()
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	nodes := graph.ReadNodes(b.doc)
	present := mapset.NewThreadUnsafeSet[string]()
	for _, n := range nodes {
		present.Add(n.ID)
	}
	var edges []graph.Edge
	for _, e := range graph.ReadEdges(b.doc) {
		if !present.Contains(e.Source) || !present.Contains(e.Target) {
			continue
		}
		edges = append(edges, e)
		if e.Type.Anchored() && !present.Contains(graph.AnchorID(e.ID)) {
			nodes = append(nodes, localAnchor(b.doc, e))
		}
	}
	b.view.Replace(nodes, edges)
	b.logger.Debug("view resynced", zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
}
