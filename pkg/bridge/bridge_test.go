package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
)

var who = graph.Actor{ID: "u1", Name: "One"}

type client struct {
	doc    *doc.Doc
	engine *graph.Engine
	bridge *Bridge
	sched  *ManualScheduler
}

func newClient(t *testing.T, id string, opts ...Option) *client {
	t.Helper()
	d := doc.New(doc.WithClientID(id))
	e := graph.NewEngine(d, graph.StaticAccess{Writable: true, Who: who})
	sched := NewManualScheduler()
	b := New(e, append([]Option{WithScheduler(sched)}, opts...)...)
	t.Cleanup(b.Stop)
	return &client{doc: d, engine: e, bridge: b, sched: sched}
}

// exchange 双向交换增量。
func exchange(t *testing.T, a, b *client) {
	t.Helper()
	ua, err := a.doc.EncodeStateAsUpdate(b.doc.StateVector())
	require.NoError(t, err)
	ub, err := b.doc.EncodeStateAsUpdate(a.doc.StateVector())
	require.NoError(t, err)
	require.NoError(t, b.doc.ApplyUpdate(ua, doc.OriginRemote))
	require.NoError(t, a.doc.ApplyUpdate(ub, doc.OriginRemote))
	a.bridge.Drain()
	b.bridge.Drain()
}

func addPoint(t *testing.T, c *client, id string, pos graph.Position) {
	t.Helper()
	n := graph.Node{ID: id, Type: graph.NodePoint, Position: pos}
	c.bridge.OnNodesChange([]NodeChange{{Kind: NodeAdd, ID: id, Node: &n}})
}

func TestEmptyLocalEdgesNeverDeleteRemoteEdges(t *testing.T) {
	a := newClient(t, "a")
	addPoint(t, a, "p1", graph.Position{})
	addPoint(t, a, "p2", graph.Position{Y: 100})
	edge, ok := a.bridge.Connect(Connection{Source: "p2", Target: "p1", Type: graph.EdgeNegation})
	require.True(t, ok)

	b := newClient(t, "b")
	snap, err := a.doc.Snapshot()
	require.NoError(t, err)
	require.NoError(t, b.doc.ApplyUpdate(snap, doc.OriginRemote))

	// b 还没有处理远程变化，本地边集合为空
	assert.Empty(t, b.bridge.View().Edges())
	b.bridge.OnEdgesChange(nil)
	assert.Zero(t, b.bridge.SyncEdges(nil))
	_, ok = b.doc.Record(doc.MapEdges, edge.ID)
	assert.True(t, ok)

	b.bridge.Drain()
	_, ok = b.bridge.View().Edge(edge.ID)
	assert.True(t, ok)

	exchange(t, a, b)
	_, ok = a.doc.Record(doc.MapEdges, edge.ID)
	assert.True(t, ok)
	_, ok = a.doc.Record(doc.MapNodes, "p1")
	assert.True(t, ok)

	// b 删除 p1 后，a 合并得到 p1 及其边都不存在
	b.bridge.OnNodesChange([]NodeChange{{Kind: NodeRemove, ID: "p1"}})
	exchange(t, a, b)
	_, ok = a.doc.Record(doc.MapNodes, "p1")
	assert.False(t, ok)
	assert.Empty(t, a.doc.Keys(doc.MapEdges))
	_, ok = a.bridge.View().Node("p1")
	assert.False(t, ok)
	assert.Empty(t, a.bridge.View().Edges())
	assert.Equal(t, a.doc.Materialize(), b.doc.Materialize())
}

func TestPositionWritesAreCoalescedPerFrame(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "p", graph.Position{})
	sv := c.doc.StateVector()

	for i := 1; i <= 5; i++ {
		pos := graph.Position{X: float64(i * 10)}
		c.bridge.OnNodesChange([]NodeChange{{Kind: NodePosition, ID: "p", Position: &pos, Dragging: true}})
	}
	n, _ := c.bridge.View().Node("p")
	assert.Equal(t, 50.0, n.Position.X)
	assert.Equal(t, sv, c.doc.StateVector())
	assert.Equal(t, 1, c.sched.Pending())
	assert.Equal(t, 1, c.bridge.PendingWrites())

	assert.Equal(t, 1, c.sched.Flush())
	stored, _ := c.engine.Node("p")
	assert.Equal(t, 50.0, stored.Position.X)
	assert.Equal(t, uint64(4), c.bridge.Stats().Coalesced)
	assert.Equal(t, uint64(1), c.bridge.Stats().GeometryWrites)
}

func TestUnchangedGeometryWritesNothing(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "p", graph.Position{X: 3, Y: 4})
	addPoint(t, c, "q", graph.Position{})
	sv := c.doc.StateVector()

	same := graph.Position{X: 3, Y: 4}
	c.bridge.OnNodesChange([]NodeChange{{Kind: NodePosition, ID: "p", Position: &same}})
	c.sched.Flush()
	assert.Equal(t, sv, c.doc.StateVector())

	w, h := 200.0, 80.0
	c.bridge.OnNodesChange([]NodeChange{{Kind: NodeDimensions, ID: "q", Width: &w, Height: &h}})
	c.sched.Flush()
	q, _ := c.engine.Node("q")
	assert.Equal(t, 200.0, q.Width)
	p, _ := c.engine.Node("p")
	assert.Equal(t, graph.Position{X: 3, Y: 4}, p.Position)
}

func TestSelectionStaysLocal(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "p", graph.Position{})
	sv := c.doc.StateVector()

	c.bridge.OnNodesChange([]NodeChange{{Kind: NodeSelect, ID: "p", Selected: true}})
	n, _ := c.bridge.View().Node("p")
	assert.True(t, n.Selected)
	assert.Equal(t, sv, c.doc.StateVector())

	c.bridge.Resync()
	n, _ = c.bridge.View().Node("p")
	assert.True(t, n.Selected)
}

func TestConnectIsSymmetric(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "a", graph.Position{})
	addPoint(t, c, "b", graph.Position{})

	_, ok := c.bridge.Connect(Connection{Source: "a", Target: "b", Type: graph.EdgeSupport})
	require.True(t, ok)
	_, ok = c.bridge.Connect(Connection{Source: "b", Target: "a", Type: graph.EdgeSupport})
	assert.False(t, ok)
	_, ok = c.bridge.Connect(Connection{Source: "b", Target: "a", Type: graph.EdgeNegation})
	assert.False(t, ok)
	assert.Len(t, c.doc.Keys(doc.MapEdges), 1)
	assert.Len(t, c.bridge.View().Edges(), 1)
}

func TestRemoteChangesReachViewThroughQueue(t *testing.T) {
	a := newClient(t, "a")
	b := newClient(t, "b")

	addPoint(t, a, "p", graph.Position{X: 1})
	require.True(t, a.engine.UpdateNodeContent("p", "hello"))
	exchange(t, a, b)

	n, ok := b.bridge.View().Node("p")
	require.True(t, ok)
	assert.Equal(t, "hello", n.Data.Content)
	assert.Equal(t, 1.0, n.Position.X)
	assert.GreaterOrEqual(t, b.bridge.Stats().Processed, uint64(1))
}

func TestDanglingEdgesAreHidden(t *testing.T) {
	a := newClient(t, "a")
	b := newClient(t, "b")
	addPoint(t, a, "x", graph.Position{})
	addPoint(t, a, "y", graph.Position{})
	exchange(t, a, b)

	require.True(t, a.engine.DeleteNode("x"))
	_, ok := b.bridge.Connect(Connection{Source: "y", Target: "x", Type: graph.EdgeSupport})
	require.True(t, ok)
	exchange(t, a, b)

	assert.Len(t, b.doc.Keys(doc.MapEdges), 1)
	assert.Empty(t, b.bridge.View().Edges())
	assert.Empty(t, a.bridge.View().Edges())
	_, ok = b.bridge.View().Node("x")
	assert.False(t, ok)
}

func TestLocalAnchorsPersistOnFirstDrag(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "a", graph.Position{})
	addPoint(t, c, "b", graph.Position{Y: 100})
	edge, ok := c.bridge.Connect(Connection{Source: "b", Target: "a", Type: graph.EdgeNegation})
	require.True(t, ok)

	// 连线由引擎直接写入视图，远程投影之外的锚点由 Resync 合成
	c.bridge.Resync()
	anchorID := graph.AnchorID(edge.ID)
	anchor, ok := c.bridge.View().Node(anchorID)
	require.True(t, ok)
	assert.True(t, anchor.LocalOnly)
	assert.Equal(t, graph.Position{Y: 50}, anchor.Position)
	_, ok = c.doc.Record(doc.MapNodes, anchorID)
	assert.False(t, ok)

	// 非拖拽的位置变化不会持久化锚点
	pos := graph.Position{X: 5, Y: 50}
	c.bridge.OnNodesChange([]NodeChange{{Kind: NodePosition, ID: anchorID, Position: &pos}})
	_, ok = c.doc.Record(doc.MapNodes, anchorID)
	assert.False(t, ok)

	pos = graph.Position{X: 10, Y: 50}
	c.bridge.OnNodesChange([]NodeChange{{Kind: NodePosition, ID: anchorID, Position: &pos, Dragging: true}})
	_, ok = c.doc.Record(doc.MapNodes, anchorID)
	assert.True(t, ok)
	anchor, _ = c.bridge.View().Node(anchorID)
	assert.False(t, anchor.LocalOnly)
	c.sched.Flush()
	stored, _ := c.engine.Node(anchorID)
	assert.Equal(t, pos, stored.Position)
}

func TestRemoteEdgeGetsLocalAnchor(t *testing.T) {
	a := newClient(t, "a")
	b := newClient(t, "b")
	addPoint(t, a, "a", graph.Position{})
	addPoint(t, a, "b", graph.Position{Y: 100})
	edge, ok := a.bridge.Connect(Connection{Source: "b", Target: "a", Type: graph.EdgeSupport})
	require.True(t, ok)
	exchange(t, a, b)

	anchor, ok := b.bridge.View().Node(graph.AnchorID(edge.ID))
	require.True(t, ok)
	assert.True(t, anchor.LocalOnly)

	require.True(t, a.engine.DeleteEdge(edge.ID))
	exchange(t, a, b)
	_, ok = b.bridge.View().Node(graph.AnchorID(edge.ID))
	assert.False(t, ok)
}

func TestQueueBackpressureAppliesInline(t *testing.T) {
	a := newClient(t, "a")
	b := newClient(t, "b", WithQueueSize(1))

	addPoint(t, a, "p", graph.Position{})
	u1, err := a.doc.Snapshot()
	require.NoError(t, err)
	require.NoError(t, b.doc.ApplyUpdate(u1, doc.OriginRemote))

	addPoint(t, a, "q", graph.Position{})
	u2, err := a.doc.EncodeStateAsUpdate(b.doc.StateVector())
	require.NoError(t, err)
	require.NoError(t, b.doc.ApplyUpdate(u2, doc.OriginRemote))

	stats := b.bridge.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Backpressure)
	_, ok := b.bridge.View().Node("q")
	assert.True(t, ok)

	assert.Equal(t, 1, b.bridge.Drain())
	_, ok = b.bridge.View().Node("p")
	assert.True(t, ok)
}

func TestWorkerAppliesRemoteChanges(t *testing.T) {
	a := newClient(t, "a")
	b := newClient(t, "b")
	b.bridge.Start(context.Background())

	addPoint(t, a, "p", graph.Position{})
	snap, err := a.doc.Snapshot()
	require.NoError(t, err)
	require.NoError(t, b.doc.ApplyUpdate(snap, doc.OriginRemote))

	require.Eventually(t, func() bool {
		_, ok := b.bridge.View().Node("p")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestResyncCancelsPendingWrites(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "p", graph.Position{})
	pos := graph.Position{X: 99}
	c.bridge.OnNodesChange([]NodeChange{{Kind: NodePosition, ID: "p", Position: &pos}})
	require.Equal(t, 1, c.bridge.PendingWrites())

	c.bridge.Resync()
	assert.Zero(t, c.bridge.PendingWrites())
	assert.Zero(t, c.sched.Pending())
	n, _ := c.bridge.View().Node("p")
	assert.Equal(t, graph.Position{}, n.Position)
}

func TestUndoOriginIsReflected(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "p", graph.Position{})
	require.NoError(t, c.doc.Transact(doc.OriginUndo, func(tx *doc.Tx) error {
		_, err := tx.Delete(doc.MapNodes, "p")
		return err
	}))
	c.bridge.Drain()
	_, ok := c.bridge.View().Node("p")
	assert.False(t, ok)
}

func TestEdgeAddRecordsAreCanonicalAndSymmetric(t *testing.T) {
	c := newClient(t, "a")
	addPoint(t, c, "a", graph.Position{})
	addPoint(t, c, "b", graph.Position{Y: 100})
	addPoint(t, c, "x", graph.Position{Y: 200})
	edge, ok := c.bridge.Connect(Connection{Source: "a", Target: "b", Type: graph.EdgeSupport})
	require.True(t, ok)

	reversed := graph.Edge{ID: "e-ba", Source: "b", Target: "a", Type: graph.EdgeNegation}
	same := graph.Edge{ID: "e-ba2", Source: "b", Target: "a", Type: graph.EdgeSupport}
	other := graph.Edge{ID: "e-xa", Source: "x", Target: "a", Type: graph.EdgeNegation}
	c.bridge.OnEdgesChange([]EdgeChange{
		{Kind: EdgeAdd, ID: reversed.ID, Edge: &reversed},
		{Kind: EdgeAdd, ID: same.ID, Edge: &same},
		{Kind: EdgeAdd, ID: other.ID, Edge: &other},
	})

	otherID := graph.CanonicalEdgeID(graph.EdgeNegation, "x", "a")
	assert.ElementsMatch(t, []string{edge.ID, otherID}, c.doc.Keys(doc.MapEdges))
	for _, id := range []string{"e-ba", "e-ba2", "e-xa"} {
		_, ok := c.bridge.View().Edge(id)
		assert.False(t, ok, id)
	}
	_, ok = c.bridge.View().Edge(otherID)
	assert.True(t, ok)

	// 同一条规范边的 replace 只更新字段
	updated := graph.Edge{ID: edge.ID, Source: "a", Target: "b", Type: graph.EdgeSupport,
		Data: graph.EdgeData{Extra: map[string]any{"note": "kept"}}}
	c.bridge.OnEdgesChange([]EdgeChange{{Kind: EdgeReplace, ID: edge.ID, Edge: &updated}})
	stored, ok := graph.ReadEdge(c.doc, edge.ID)
	require.True(t, ok)
	assert.Equal(t, "kept", stored.Data.Extra["note"])

	assert.Zero(t, c.bridge.SyncEdges([]graph.Edge{reversed, same}))
	assert.Len(t, c.doc.Keys(doc.MapEdges), 2)
}
