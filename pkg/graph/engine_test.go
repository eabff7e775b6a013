package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

type memView struct {
	nodes map[string]Node
	edges map[string]Edge
}

func newMemView() *memView {
	return &memView{nodes: map[string]Node{}, edges: map[string]Edge{}}
}

func (v *memView) Nodes() []Node {
	out := make([]Node, 0, len(v.nodes))
	for _, n := range v.nodes {
		out = append(out, n)
	}
	return out
}

func (v *memView) Edges() []Edge {
	out := make([]Edge, 0, len(v.edges))
	for _, e := range v.edges {
		out = append(out, e)
	}
	return out
}

func (v *memView) UpsertNodes(nodes ...Node) {
	for _, n := range nodes {
		v.nodes[n.ID] = n
	}
}

func (v *memView) RemoveNodes(ids ...string) {
	for _, id := range ids {
		delete(v.nodes, id)
	}
}

func (v *memView) UpsertEdges(edges ...Edge) {
	for _, e := range edges {
		v.edges[e.ID] = e
	}
}

func (v *memView) RemoveEdges(ids ...string) {
	for _, id := range ids {
		delete(v.edges, id)
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("gen%d", n)
	}
}

var alice = Actor{ID: "u-alice", Name: "Alice"}

func newTestEngine(t *testing.T, writable bool) (*Engine, *memView) {
	t.Helper()
	d := doc.New(doc.WithClientID("test"))
	view := newMemView()
	e := NewEngine(d, StaticAccess{Writable: writable, Who: alice},
		WithView(view), WithIDGenerator(sequentialIDs()))
	return e, view
}

func seedNode(t *testing.T, e *Engine, n Node) {
	t.Helper()
	require.True(t, e.AddNode(n), "seed node %s", n.ID)
}

func seedEdge(t *testing.T, e *Engine, ed Edge) {
	t.Helper()
	_, ok := e.AddEdge(ed)
	require.True(t, ok, "seed edge %s", ed.ID)
}

// seedArgument 构造 a <-negation- b，并在该边上挂一个反对意见。
func seedArgument(t *testing.T, e *Engine) (edgeID, objectionID string) {
	t.Helper()
	seedNode(t, e, Node{ID: "a", Type: NodePoint, Position: Position{X: 0, Y: 0}, Data: NodeData{Content: "A"}})
	seedNode(t, e, Node{ID: "b", Type: NodePoint, Position: Position{X: 0, Y: 200}, Data: NodeData{Content: "B"}})
	edgeID = CanonicalEdgeID(EdgeNegation, "b", "a")
	seedEdge(t, e, Edge{ID: edgeID, Source: "b", Target: "a", Type: EdgeNegation})
	obj, ok := e.AddObjectionForEdge(edgeID, Position{X: 200, Y: 100})
	require.True(t, ok)
	return edgeID, obj.ID
}

func TestCanonicalEdgeIDIsSymmetric(t *testing.T) {
	assert.Equal(t, CanonicalEdgeID(EdgeSupport, "a", "b"), CanonicalEdgeID(EdgeSupport, "b", "a"))
	assert.NotEqual(t, CanonicalEdgeID(EdgeSupport, "a", "b"), CanonicalEdgeID(EdgeNegation, "a", "b"))
	assert.Equal(t, Family(EdgeSupport), Family(EdgeNegation))
	assert.NotEqual(t, Family(EdgeSupport), Family(EdgeObjection))
}

func TestReadOnlyEngineNeverWrites(t *testing.T) {
	e, view := newTestEngine(t, false)

	_, _, ok := e.CreateNodeBelow("a", CreateOptions{})
	assert.False(t, ok)
	_, ok = e.DuplicateNodeWithConnections("a", Position{X: 10})
	assert.False(t, ok)
	_, ok = e.AddObjectionForEdge("x", Position{})
	assert.False(t, ok)
	assert.False(t, e.DeleteNode("a"))
	assert.False(t, e.EnsureEdgeAnchor("anchor:x", "x", Position{}))
	assert.False(t, e.UpdateNodeContent("a", "hi"))
	assert.False(t, e.AddNode(Node{ID: "a", Type: NodePoint}))

	assert.Empty(t, e.Doc().StateVector())
	assert.Empty(t, view.nodes)
}

func TestCreateNodeBelow(t *testing.T) {
	e, view := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "s", Type: NodeStatement, Position: Position{X: 10, Y: 20}, Height: 60})

	node, edge, ok := e.CreateNodeBelow("s", CreateOptions{Viewport: Viewport{Zoom: 2}})
	require.True(t, ok)
	assert.Equal(t, NodePoint, node.Type)
	assert.Equal(t, Position{X: 10, Y: 20 + 60 + verticalGap/2}, node.Position)
	assert.Equal(t, alice.ID, node.Data.CreatedBy)
	assert.Equal(t, alice.Name, node.Data.CreatedByName)

	assert.Equal(t, EdgeOption, edge.Type)
	assert.Equal(t, node.ID, edge.Source)
	assert.Equal(t, "s", edge.Target)
	assert.Equal(t, CanonicalEdgeID(EdgeOption, "s", node.ID), edge.ID)

	stored, ok := e.Node(node.ID)
	require.True(t, ok)
	assert.Equal(t, node.Position, stored.Position)
	_, ok = e.Edge(edge.ID)
	assert.True(t, ok)
	assert.Contains(t, view.nodes, node.ID)
	assert.Contains(t, view.edges, edge.ID)

	_, edge2, ok := e.CreateNodeBelow(node.ID, CreateOptions{PreferredEdgeType: EdgeSupport})
	require.True(t, ok)
	assert.Equal(t, EdgeSupport, edge2.Type)
}

func TestCreateNodeBelowKeepsExistingCreator(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "p", Type: NodePoint})
	node, _, ok := e.CreateNodeBelow("p", CreateOptions{Data: NodeData{CreatedBy: "u-bob", CreatedByName: "Bob"}})
	require.True(t, ok)
	assert.Equal(t, "u-bob", node.Data.CreatedBy)
	assert.Equal(t, "Bob", node.Data.CreatedByName)
}

func TestDeleteNodeCascadesThroughAnchor(t *testing.T) {
	e, view := newTestEngine(t, true)
	edgeID, objectionID := seedArgument(t, e)
	anchorID := AnchorID(edgeID)
	objEdge := CanonicalEdgeID(EdgeObjection, objectionID, anchorID)

	_, ok := e.Node(anchorID)
	require.True(t, ok)
	_, ok = e.Edge(objEdge)
	require.True(t, ok)

	require.True(t, e.DeleteNode("b"))

	d := e.Doc()
	assert.Equal(t, []string{"a"}, d.Keys(doc.MapNodes))
	assert.Empty(t, d.Keys(doc.MapEdges))
	_, ok = d.Text(objectionID)
	assert.False(t, ok)
	assert.NotContains(t, view.nodes, objectionID)
	assert.NotContains(t, view.nodes, anchorID)
	assert.NotContains(t, view.edges, edgeID)
}

func TestDeleteEdgeCascade(t *testing.T) {
	e, _ := newTestEngine(t, true)
	edgeID, _ := seedArgument(t, e)

	require.True(t, e.DeleteEdge(edgeID))
	d := e.Doc()
	assert.Equal(t, []string{"a", "b"}, d.Keys(doc.MapNodes))
	assert.Empty(t, d.Keys(doc.MapEdges))
}

func TestDeleteObjectionKeepsAnchor(t *testing.T) {
	e, _ := newTestEngine(t, true)
	edgeID, objectionID := seedArgument(t, e)

	require.True(t, e.DeleteNode(objectionID))
	_, ok := e.Node(AnchorID(edgeID))
	assert.True(t, ok)
	_, ok = e.Edge(edgeID)
	assert.True(t, ok)
}

func TestDeleteGroupPromotesChildren(t *testing.T) {
	e, view := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "g", Type: NodeGroup, Position: Position{X: 100, Y: 50}})
	seedNode(t, e, Node{ID: "c1", Type: NodePoint, ParentID: "g", Position: Position{X: 10, Y: 20}})
	seedNode(t, e, Node{ID: "c2", Type: NodePoint, ParentID: "g", Position: Position{X: -5, Y: 0}})

	require.True(t, e.DeleteNode("g"))

	c1, ok := e.Node("c1")
	require.True(t, ok)
	assert.Equal(t, Position{X: 110, Y: 70}, c1.Position)
	assert.Empty(t, c1.ParentID)
	c2, ok := e.Node("c2")
	require.True(t, ok)
	assert.Equal(t, Position{X: 95, Y: 50}, c2.Position)
	_, ok = e.Node("g")
	assert.False(t, ok)
	assert.Equal(t, Position{X: 110, Y: 70}, view.nodes["c1"].Position)
}

func TestDeleteMissingNodeOnlyTouchesView(t *testing.T) {
	e, view := newTestEngine(t, true)
	view.UpsertNodes(Node{ID: "anchor:e1", Type: NodeEdgeAnchor, LocalOnly: true})
	sv := e.Doc().StateVector()

	assert.False(t, e.DeleteNode("anchor:e1"))
	assert.NotContains(t, view.nodes, "anchor:e1")
	assert.Equal(t, sv, e.Doc().StateVector())
}

func TestConnectRejectsSameFamilyInEitherDirection(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "a", Type: NodePoint})
	seedNode(t, e, Node{ID: "b", Type: NodePoint})

	first, ok := e.Connect("a", "b", EdgeSupport)
	require.True(t, ok)
	_, ok = e.Connect("b", "a", EdgeSupport)
	assert.False(t, ok)
	_, ok = e.Connect("b", "a", EdgeNegation)
	assert.False(t, ok)
	assert.Equal(t, []string{first.ID}, e.Doc().Keys(doc.MapEdges))

	_, ok = e.Connect("a", "a", EdgeSupport)
	assert.False(t, ok)
	_, ok = e.Connect("a", "missing", EdgeSupport)
	assert.False(t, ok)
}

func TestDuplicateNodeWithConnections(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "a", Type: NodePoint, Position: Position{X: 1, Y: 2}, Data: NodeData{Content: "hello", Extra: map[string]any{"tag": "x"}}})
	seedNode(t, e, Node{ID: "b", Type: NodePoint})
	_, ok := e.Connect("a", "b", EdgeSupport)
	require.True(t, ok)

	clone, ok := e.DuplicateNodeWithConnections("a", Position{X: 50, Y: 0})
	require.True(t, ok)
	assert.NotEqual(t, "a", clone.ID)
	assert.Equal(t, Position{X: 51, Y: 2}, clone.Position)

	stored, ok := e.Node(clone.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", stored.Data.Content)
	assert.Equal(t, "x", stored.Data.Extra["tag"])
	text, _ := e.Doc().Text(clone.ID)
	assert.Equal(t, "hello", text)

	dup, ok := e.Edge(CanonicalEdgeID(EdgeSupport, clone.ID, "b"))
	require.True(t, ok)
	assert.Equal(t, clone.ID, dup.Source)
	assert.Equal(t, "b", dup.Target)
	assert.Len(t, e.Doc().Keys(doc.MapEdges), 2)
}

func TestDuplicateRefusesAnchors(t *testing.T) {
	e, _ := newTestEngine(t, true)
	edgeID, _ := seedArgument(t, e)
	_, ok := e.DuplicateNodeWithConnections(AnchorID(edgeID), Position{})
	assert.False(t, ok)
}

func TestAddObjectionSeedsPlaceholder(t *testing.T) {
	e, _ := newTestEngine(t, true)
	edgeID, objectionID := seedArgument(t, e)

	text, ok := e.Doc().Text(objectionID)
	require.True(t, ok)
	assert.Equal(t, PlaceholderObjection, text)

	anchor, ok := e.Node(AnchorID(edgeID))
	require.True(t, ok)
	assert.Equal(t, NodeEdgeAnchor, anchor.Type)
	assert.Equal(t, edgeID, anchor.Data.ParentEdgeID)
	assert.Equal(t, Position{X: 0, Y: 100}, anchor.Position)

	second, ok := e.AddObjectionForEdge(edgeID, Position{X: 300})
	require.True(t, ok)
	assert.NotEqual(t, objectionID, second.ID)
	assert.Len(t, e.Doc().Keys(doc.MapNodes), 5)
}

func TestAddObjectionRequiresAnchorableEdge(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "s", Type: NodeStatement})
	seedNode(t, e, Node{ID: "p", Type: NodePoint})
	optionEdge, ok := e.Connect("p", "s", EdgeOption)
	require.True(t, ok)

	_, ok = e.AddObjectionForEdge(optionEdge.ID, Position{})
	assert.False(t, ok)
	_, ok = e.AddObjectionForEdge("missing", Position{})
	assert.False(t, ok)
}

func TestEnsureEdgeAnchorIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "a", Type: NodePoint})
	seedNode(t, e, Node{ID: "b", Type: NodePoint})
	ed, ok := e.Connect("a", "b", EdgeNegation)
	require.True(t, ok)
	anchorID := AnchorID(ed.ID)

	require.True(t, e.EnsureEdgeAnchor(anchorID, ed.ID, Position{X: 5, Y: 5}))
	sv := e.Doc().StateVector()
	require.True(t, e.EnsureEdgeAnchor(anchorID, ed.ID, Position{X: 99, Y: 99}))
	assert.Equal(t, sv, e.Doc().StateVector())

	anchor, _ := e.Node(anchorID)
	assert.Equal(t, Position{X: 5, Y: 5}, anchor.Position)

	assert.False(t, e.EnsureEdgeAnchor("anchor:missing", "missing", Position{}))
}

func TestUpdateNodeContentMirrors(t *testing.T) {
	e, view := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "p", Type: NodePoint, Data: NodeData{Content: "hello"}})
	seedNode(t, e, Node{ID: "s", Type: NodeStatement, Data: NodeData{Statement: "topic"}})

	require.True(t, e.UpdateNodeContent("p", "hello world"))
	require.True(t, e.UpdateNodeContent("s", "new topic"))

	text, _ := e.Doc().Text("p")
	assert.Equal(t, "hello world", text)
	rv, _ := e.Doc().Record(doc.MapNodes, "p")
	assert.Equal(t, "hello world", rv.String("data.content"))
	rv, _ = e.Doc().Record(doc.MapNodes, "s")
	assert.Equal(t, "new topic", rv.String("data.statement"))
	assert.Equal(t, "hello world", view.nodes["p"].Data.Content)

	assert.False(t, e.UpdateNodeContent("missing", "x"))
}

func TestUpdateGeometryWritesOnlyChanges(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "a", Type: NodePoint, Position: Position{X: 1, Y: 1}})
	seedNode(t, e, Node{ID: "b", Type: NodePoint, Position: Position{X: 2, Y: 2}})

	same := Position{X: 1, Y: 1}
	moved := Position{X: 20, Y: 2}
	w := 120.0
	n := e.UpdateGeometry(
		Geometry{ID: "a", Position: &same},
		Geometry{ID: "b", Position: &moved, Width: &w},
	)
	assert.Equal(t, 1, n)
	b, _ := e.Node("b")
	assert.Equal(t, moved, b.Position)
	assert.Equal(t, 120.0, b.Width)
}

func TestSetMindchange(t *testing.T) {
	e, _ := newTestEngine(t, true)
	seedNode(t, e, Node{ID: "a", Type: NodePoint})
	seedNode(t, e, Node{ID: "b", Type: NodePoint})
	ed, ok := e.Connect("a", "b", EdgeSupport)
	require.True(t, ok)

	m := Mindchange{Forward: 0.4, ForwardCount: 3}
	require.True(t, e.SetMindchange(ed.ID, m))
	stored, _ := e.Edge(ed.ID)
	require.NotNil(t, stored.Data.Mindchange)
	assert.Equal(t, m, *stored.Data.Mindchange)
	assert.False(t, e.SetMindchange(ed.ID, m))
}

func TestMigrateLegacyTitleNodes(t *testing.T) {
	e, _ := newTestEngine(t, true)
	require.NoError(t, e.Doc().Transact(doc.OriginRemote, func(tx *doc.Tx) error {
		return tx.Put(doc.MapNodes, "t1", map[string]any{"type": "title", "data.content": "Old title"})
	}))

	var origins []doc.Origin
	e.Doc().Observe(func(ev doc.TxEvent) { origins = append(origins, ev.Origin) })

	assert.Equal(t, 1, e.MigrateLegacy())
	n, ok := e.Node("t1")
	require.True(t, ok)
	assert.Equal(t, NodeStatement, n.Type)
	assert.Equal(t, "Old title", n.Data.Statement)
	text, _ := e.Doc().Text("t1")
	assert.Equal(t, "Old title", text)
	assert.Equal(t, []doc.Origin{doc.OriginMigration}, origins)

	assert.Equal(t, 0, e.MigrateLegacy())
}

func TestConcurrentDeleteAndConnectLeavesDanglingEdge(t *testing.T) {
	a, _ := newTestEngine(t, true)
	seedNode(t, a, Node{ID: "x", Type: NodePoint})
	seedNode(t, a, Node{ID: "y", Type: NodePoint})

	b := NewEngine(doc.New(doc.WithClientID("peer")), StaticAccess{Writable: true, Who: alice})
	snap, err := a.Doc().Snapshot()
	require.NoError(t, err)
	require.NoError(t, b.Doc().ApplyUpdate(snap, doc.OriginRemote))

	require.True(t, a.DeleteNode("x"))
	_, ok := b.Connect("y", "x", EdgeSupport)
	require.True(t, ok)

	ua, err := a.Doc().EncodeStateAsUpdate(b.Doc().StateVector())
	require.NoError(t, err)
	ub, err := b.Doc().EncodeStateAsUpdate(a.Doc().StateVector())
	require.NoError(t, err)
	require.NoError(t, b.Doc().ApplyUpdate(ua, doc.OriginRemote))
	require.NoError(t, a.Doc().ApplyUpdate(ub, doc.OriginRemote))

	assert.Equal(t, a.Doc().Materialize(), b.Doc().Materialize())
	assert.Equal(t, []string{"y"}, a.Doc().Keys(doc.MapNodes))
	assert.Len(t, a.Doc().Keys(doc.MapEdges), 1)
	// 级联删除仍能处理悬空边
	assert.True(t, a.DeleteNode("y"))
	assert.Empty(t, a.Doc().Keys(doc.MapEdges))
}
