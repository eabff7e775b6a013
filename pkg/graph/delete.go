package graph

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// cascade 计算一次删除波及的全部节点与边：
// 边带走它的锚点，锚点带走所有经反对边连接的反对意见节点，反对意见节点再带走它自己的边。
type cascade struct {
	nodes   map[string]Node
	edges   []Edge
	anchors map[string][]string

	nodeSet mapset.Set[string]
	edgeSet mapset.Set[string]
	queue   []string
}

func newCascade(r Reader) *cascade {
	c := &cascade{
		nodes:   make(map[string]Node),
		edges:   ReadEdges(r),
		anchors: make(map[string][]string),
		nodeSet: mapset.NewThreadUnsafeSet[string](),
		edgeSet: mapset.NewThreadUnsafeSet[string](),
	}
	for _, n := range ReadNodes(r) {
		c.nodes[n.ID] = n
		if n.Type == NodeEdgeAnchor && n.Data.ParentEdgeID != "" {
			c.anchors[n.Data.ParentEdgeID] = append(c.anchors[n.Data.ParentEdgeID], n.ID)
		}
	}
	return c
}

func (c *cascade) addNode(id string) {
	if _, ok := c.nodes[id]; !ok {
		return
	}
	if c.nodeSet.Add(id) {
		c.queue = append(c.queue, id)
	}
}

func (c *cascade) addEdge(ed Edge) {
	if !c.edgeSet.Add(ed.ID) {
		return
	}
	c.addNode(AnchorID(ed.ID))
	for _, id := range c.anchors[ed.ID] {
		c.addNode(id)
	}
}

func (c *cascade) run() {
	for len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		n := c.nodes[id]
		for _, ed := range c.edges {
			if !ed.Touches(id) {
				continue
			}
			c.addEdge(ed)
			if n.Type == NodeEdgeAnchor && ed.Type == EdgeObjection {
				if other, ok := c.nodes[ed.Other(id)]; ok && other.Type == NodeObjection {
					c.addNode(other.ID)
				}
			}
		}
	}
}

// absolute 返回节点在根坐标系下的位置。
func (c *cascade) absolute(id string) Position {
	var p Position
	seen := mapset.NewThreadUnsafeSet[string]()
	for id != "" && seen.Add(id) {
		n, ok := c.nodes[id]
		if !ok {
			break
		}
		p = p.Add(n.Position)
		id = n.ParentID
	}
	return p
}

// apply 执行删除：被删除分组的子节点提升到根并平移到绝对坐标，然后删除边、节点与文本。
func (c *cascade) apply(tx *doc.Tx, cs *changeSet) error {
	deleted := c.nodeSet
	for _, id := range sortedSet(deleted) {
		if c.nodes[id].Type != NodeGroup {
			continue
		}
		origin := c.absolute(id)
		for _, child := range c.nodes {
			if child.ParentID != id || deleted.Contains(child.ID) {
				continue
			}
			if _, err := tx.Set(doc.MapNodes, child.ID, fieldPosition, child.Position.Add(origin)); err != nil {
				return err
			}
			if _, err := tx.Unset(doc.MapNodes, child.ID, fieldParentID); err != nil {
				return err
			}
			cs.nodes = append(cs.nodes, child.ID)
		}
	}
	for _, id := range sortedSet(c.edgeSet) {
		if _, err := tx.Delete(doc.MapEdges, id); err != nil {
			return err
		}
		cs.removedEdges = append(cs.removedEdges, id)
	}
	for _, id := range sortedSet(deleted) {
		if _, err := tx.Delete(doc.MapNodes, id); err != nil {
			return err
		}
		if _, err := tx.DropText(id); err != nil {
			return err
		}
		cs.removedNodes = append(cs.removedNodes, id)
	}
	return nil
}

func sortedSet(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// DeleteNode 删除节点及其级联依赖。分组节点的子节点不会被删除，而是提升为独立节点。
// 本地合成但尚未持久化的节点只从本地视图移除。
func (e *Engine) DeleteNode(id string) bool {
	if e.denied("delete_node") {
		return false
	}
	var found bool
	cs, err := e.transact(doc.OriginLocal, "delete_node", func(tx *doc.Tx, cs *changeSet) error {
		c := newCascade(tx)
		if _, ok := c.nodes[id]; !ok {
			return nil
		}
		found = true
		c.addNode(id)
		c.run()
		return c.apply(tx, cs)
	})
	if err != nil {
		return false
	}
	if !found {
		if e.view != nil {
			e.view.RemoveNodes(id)
		}
		return false
	}
	e.logger.Debug("node deleted", zap.String("node", id),
		zap.Int("nodes", len(cs.removedNodes)), zap.Int("edges", len(cs.removedEdges)), zap.Int("promoted", len(cs.nodes)))
	return true
}

// DeleteEdge 删除边，同时删除它的锚点和挂在锚点上的反对意见子树。
func (e *Engine) DeleteEdge(id string) bool {
	if e.denied("delete_edge") {
		return false
	}
	var found bool
	cs, err := e.transact(doc.OriginLocal, "delete_edge", func(tx *doc.Tx, cs *changeSet) error {
		c := newCascade(tx)
		for _, ed := range c.edges {
			if ed.ID == id {
				found = true
				c.addEdge(ed)
				break
			}
		}
		if !found {
			return nil
		}
		c.run()
		return c.apply(tx, cs)
	})
	if err != nil {
		return false
	}
	if !found {
		if e.view != nil {
			e.view.RemoveEdges(id)
		}
		return false
	}
	e.logger.Debug("edge deleted", zap.String("edge", id),
		zap.Int("nodes", len(cs.removedNodes)), zap.Int("edges", len(cs.removedEdges)))
	return true
}
