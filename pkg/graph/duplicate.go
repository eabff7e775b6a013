package graph

import (
	"maps"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// DuplicateNodeWithConnections 复制节点（新 ID、相同类型和数据、位置偏移 offset），
// 并为副本重建原节点的全部连接。锚点节点不可复制。
func (e *Engine) DuplicateNodeWithConnections(id string, offset Position) (Node, bool) {
	if e.denied("duplicate_node") {
		return Node{}, false
	}
	var clone Node
	var ok bool
	_, err := e.transact(doc.OriginLocal, "duplicate_node", func(tx *doc.Tx, cs *changeSet) error {
		src, found := ReadNode(tx, id)
		if !found || src.Type == NodeEdgeAnchor {
			return nil
		}
		clone = src
		clone.ID = e.newID()
		clone.Position = src.Position.Add(offset)
		clone.Data.Extra = maps.Clone(src.Data.Extra)
		if err := putNode(tx, clone); err != nil {
			return err
		}
		cs.nodes = append(cs.nodes, clone.ID)

		for _, ed := range IncidentEdges(tx, id) {
			if ed.Type == EdgeObjection {
				continue
			}
			dup := Edge{Source: ed.Source, Target: ed.Target, Type: ed.Type}
			if dup.Source == id {
				dup.Source = clone.ID
			}
			if dup.Target == id {
				dup.Target = clone.ID
			}
			if dup.Source == dup.Target {
				continue
			}
			dup.ID = CanonicalEdgeID(dup.Type, dup.Source, dup.Target)
			if tx.Has(doc.MapEdges, dup.ID) {
				continue
			}
			dup.Data = EdgeData{
				CreatedBy:     ed.Data.CreatedBy,
				CreatedByName: ed.Data.CreatedByName,
				Extra:         maps.Clone(ed.Data.Extra),
			}
			e.stampEdge(&dup.Data)
			if err := tx.Put(doc.MapEdges, dup.ID, edgeFields(dup)); err != nil {
				return err
			}
			cs.edges = append(cs.edges, dup.ID)
		}
		ok = true
		return nil
	})
	if err != nil || !ok {
		return Node{}, false
	}
	e.logger.Debug("node duplicated", zap.String("node", id), zap.String("clone", clone.ID))
	return clone, true
}
