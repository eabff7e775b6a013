package graph

import (
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// EnsureEdgeAnchor 在锚点不存在时持久化它。已存在的锚点不会被改写（包括位置）。
// 父边不存在时不写入并返回 false。
func (e *Engine) EnsureEdgeAnchor(anchorID, parentEdgeID string, pos Position) bool {
	if e.denied("ensure_edge_anchor") {
		return false
	}
	var ok bool
	_, err := e.transact(doc.OriginLocal, "ensure_edge_anchor", func(tx *doc.Tx, cs *changeSet) error {
		var err error
		ok, err = e.ensureAnchor(tx, cs, anchorID, parentEdgeID, pos)
		return err
	})
	return err == nil && ok
}

func (e *Engine) ensureAnchor(tx *doc.Tx, cs *changeSet, anchorID, parentEdgeID string, pos Position) (bool, error) {
	if !tx.Has(doc.MapEdges, parentEdgeID) {
		e.logger.Debug("anchor parent edge missing", zap.String("anchor", anchorID), zap.String("edge", parentEdgeID))
		return false, nil
	}
	if tx.Has(doc.MapNodes, anchorID) {
		return true, nil
	}
	anchor := Node{
		ID:       anchorID,
		Type:     NodeEdgeAnchor,
		Position: pos,
		Data:     NodeData{ParentEdgeID: parentEdgeID},
	}
	if err := putNode(tx, anchor); err != nil {
		return false, err
	}
	cs.nodes = append(cs.nodes, anchorID)
	return true, nil
}

// AnchorPosition 返回边锚点的默认位置：两端点的中点。
func AnchorPosition(r Reader, ed Edge) Position {
	src, _ := ReadNode(r, ed.Source)
	dst, _ := ReadNode(r, ed.Target)
	return src.Position.Mid(dst.Position)
}

// AddObjectionForEdge 为边添加一条反对意见：确保锚点存在，创建反对意见节点和反对边，
// 并以占位文本初始化其文本序列。
func (e *Engine) AddObjectionForEdge(edgeID string, pos Position) (Node, bool) {
	if e.denied("add_objection") {
		return Node{}, false
	}
	var objection Node
	var ok bool
	_, err := e.transact(doc.OriginLocal, "add_objection", func(tx *doc.Tx, cs *changeSet) error {
		ed, found := ReadEdge(tx, edgeID)
		if !found || !ed.Type.Anchored() {
			return nil
		}
		anchorID := AnchorID(edgeID)
		anchored, err := e.ensureAnchor(tx, cs, anchorID, edgeID, AnchorPosition(tx, ed))
		if err != nil || !anchored {
			return err
		}

		objection = Node{
			ID:       e.newID(),
			Type:     NodeObjection,
			Position: pos,
			Data:     NodeData{Content: PlaceholderObjection},
		}
		e.stamp(&objection.Data)
		if err := putNode(tx, objection); err != nil {
			return err
		}
		link := Edge{
			ID:     CanonicalEdgeID(EdgeObjection, objection.ID, anchorID),
			Source: objection.ID,
			Target: anchorID,
			Type:   EdgeObjection,
		}
		e.stampEdge(&link.Data)
		if err := tx.Put(doc.MapEdges, link.ID, edgeFields(link)); err != nil {
			return err
		}
		cs.nodes = append(cs.nodes, objection.ID)
		cs.edges = append(cs.edges, link.ID)
		ok = true
		return nil
	})
	if err != nil || !ok {
		return Node{}, false
	}
	e.logger.Debug("objection added", zap.String("edge", edgeID), zap.String("node", objection.ID))
	return objection, true
}
