package graph

import (
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// UpdateNodeContent 以最小差异写入节点文本序列，并把结果镜像到 data.content
// （陈述节点为 data.statement）。
func (e *Engine) UpdateNodeContent(id, content string) bool {
	if e.denied("update_content") {
		return false
	}
	var ok bool
	_, err := e.transact(doc.OriginLocal, "update_content", func(tx *doc.Tx, cs *changeSet) error {
		rv, found := tx.Record(doc.MapNodes, id)
		if !found {
			return nil
		}
		ok = true
		if _, err := tx.SetText(id, content); err != nil {
			return err
		}
		mirror := fieldContent
		if NodeType(rv.String(fieldType)) == NodeStatement {
			mirror = fieldStatement
		}
		var err error
		if content == "" {
			_, err = tx.Unset(doc.MapNodes, id, mirror)
		} else {
			_, err = tx.Set(doc.MapNodes, id, mirror, content)
		}
		cs.nodes = append(cs.nodes, id)
		return err
	})
	return err == nil && ok
}

// SetMindchange 写入边上的信念变化统计。写入走交互来源，可以撤销。
func (e *Engine) SetMindchange(edgeID string, m Mindchange) bool {
	if e.denied("set_mindchange") {
		return false
	}
	var ok bool
	_, err := e.transact(doc.OriginLocal, "set_mindchange", func(tx *doc.Tx, cs *changeSet) error {
		var err error
		ok, err = tx.Set(doc.MapEdges, edgeID, fieldMindchange, m)
		if ok {
			cs.edges = append(cs.edges, edgeID)
		}
		return err
	})
	return err == nil && ok
}

// Geometry 是一次位置或尺寸变化，nil 字段表示不变。
type Geometry struct {
	ID       string
	Position *Position
	Width    *float64
	Height   *float64
}

// UpdateGeometry 写入节点位置与尺寸，只写实际变化的字段。返回被修改的节点数。
// 调用方已经更新了本地视图，这里不再回写视图。
func (e *Engine) UpdateGeometry(changes ...Geometry) int {
	if e.denied("update_geometry") || len(changes) == 0 {
		return 0
	}
	written := 0
	_, _ = e.transact(doc.OriginLocal, "update_geometry", func(tx *doc.Tx, _ *changeSet) error {
		for _, g := range changes {
			changed := false
			set := func(field string, v any) error {
				ok, err := tx.Set(doc.MapNodes, g.ID, field, v)
				changed = changed || ok
				return err
			}
			if g.Position != nil {
				if err := set(fieldPosition, *g.Position); err != nil {
					return err
				}
			}
			if g.Width != nil {
				if err := set(fieldWidth, *g.Width); err != nil {
					return err
				}
			}
			if g.Height != nil {
				if err := set(fieldHeight, *g.Height); err != nil {
					return err
				}
			}
			if changed {
				written++
			}
		}
		return nil
	})
	return written
}

// AddNode 写入渲染层新增的节点。已存在的节点只更新有差异的字段。
func (e *Engine) AddNode(n Node) bool {
	if e.denied("add_node") || n.ID == "" || n.LocalOnly {
		return false
	}
	e.stamp(&n.Data)
	_, err := e.transact(doc.OriginLocal, "add_node", func(tx *doc.Tx, _ *changeSet) error {
		if tx.Has(doc.MapNodes, n.ID) {
			_, err := tx.Update(doc.MapNodes, n.ID, nodeFields(n))
			return err
		}
		return putNode(tx, n)
	})
	return err == nil
}

// AddEdge 以 upsert 方式写入渲染层给出的边，返回实际存储的边。
// 边 ID 总是由类型和排序后的端点对重新生成，调用方给出的 ID 不会进入文档。
// 这对节点之间（任一方向）已有同族的其他边，或同一条边方向相反时静默拒绝；
// 同一条边只更新有差异的字段。端点缺失的边也允许写入（悬空边由读取方忽略）。
func (e *Engine) AddEdge(ed Edge) (Edge, bool) {
	if e.denied("add_edge") || ed.Source == "" || ed.Target == "" || ed.Type == "" {
		return Edge{}, false
	}
	ed.ID = CanonicalEdgeID(ed.Type, ed.Source, ed.Target)
	e.stampEdge(&ed.Data)
	var ok bool
	_, err := e.transact(doc.OriginLocal, "add_edge", func(tx *doc.Tx, _ *changeSet) error {
		for _, cur := range ReadEdges(tx) {
			if !sameFamilyPair(cur, ed.Source, ed.Target, ed.Type) {
				continue
			}
			if cur.ID != ed.ID || cur.Source != ed.Source {
				e.logger.Debug("edge rejected, pair already connected",
					zap.String("edge", ed.ID), zap.String("existing", cur.ID))
				return nil
			}
		}
		if err := tx.Put(doc.MapEdges, ed.ID, edgeFields(ed)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil || !ok {
		return Edge{}, false
	}
	return ed, true
}

// Connect 在两个节点之间创建边。若这对节点之间（任一方向）已有同一族的边则静默拒绝。
func (e *Engine) Connect(source, target string, t EdgeType) (Edge, bool) {
	if e.denied("connect") || source == "" || target == "" || source == target {
		return Edge{}, false
	}
	edge := Edge{
		ID:     CanonicalEdgeID(t, source, target),
		Source: source,
		Target: target,
		Type:   t,
	}
	e.stampEdge(&edge.Data)
	var ok bool
	_, err := e.transact(doc.OriginLocal, "connect", func(tx *doc.Tx, cs *changeSet) error {
		if !tx.Has(doc.MapNodes, source) || !tx.Has(doc.MapNodes, target) {
			return nil
		}
		for _, ed := range ReadEdges(tx) {
			if sameFamilyPair(ed, source, target, t) {
				return nil
			}
		}
		if err := tx.Put(doc.MapEdges, edge.ID, edgeFields(edge)); err != nil {
			return err
		}
		cs.edges = append(cs.edges, edge.ID)
		ok = true
		return nil
	})
	if err != nil || !ok {
		return Edge{}, false
	}
	return edge, true
}

// sameFamilyPair 判断 ed 是否与 (a, b, t) 连接同一对节点且属于同一族。
func sameFamilyPair(ed Edge, a, b string, t EdgeType) bool {
	samePair := (ed.Source == a && ed.Target == b) || (ed.Source == b && ed.Target == a)
	return samePair && Family(ed.Type) == Family(t)
}

// HasFamilyEdge 判断节点对之间是否已有同族边。
func HasFamilyEdge(edges []Edge, a, b string, t EdgeType) bool {
	for _, ed := range edges {
		if sameFamilyPair(ed, a, b, t) {
			return true
		}
	}
	return false
}
