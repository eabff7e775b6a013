package graph

import (
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

const (
	defaultNodeHeight = 80
	// verticalGap 以屏幕像素计，换算到画布坐标时除以缩放比例。
	verticalGap    = 120
	viewportMargin = 40
)

// Viewport 描述当前画布的平移与缩放。Width/Height 为屏幕尺寸，为零时不做可见区域约束。
type Viewport struct {
	X, Y   float64
	Zoom   float64
	Width  float64
	Height float64
}

func (v Viewport) zoom() float64 {
	if v.Zoom <= 0 {
		return 1
	}
	return v.Zoom
}

// clamp 把画布坐标限制在可见区域内。
func (v Viewport) clamp(p Position) Position {
	if v.Width <= 0 || v.Height <= 0 {
		return p
	}
	z := v.zoom()
	margin := viewportMargin / z
	minX, minY := -v.X/z, -v.Y/z
	maxX, maxY := minX+v.Width/z-margin, minY+v.Height/z-margin
	if p.X > maxX {
		p.X = maxX
	}
	if p.X < minX+margin {
		p.X = minX + margin
	}
	if p.Y > maxY {
		p.Y = maxY
	}
	return p
}

// DefaultEdgeType 是新节点连接边类型的默认策略：陈述下方为选项，其余为反驳。
func DefaultEdgeType(source Node) EdgeType {
	if source.Type == NodeStatement {
		return EdgeOption
	}
	return EdgeNegation
}

// CreateOptions 是 CreateNodeBelow 的参数。
type CreateOptions struct {
	Viewport Viewport
	// PreferredEdgeType 非空时直接使用，否则由 EdgePolicy（默认 DefaultEdgeType）决定。
	PreferredEdgeType EdgeType
	EdgePolicy        func(source Node) EdgeType
	NodeType          NodeType
	Data              NodeData
}

func (o CreateOptions) edgeType(source Node) EdgeType {
	if o.PreferredEdgeType != "" {
		return o.PreferredEdgeType
	}
	if o.EdgePolicy != nil {
		return o.EdgePolicy(source)
	}
	return DefaultEdgeType(source)
}

// CreateNodeBelow 在源节点下方创建新节点，并用一条边把新节点连到源节点。
// 没有写权限或源节点不存在时不做任何写入。
func (e *Engine) CreateNodeBelow(sourceID string, opts CreateOptions) (Node, Edge, bool) {
	if e.denied("create_node_below") {
		return Node{}, Edge{}, false
	}
	source, ok := e.Node(sourceID)
	if !ok {
		e.logger.Debug("source node missing", zap.String("node", sourceID))
		return Node{}, Edge{}, false
	}

	height := source.Height
	if height <= 0 {
		height = defaultNodeHeight
	}
	pos := Position{X: source.Position.X, Y: source.Position.Y + height + verticalGap/opts.Viewport.zoom()}
	if source.ParentID == "" {
		pos = opts.Viewport.clamp(pos)
	}

	nodeType := opts.NodeType
	if nodeType == "" {
		nodeType = NodePoint
	}
	node := Node{
		ID:       e.newID(),
		Type:     nodeType,
		Position: pos,
		ParentID: source.ParentID,
		Data:     opts.Data,
	}
	e.stamp(&node.Data)

	edgeType := opts.edgeType(source)
	edge := Edge{
		ID:     CanonicalEdgeID(edgeType, node.ID, sourceID),
		Source: node.ID,
		Target: sourceID,
		Type:   edgeType,
	}
	e.stampEdge(&edge.Data)

	_, err := e.transact(doc.OriginLocal, "create_node_below", func(tx *doc.Tx, cs *changeSet) error {
		if err := putNode(tx, node); err != nil {
			return err
		}
		if err := tx.Put(doc.MapEdges, edge.ID, edgeFields(edge)); err != nil {
			return err
		}
		cs.nodes = append(cs.nodes, node.ID)
		cs.edges = append(cs.edges, edge.ID)
		return nil
	})
	if err != nil {
		return Node{}, Edge{}, false
	}
	e.logger.Debug("node created",
		zap.String("node", node.ID), zap.String("source", sourceID), zap.String("edge_type", string(edgeType)))
	return node, edge, true
}

// putNode 写入节点记录，可编辑节点同时初始化文本序列。
func putNode(tx *doc.Tx, n Node) error {
	if err := tx.Put(doc.MapNodes, n.ID, nodeFields(n)); err != nil {
		return err
	}
	if !n.Type.Editable() {
		return nil
	}
	_, err := tx.SetText(n.ID, n.Data.Text(n.Type))
	return err
}
