package graph

import (
	"sort"
	"strings"
)

// NodeType 是节点类型。
type NodeType string

const (
	NodePoint      NodeType = "point"
	NodeStatement  NodeType = "statement"
	NodeGroup      NodeType = "group"
	NodeEdgeAnchor NodeType = "edge_anchor"
	NodeObjection  NodeType = "objection"
	NodeComment    NodeType = "comment"

	// NodeTitle 是旧文档中的标题节点，加载时迁移为 NodeStatement。
	NodeTitle NodeType = "title"
)

// Editable 判断节点是否拥有复制文本序列。
func (t NodeType) Editable() bool {
	switch t {
	case NodePoint, NodeStatement, NodeObjection, NodeComment, NodeTitle:
		return true
	}
	return false
}

// EdgeType 是边类型。
type EdgeType string

const (
	EdgeSupport   EdgeType = "support"
	EdgeNegation  EdgeType = "negation"
	EdgeObjection EdgeType = "objection"
	EdgeStatement EdgeType = "statement"
	EdgeOption    EdgeType = "option"
)

// Anchored 判断该类型的边是否可以挂载锚点（从而挂载反对意见）。
func (t EdgeType) Anchored() bool {
	return t == EdgeSupport || t == EdgeNegation
}

// Position 是画布坐标。
type Position struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

// Add 返回两个坐标之和。
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y}
}

// Mid 返回两点中点。
func (p Position) Mid(o Position) Position {
	return Position{X: (p.X + o.X) / 2, Y: (p.Y + o.Y) / 2}
}

// NodeData 是节点的附加数据。已知字段按名称存储，未知字段保存在 Extra 中以便向前兼容。
type NodeData struct {
	Content       string
	Statement     string
	CreatedBy     string
	CreatedByName string
	ParentEdgeID  string
	Extra         map[string]any
}

// Text 返回节点的展示文本：陈述节点优先取 Statement。
func (d NodeData) Text(t NodeType) string {
	if t == NodeStatement && d.Statement != "" {
		return d.Statement
	}
	return d.Content
}

// Node 是图中的一个节点。
type Node struct {
	ID       string
	Type     NodeType
	Position Position
	ParentID string
	Width    float64
	Height   float64
	Data     NodeData

	// Selected 仅存在于本地视图，不会写入文档。
	Selected bool
	// LocalOnly 标记只在本地合成、尚未持久化的锚点。
	LocalOnly bool
}

// Mindchange 是边上的信念变化统计。
type Mindchange struct {
	Forward       float64 `msgpack:"forward"`
	Backward      float64 `msgpack:"backward"`
	ForwardCount  int     `msgpack:"forwardCount"`
	BackwardCount int     `msgpack:"backwardCount"`
}

// EdgeData 是边的附加数据。
type EdgeData struct {
	CreatedBy     string
	CreatedByName string
	Mindchange    *Mindchange
	Extra         map[string]any
}

// Edge 是图中的一条边。
type Edge struct {
	ID     string
	Source string
	Target string
	Type   EdgeType
	Data   EdgeData

	Selected bool
}

// Touches 判断边是否连接节点 id。
func (e Edge) Touches(id string) bool {
	return e.Source == id || e.Target == id
}

// Other 返回边上与 id 相对的端点。
func (e Edge) Other(id string) string {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

// CanonicalEdgeID 由无序端点对和类型生成边 ID，同一类型在一对节点间只有一个 ID。
func CanonicalEdgeID(t EdgeType, a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return string(t) + ":" + pair[0] + ":" + pair[1]
}

// Family 返回边类型所属的互斥族。支持与反驳属于同一族。
func Family(t EdgeType) string {
	switch t {
	case EdgeSupport, EdgeNegation:
		return "relation"
	default:
		return string(t)
	}
}

// AnchorID 返回边锚点的确定性 ID。
func AnchorID(edgeID string) string {
	return "anchor:" + edgeID
}

// AnchorEdgeID 从锚点 ID 还原边 ID。
func AnchorEdgeID(anchorID string) (string, bool) {
	return strings.CutPrefix(anchorID, "anchor:")
}
