package bridge

import "github.com/network-goods-institute/negation-game-sub014/pkg/graph"

// NodeChangeKind 是渲染层节点变化的类型。
type NodeChangeKind string

const (
	NodeAdd        NodeChangeKind = "add"
	NodeRemove     NodeChangeKind = "remove"
	NodePosition   NodeChangeKind = "position"
	NodeDimensions NodeChangeKind = "dimensions"
	NodeSelect     NodeChangeKind = "select"
	NodeReplace    NodeChangeKind = "replace"
)

// NodeChange 是渲染层上报的一条节点变化。
type NodeChange struct {
	Kind NodeChangeKind
	ID   string
	// Node 用于 add/replace。
	Node *graph.Node
	// Position 用于 position。
	Position *graph.Position
	// Dragging 为 true 表示拖拽仍在进行。
	Dragging bool
	// Width/Height 用于 dimensions。
	Width  *float64
	Height *float64
	// Selected 用于 select。
	Selected bool
}

// EdgeChangeKind 是渲染层边变化的类型。
type EdgeChangeKind string

const (
	EdgeAdd     EdgeChangeKind = "add"
	EdgeRemove  EdgeChangeKind = "remove"
	EdgeSelect  EdgeChangeKind = "select"
	EdgeReplace EdgeChangeKind = "replace"
)

// EdgeChange 是渲染层上报的一条边变化。
type EdgeChange struct {
	Kind     EdgeChangeKind
	ID       string
	Edge     *graph.Edge
	Selected bool
}

// Connection 是一次用户连线手势。
type Connection struct {
	Source string
	Target string
	Type   graph.EdgeType
}
