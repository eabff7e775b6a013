package graph

import (
	"strings"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// 文档记录中的字段名。data 下的字段逐个存储，便于按字段合并并发修改。
const (
	fieldType     = "type"
	fieldPosition = "position"
	fieldParentID = "parentId"
	fieldWidth    = "width"
	fieldHeight   = "height"
	fieldSource   = "source"
	fieldTarget   = "target"

	fieldContent       = "data.content"
	fieldStatement     = "data.statement"
	fieldCreatedBy     = "data.createdBy"
	fieldCreatedByName = "data.createdByName"
	fieldParentEdgeID  = "data.parentEdgeId"
	fieldMindchange    = "data.mindchange"

	extraPrefix = "data.x."
)

// Reader 是 *doc.Doc 与 *doc.Tx 共有的读取接口。
type Reader interface {
	Record(m, key string) (doc.RecordView, bool)
	Records(m string) []doc.RecordView
	Text(key string) (string, bool)
}

func nodeFields(n Node) map[string]any {
	f := map[string]any{
		fieldType:     string(n.Type),
		fieldPosition: n.Position,
	}
	if n.ParentID != "" {
		f[fieldParentID] = n.ParentID
	}
	if n.Width > 0 {
		f[fieldWidth] = n.Width
	}
	if n.Height > 0 {
		f[fieldHeight] = n.Height
	}
	putString(f, fieldContent, n.Data.Content)
	putString(f, fieldStatement, n.Data.Statement)
	putString(f, fieldCreatedBy, n.Data.CreatedBy)
	putString(f, fieldCreatedByName, n.Data.CreatedByName)
	putString(f, fieldParentEdgeID, n.Data.ParentEdgeID)
	for k, v := range n.Data.Extra {
		f[extraPrefix+k] = v
	}
	return f
}

func edgeFields(e Edge) map[string]any {
	f := map[string]any{
		fieldType:   string(e.Type),
		fieldSource: e.Source,
		fieldTarget: e.Target,
	}
	putString(f, fieldCreatedBy, e.Data.CreatedBy)
	putString(f, fieldCreatedByName, e.Data.CreatedByName)
	if e.Data.Mindchange != nil {
		f[fieldMindchange] = *e.Data.Mindchange
	}
	for k, v := range e.Data.Extra {
		f[extraPrefix+k] = v
	}
	return f
}

func putString(f map[string]any, name, v string) {
	if v != "" {
		f[name] = v
	}
}

func decodeExtra(rv doc.RecordView) map[string]any {
	var extra map[string]any
	for _, name := range rv.Fields() {
		k, ok := strings.CutPrefix(name, extraPrefix)
		if !ok {
			continue
		}
		var v any
		if rv.Decode(name, &v) {
			if extra == nil {
				extra = make(map[string]any)
			}
			extra[k] = v
		}
	}
	return extra
}

// DecodeNode 把文档记录转换为节点。text 非空时表示节点文本序列的当前值，会覆盖镜像字段。
func DecodeNode(rv doc.RecordView, text *string) Node {
	n := Node{
		ID:       rv.Key,
		Type:     NodeType(rv.String(fieldType)),
		ParentID: rv.String(fieldParentID),
		Data: NodeData{
			Content:       rv.String(fieldContent),
			Statement:     rv.String(fieldStatement),
			CreatedBy:     rv.String(fieldCreatedBy),
			CreatedByName: rv.String(fieldCreatedByName),
			ParentEdgeID:  rv.String(fieldParentEdgeID),
			Extra:         decodeExtra(rv),
		},
	}
	rv.Decode(fieldPosition, &n.Position)
	rv.Decode(fieldWidth, &n.Width)
	rv.Decode(fieldHeight, &n.Height)
	if text != nil {
		if n.Type == NodeStatement {
			n.Data.Statement = *text
		} else {
			n.Data.Content = *text
		}
	}
	return n
}

// DecodeEdge 把文档记录转换为边。
func DecodeEdge(rv doc.RecordView) Edge {
	e := Edge{
		ID:     rv.Key,
		Type:   EdgeType(rv.String(fieldType)),
		Source: rv.String(fieldSource),
		Target: rv.String(fieldTarget),
		Data: EdgeData{
			CreatedBy:     rv.String(fieldCreatedBy),
			CreatedByName: rv.String(fieldCreatedByName),
			Extra:         decodeExtra(rv),
		},
	}
	var m Mindchange
	if rv.Decode(fieldMindchange, &m) {
		e.Data.Mindchange = &m
	}
	return e
}

// ReadNode 读取节点并合并其文本序列。
func ReadNode(r Reader, id string) (Node, bool) {
	rv, ok := r.Record(doc.MapNodes, id)
	if !ok {
		return Node{}, false
	}
	var text *string
	if s, ok := r.Text(id); ok {
		text = &s
	}
	return DecodeNode(rv, text), true
}

// ReadEdge 读取边。
func ReadEdge(r Reader, id string) (Edge, bool) {
	rv, ok := r.Record(doc.MapEdges, id)
	if !ok {
		return Edge{}, false
	}
	return DecodeEdge(rv), true
}

// ReadNodes 读取全部节点（按 ID 排序）。
func ReadNodes(r Reader) []Node {
	records := r.Records(doc.MapNodes)
	out := make([]Node, 0, len(records))
	for _, rv := range records {
		var text *string
		if s, ok := r.Text(rv.Key); ok {
			text = &s
		}
		out = append(out, DecodeNode(rv, text))
	}
	return out
}

// ReadEdges 读取全部边（按 ID 排序）。
func ReadEdges(r Reader) []Edge {
	records := r.Records(doc.MapEdges)
	out := make([]Edge, 0, len(records))
	for _, rv := range records {
		out = append(out, DecodeEdge(rv))
	}
	return out
}

// IncidentEdges 返回连接节点 id 的全部边。
func IncidentEdges(r Reader, id string) []Edge {
	var out []Edge
	for _, e := range ReadEdges(r) {
		if e.Touches(id) {
			out = append(out, e)
		}
	}
	return out
}
