package doc

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// RecordView 是一条可见记录的只读快照。
type RecordView struct {
	Key    string
	fields map[string][]byte
}

// NewRecordView 用原始字段构造视图。
func NewRecordView(key string, fields map[string][]byte) RecordView {
	return RecordView{Key: key, fields: fields}
}

// Has 判断字段是否存在。
func (r RecordView) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Raw 返回字段的编码值。
func (r RecordView) Raw(field string) ([]byte, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Decode 把字段解码到 v，字段不存在或解码失败时返回 false。
func (r RecordView) Decode(field string, v any) bool {
	raw, ok := r.fields[field]
	if !ok {
		return false
	}
	return msgpack.Unmarshal(raw, v) == nil
}

// String 读取字符串字段。
func (r RecordView) String(field string) string {
	var s string
	r.Decode(field, &s)
	return s
}

// Fields 返回有序的字段名。
func (r RecordView) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map 把全部字段解码为通用值。
func (r RecordView) Map() map[string]any {
	out := make(map[string]any, len(r.fields))
	for name, raw := range r.fields {
		var v any
		if err := msgpack.Unmarshal(raw, &v); err == nil {
			out[name] = v
		}
	}
	return out
}

// Dump 是文档全部可见内容的通用表示，用于比较副本和调试输出。
type Dump struct {
	Nodes map[string]map[string]any
	Edges map[string]map[string]any
	Meta  map[string]map[string]any
	Text  map[string]string
}

// Materialize 导出文档当前的可见内容。
func (d *Doc) Materialize() Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	dump := Dump{
		Nodes: make(map[string]map[string]any),
		Edges: make(map[string]map[string]any),
		Meta:  make(map[string]map[string]any),
		Text:  make(map[string]string),
	}
	for _, r := range d.recordsLocked(MapNodes) {
		dump.Nodes[r.Key] = r.Map()
	}
	for _, r := range d.recordsLocked(MapEdges) {
		dump.Edges[r.Key] = r.Map()
	}
	for _, r := range d.recordsLocked(MapMeta) {
		dump.Meta[r.Key] = r.Map()
	}
	for _, k := range d.maps[MapText].Keys() {
		dump.Text[k], _ = d.textValueLocked(k)
	}
	return dump
}
