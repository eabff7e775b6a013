package crdt

import "sort"

var aliveMarker = []byte{1}

// Record 是一行按字段 LWW 的记录：一个存在性寄存器加上每个字段各自的寄存器。
// 字段写入不会复活已删除的记录；对已删除记录的并发字段修改会被保留但不可见。
type Record struct {
	Alive  LWWRegister             `msgpack:"a"`
	Fields map[string]*LWWRegister `msgpack:"f"`
}

func NewRecord() *Record {
	return &Record{Fields: make(map[string]*LWWRegister)}
}

// Visible 判断记录当前是否存在。
func (r *Record) Visible() bool {
	return r.Alive.Present()
}

// Create 把存在性寄存器置为存在。
func (r *Record) Create(stamp Stamp) bool {
	return r.Alive.Set(aliveMarker, stamp)
}

// Remove 把存在性寄存器置为删除。
func (r *Record) Remove(stamp Stamp) bool {
	return r.Alive.Delete(stamp)
}

func (r *Record) register(field string) *LWWRegister {
	reg, ok := r.Fields[field]
	if !ok {
		reg = &LWWRegister{}
		r.Fields[field] = reg
	}
	return reg
}

// SetField 写入字段值。
func (r *Record) SetField(field string, value []byte, stamp Stamp) bool {
	return r.register(field).Set(value, stamp)
}

// DeleteField 写入字段墓碑。
func (r *Record) DeleteField(field string, stamp Stamp) bool {
	return r.register(field).Delete(stamp)
}

// Field 返回字段的当前值。
func (r *Record) Field(field string) ([]byte, bool) {
	reg, ok := r.Fields[field]
	if !ok || !reg.Present() {
		return nil, false
	}
	return reg.Value, true
}

// FieldNames 返回按字典序排列的可见字段名。
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name, reg := range r.Fields {
		if reg.Present() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot 复制所有可见字段。
func (r *Record) Snapshot() map[string][]byte {
	out := make(map[string][]byte, len(r.Fields))
	for name, reg := range r.Fields {
		if reg.Present() {
			out[name] = append([]byte(nil), reg.Value...)
		}
	}
	return out
}

// Merge 合并另一条记录，返回本地是否变化。
func (r *Record) Merge(other *Record) bool {
	changed := r.Alive.Merge(&other.Alive)
	for name, reg := range other.Fields {
		if r.register(name).Merge(reg) {
			changed = true
		}
	}
	return changed
}
