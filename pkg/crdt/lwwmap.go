package crdt

import "sort"

// LWWMap 是 key -> Record 的容器。
// 它本身不加锁，由持有它的文档负责同步。
type LWWMap struct {
	records map[string]*Record
}

func NewLWWMap() *LWWMap {
	return &LWWMap{records: make(map[string]*Record)}
}

// Entry 返回键对应的记录，不存在时创建一个空记录（不可见）。
func (m *LWWMap) Entry(key string) *Record {
	r, ok := m.records[key]
	if !ok {
		r = NewRecord()
		m.records[key] = r
	}
	return r
}

// Get 返回可见记录。
func (m *LWWMap) Get(key string) (*Record, bool) {
	r, ok := m.records[key]
	if !ok || !r.Visible() {
		return nil, false
	}
	return r, true
}

// Has 判断键是否可见。
func (m *LWWMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys 返回按字典序排列的可见键。
func (m *LWWMap) Keys() []string {
	keys := make([]string, 0, len(m.records))
	for k, r := range m.records {
		if r.Visible() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len 返回可见记录数量。
func (m *LWWMap) Len() int {
	n := 0
	for _, r := range m.records {
		if r.Visible() {
			n++
		}
	}
	return n
}

// Merge 合并另一个 map，返回发生变化的键。
func (m *LWWMap) Merge(other *LWWMap) []string {
	var changed []string
	for k, r := range other.records {
		if m.Entry(k).Merge(r) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
