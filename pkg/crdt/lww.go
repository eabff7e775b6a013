package crdt

import "bytes"

// LWWRegister 实现最后写入胜出 (Last-Write-Wins) 寄存器。
// 值以编码后的字节保存，Deleted 为字段墓碑，删除同样参与 LWW 比较。
type LWWRegister struct {
	Value   []byte `msgpack:"v"`
	Stamp   Stamp  `msgpack:"s"`
	Deleted bool   `msgpack:"d"`
}

// Set 在 stamp 更新时写入值，返回是否生效。
func (r *LWWRegister) Set(value []byte, stamp Stamp) bool {
	if !stamp.After(r.Stamp) {
		return false
	}
	r.Value = append([]byte(nil), value...)
	r.Stamp = stamp
	r.Deleted = false
	return true
}

// Delete 在 stamp 更新时写入墓碑，返回是否生效。
func (r *LWWRegister) Delete(stamp Stamp) bool {
	if !stamp.After(r.Stamp) {
		return false
	}
	r.Value = nil
	r.Stamp = stamp
	r.Deleted = true
	return true
}

// Merge 合并另一个寄存器状态，返回本地是否变化。
func (r *LWWRegister) Merge(other *LWWRegister) bool {
	if other == nil {
		return false
	}
	if other.Deleted {
		return r.Delete(other.Stamp)
	}
	return r.Set(other.Value, other.Stamp)
}

// Present 判断寄存器是否持有一个可见值。
func (r *LWWRegister) Present() bool {
	return r != nil && !r.Stamp.IsZero() && !r.Deleted
}

// Equal 比较两个寄存器的完整状态。
func (r *LWWRegister) Equal(other *LWWRegister) bool {
	return r.Stamp == other.Stamp && r.Deleted == other.Deleted && bytes.Equal(r.Value, other.Value)
}
