package crdt

import (
	"fmt"
	"strings"
)

// RGA 实现复制可增长数组 (Replicated Growable Array)，元素为 rune。
// 顶点以 OpID 标识，Origin 指向插入时左侧的顶点（零值为虚拟头节点）。
// 同一 Origin 下的兄弟按 Stamp 降序排列，较新的插入更靠近 Origin。
// 正确性依赖于因果更晚的插入拥有更大的 Stamp，文档在接收远程操作时推进 HLC 保证这一点。
type RGA struct {
	head     *RGAVertex
	vertices map[OpID]*RGAVertex
	visible  int
}

type RGAVertex struct {
	ID      OpID
	Value   rune
	Origin  OpID
	Stamp   Stamp
	Deleted bool

	next *RGAVertex
}

func NewRGA() *RGA {
	head := &RGAVertex{Deleted: true}
	return &RGA{
		head:     head,
		vertices: map[OpID]*RGAVertex{{}: head},
	}
}

// Has 判断顶点是否已集成。
func (r *RGA) Has(id OpID) bool {
	_, ok := r.vertices[id]
	return ok
}

// Vertex 返回顶点的副本。
func (r *RGA) Vertex(id OpID) (RGAVertex, bool) {
	v, ok := r.vertices[id]
	if !ok || id.IsZero() {
		return RGAVertex{}, false
	}
	out := *v
	out.next = nil
	return out, true
}

// IndexOf 返回序列中位于顶点 id 之前的可见字符数，即在该顶点位置插入时使用的可见下标。
// 对墓碑同样有效。
func (r *RGA) IndexOf(id OpID) (int, error) {
	if _, ok := r.vertices[id]; !ok {
		return 0, fmt.Errorf("%w: vertex %s", ErrMissingDependency, id)
	}
	index := 0
	for v := r.head.next; v != nil; v = v.next {
		if v.ID == id {
			return index, nil
		}
		if !v.Deleted {
			index++
		}
	}
	return index, nil
}

// Integrate 把一个顶点集成到序列中。重复集成是幂等的。
// Origin 尚未到达时返回 ErrMissingDependency。
func (r *RGA) Integrate(id, origin OpID, value rune, stamp Stamp) error {
	if id.IsZero() {
		return fmt.Errorf("%w: zero vertex id", ErrInvalidOp)
	}
	if _, ok := r.vertices[id]; ok {
		return nil
	}
	prev, ok := r.vertices[origin]
	if !ok {
		return fmt.Errorf("%w: origin %s", ErrMissingDependency, origin)
	}
	for prev.next != nil && prev.next.Stamp.After(stamp) {
		prev = prev.next
	}
	v := &RGAVertex{ID: id, Value: value, Origin: origin, Stamp: stamp, next: prev.next}
	prev.next = v
	r.vertices[id] = v
	r.visible++
	return nil
}

// Remove 把顶点标记为墓碑。目标尚未到达时返回 ErrMissingDependency。
func (r *RGA) Remove(id OpID) (bool, error) {
	v, ok := r.vertices[id]
	if !ok || id.IsZero() {
		return false, fmt.Errorf("%w: target %s", ErrMissingDependency, id)
	}
	if v.Deleted {
		return false, nil
	}
	v.Deleted = true
	r.visible--
	return true, nil
}

// Len 返回可见字符数量。
func (r *RGA) Len() int {
	return r.visible
}

func (r *RGA) String() string {
	var b strings.Builder
	b.Grow(r.visible)
	for v := r.head.next; v != nil; v = v.next {
		if !v.Deleted {
			b.WriteRune(v.Value)
		}
	}
	return b.String()
}

// OriginAt 返回在可见下标 index 处插入时应使用的 Origin，即第 index-1 个可见顶点。
func (r *RGA) OriginAt(index int) (OpID, error) {
	if index < 0 || index > r.visible {
		return OpID{}, fmt.Errorf("%w: index %d out of range [0,%d]", ErrInvalidOp, index, r.visible)
	}
	if index == 0 {
		return OpID{}, nil
	}
	seen := 0
	for v := r.head.next; v != nil; v = v.next {
		if v.Deleted {
			continue
		}
		seen++
		if seen == index {
			return v.ID, nil
		}
	}
	return OpID{}, fmt.Errorf("%w: index %d not reachable", ErrInvalidOp, index)
}

// Range 返回从可见下标 index 开始的 length 个顶点 ID。
func (r *RGA) Range(index, length int) ([]OpID, error) {
	if index < 0 || length < 0 || index+length > r.visible {
		return nil, fmt.Errorf("%w: range [%d,%d) out of [0,%d)", ErrInvalidOp, index, index+length, r.visible)
	}
	ids := make([]OpID, 0, length)
	pos := 0
	for v := r.head.next; v != nil && len(ids) < length; v = v.next {
		if v.Deleted {
			continue
		}
		if pos >= index {
			ids = append(ids, v.ID)
		}
		pos++
	}
	return ids, nil
}
