// Package presence 维护每个连接的在线记录（身份、光标、持有的节点锁），
// 并在同一用户的多个标签页与其他用户之间解决锁冲突。锁只是建议性的，从不阻塞调用者。
package presence

import "time"

// Point 是光标在画布上的位置。
type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// LockKind 是锁对应的交互类型。
type LockKind string

const (
	LockEdit LockKind = "edit"
	LockDrag LockKind = "drag"
)

// specificity 越大表示交互越具体。拖拽比编辑更具体。
func (k LockKind) specificity() int {
	switch k {
	case LockDrag:
		return 2
	case LockEdit:
		return 1
	default:
		return 0
	}
}

// Lock 是在线通道上的节点锁，不写入文档。
type Lock struct {
	NodeID    string   `json:"nodeId" msgpack:"nodeId"`
	ByID      string   `json:"byId" msgpack:"byId"`
	Name      string   `json:"name" msgpack:"name"`
	Color     string   `json:"color" msgpack:"color"`
	Kind      LockKind `json:"kind" msgpack:"kind"`
	TS        int64    `json:"ts" msgpack:"ts"`
	SessionID string   `json:"sessionId" msgpack:"sessionId"`
	TabID     string   `json:"tabId" msgpack:"tabId"`
}

// Expired 判断锁在 now 时刻是否已超过 ttl。
func (l Lock) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.UnixMilli(l.TS)) > ttl
}

// Record 是一个连接发布的在线记录。
type Record struct {
	ConnID    uint64 `json:"connId" msgpack:"connId"`
	UserID    string `json:"userId" msgpack:"userId"`
	Name      string `json:"name" msgpack:"name"`
	Color     string `json:"color" msgpack:"color"`
	SessionID string `json:"sessionId" msgpack:"sessionId"`
	TabID     string `json:"tabId" msgpack:"tabId"`
	Cursor    *Point `json:"cursor,omitempty" msgpack:"cursor,omitempty"`
	Locks     []Lock `json:"locks,omitempty" msgpack:"locks,omitempty"`
	Active    bool   `json:"active" msgpack:"active"`
	UpdatedAt int64  `json:"updatedAt" msgpack:"updatedAt"`
}

// Channel 是低延迟的在线广播通道：每个连接一条记录，不持久化。
type Channel interface {
	// LocalID 返回传输层分配给本连接的 ID。
	LocalID() uint64
	SetLocal(rec Record)
	States() map[uint64]Record
	// OnChange 注册成员或记录变化回调，返回取消函数。
	OnChange(fn func()) func()
}

// Identity 是本标签页的身份。
type Identity struct {
	UserID    string
	Name      string
	Color     string
	SessionID string
	TabID     string
}

func (id Identity) owns(l Lock) bool {
	return l.SessionID == id.SessionID && l.TabID == id.TabID
}
