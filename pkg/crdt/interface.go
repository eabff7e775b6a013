package crdt

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrInvalidOp 表示操作不适用于目标类型。
	ErrInvalidOp = errors.New("crdt: invalid operation")
	// ErrMissingDependency 表示操作依赖的顶点尚未到达，调用者应暂存后重试。
	ErrMissingDependency = errors.New("crdt: missing causal dependency")
)

// OpID 唯一标识一个客户端产生的操作（或 RGA 中的一个字符）。
type OpID struct {
	Client string `msgpack:"c"`
	Seq    uint64 `msgpack:"s"`
}

// IsZero 判断是否为零值。RGA 中零值代表虚拟头节点。
func (id OpID) IsZero() bool {
	return id.Client == "" && id.Seq == 0
}

func (id OpID) String() string {
	if id.IsZero() {
		return "head"
	}
	return id.Client + ":" + strconv.FormatUint(id.Seq, 10)
}

// Stamp 是 LWW 比较使用的全序时间戳：先比较 HLC 时间，再比较客户端 ID。
type Stamp struct {
	Time   int64  `msgpack:"t"`
	Client string `msgpack:"c"`
}

// After 判断 s 是否严格晚于 o。
func (s Stamp) After(o Stamp) bool {
	if s.Time != o.Time {
		return s.Time > o.Time
	}
	return s.Client > o.Client
}

func (s Stamp) IsZero() bool {
	return s.Time == 0 && s.Client == ""
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d@%s", s.Time, s.Client)
}

// KeyNotFoundError 在读取不存在的键时返回。
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("crdt: key %q not found", e.Key)
}
