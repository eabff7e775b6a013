package doc

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/network-goods-institute/negation-game-sub014/pkg/crdt"
)

// 文档中的四个共享 map。
const (
	MapNodes = "nodes"
	MapEdges = "edges"
	MapText  = "text"
	MapMeta  = "meta"
)

// Origin 标记一次事务的来源。撤销管理器依据它区分交互写入与后台写入。
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginSave      Origin = "save"
	OriginRemote    Origin = "remote"
	OriginUndo      Origin = "undo"
	OriginResync    Origin = "resync"
	OriginMigration Origin = "migration"
)

// OpKind 是操作类型。
type OpKind uint8

const (
	OpCreate OpKind = iota + 1
	OpRemove
	OpSetField
	OpDeleteField
	OpTextInsert
	OpTextDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpSetField:
		return "set"
	case OpDeleteField:
		return "unset"
	case OpTextInsert:
		return "text_insert"
	case OpTextDelete:
		return "text_delete"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op 是复制通道上传输的最小单位。
// 文本插入操作占用 [ID.Seq, ID.Seq+len(runes)) 的序号区间，每个 rune 一个顶点。
type Op struct {
	ID      crdt.OpID   `msgpack:"id"`
	Time    int64       `msgpack:"t"`
	Kind    OpKind      `msgpack:"k"`
	Map     string      `msgpack:"m"`
	Key     string      `msgpack:"key"`
	Field   string      `msgpack:"f,omitempty"`
	Value   []byte      `msgpack:"v,omitempty"`
	Origin  crdt.OpID   `msgpack:"o,omitempty"`
	Text    string      `msgpack:"x,omitempty"`
	Targets []crdt.OpID `msgpack:"tg,omitempty"`
}

// Span 返回操作占用的序号数量。
func (op *Op) Span() uint64 {
	if op.Kind == OpTextInsert {
		return uint64(len([]rune(op.Text)))
	}
	return 1
}

// End 返回操作占用的最后一个序号。
func (op *Op) End() uint64 {
	return op.ID.Seq + op.Span() - 1
}

func (op *Op) stamp() crdt.Stamp {
	return crdt.Stamp{Time: op.Time, Client: op.ID.Client}
}

// StateVector 记录每个客户端已连续集成的最大序号。
type StateVector map[string]uint64

// Clone 复制状态向量。
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Descends 判断 sv 是否覆盖 other。
func (sv StateVector) Descends(other StateVector) bool {
	for id, seq := range other {
		if sv[id] < seq {
			return false
		}
	}
	return true
}

// TxEvent 描述一次已提交的事务。
type TxEvent struct {
	Origin Origin
	Local  bool
	// Changed 为每个 map 中发生变化的键。
	Changed map[string]mapset.Set[string]
	// Changes 为本地事务按顺序产生的写入，远程更新时为 nil。
	Changes []Change
}

// Keys 返回指定 map 中变化的键。
func (e TxEvent) Keys(m string) []string {
	s, ok := e.Changed[m]
	if !ok {
		return nil
	}
	return s.ToSlice()
}

// Touched 判断指定 map 是否有变化。
func (e TxEvent) Touched(m string) bool {
	s, ok := e.Changed[m]
	return ok && s.Cardinality() > 0
}

// KeyRef 定位文档中的一个键。
type KeyRef struct {
	Map string
	Key string
}

// ChangeKind 是一次写入改变的状态类型。
type ChangeKind uint8

const (
	ChangeExists ChangeKind = iota + 1
	ChangeField
	ChangeTextInsert
	ChangeTextDelete
)

// Change 记录一次本地写入的前后值，只覆盖该写入实际触及的部分。
type Change struct {
	Kind ChangeKind
	Ref  KeyRef

	// ChangeExists
	Existed bool
	Exists  bool

	// ChangeField，nil 表示字段不存在
	Field  string
	Before []byte
	After  []byte

	// ChangeTextInsert 为插入的顶点，ChangeTextDelete 为被删除的可见顶点，均按序列顺序。
	Vertices []crdt.OpID
	Text     string
}
