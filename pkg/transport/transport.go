// Package transport 定义复制通道与在线通道共用的连接抽象和消息帧。
// 文档增量与在线记录都以 Message 的形式在同一连接上传输，由中继按 To 字段转发或广播。
package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrNotConnected = errors.New("transport: not connected")
)

// Kind 是消息类型。
type Kind uint8

const (
	// KindWelcome 由中继发给新连接，From 为分配的连接 ID。
	KindWelcome Kind = iota + 1
	// KindUpdate 广播文档增量。
	KindUpdate
	// KindSyncRequest 携带发送方的状态向量，请求对方补齐缺失的操作。
	KindSyncRequest
	// KindSyncReply 是对 KindSyncRequest 的定向应答。
	KindSyncReply
	// KindPresence 携带发送方的在线记录。
	KindPresence
	// KindPresenceQuery 请求对方重新发布在线记录。
	KindPresenceQuery
	// KindLeave 通知 From 已断开。
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindWelcome:
		return "welcome"
	case KindUpdate:
		return "update"
	case KindSyncRequest:
		return "sync-request"
	case KindSyncReply:
		return "sync-reply"
	case KindPresence:
		return "presence"
	case KindPresenceQuery:
		return "presence-query"
	case KindLeave:
		return "leave"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// RelayID 是中继自身的地址。带持久化的中继以此 ID 参与同步。
const RelayID = ^uint64(0)

// Message 是连接上的一帧。To 为 0 表示广播给同一文档的其他连接。
type Message struct {
	Kind    Kind   `msgpack:"k"`
	From    uint64 `msgpack:"f"`
	To      uint64 `msgpack:"t,omitempty"`
	Payload []byte `msgpack:"p,omitempty"`
}

// Encode 编码一帧。
func Encode(m Message) ([]byte, error) {
	return msgpack.Marshal(&m)
}

// Decode 解码一帧。
func Decode(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if m.Kind == 0 {
		return Message{}, fmt.Errorf("decode frame: missing kind")
	}
	return m, nil
}

// Conn 是到中继（或内存集线器）的一条连接。
type Conn interface {
	// ID 返回当前连接 ID，未连接时为 0。重连后 ID 会变化。
	ID() uint64
	// Send 发送一帧，From 由传输层填写。
	Send(m Message) error
	// OnMessage 注册收帧回调，返回取消函数。
	OnMessage(fn func(Message)) func()
	// OnStatus 注册连接状态回调，返回取消函数。
	OnStatus(fn func(connected bool)) func()
	Close() error
}

// Fanout 是一组可取消的回调。
type Fanout[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(T)
}

// Add 注册回调，返回取消函数。
func (f *Fanout[T]) Add(fn func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fns == nil {
		f.fns = make(map[int]func(T))
	}
	f.nextID++
	id := f.nextID
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.fns, id)
		f.mu.Unlock()
	}
}

// Emit 按注册顺序调用回调。回调在锁外执行，可以重入。
func (f *Fanout[T]) Emit(v T) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.fns))
	for id := range f.fns {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, f.fns[id])
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len 返回回调数量。
func (f *Fanout[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}
