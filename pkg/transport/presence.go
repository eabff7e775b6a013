package transport

import (
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
)

// Presence 在连接上实现 presence.Channel。记录不持久化，断开即丢弃。
type Presence struct {
	conn   Conn
	logger *zap.Logger

	mu     sync.Mutex
	local  *presence.Record
	states map[uint64]presence.Record
	unsubs []func()

	changes Fanout[struct{}]
}

var _ presence.Channel = (*Presence)(nil)

// NewPresence 在连接上创建在线通道。
func NewPresence(conn Conn, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Presence{conn: conn, logger: logger, states: make(map[uint64]presence.Record)}
	p.unsubs = []func(){
		conn.OnMessage(p.handle),
		conn.OnStatus(p.onStatus),
	}
	if conn.ID() != 0 {
		p.send(Message{Kind: KindPresenceQuery})
	}
	return p
}

// Close 取消订阅。
func (p *Presence) Close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (p *Presence) LocalID() uint64 {
	return p.conn.ID()
}

// SetLocal 设置并广播本连接的记录。
func (p *Presence) SetLocal(rec presence.Record) {
	rec.ConnID = p.conn.ID()
	p.mu.Lock()
	p.local = &rec
	p.mu.Unlock()
	p.broadcast(rec, 0)
	p.changes.Emit(struct{}{})
}

// States 返回包括本连接在内的全部记录。离线时为空。
func (p *Presence) States() map[uint64]presence.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint64]presence.Record, len(p.states)+1)
	for id, rec := range p.states {
		out[id] = rec
	}
	if id := p.conn.ID(); p.local != nil && id != 0 {
		rec := *p.local
		rec.ConnID = id
		out[id] = rec
	}
	return out
}

func (p *Presence) OnChange(fn func()) func() {
	return p.changes.Add(func(struct{}) { fn() })
}

func (p *Presence) handle(m Message) {
	switch m.Kind {
	case KindPresence:
		var rec presence.Record
		if err := msgpack.Unmarshal(m.Payload, &rec); err != nil {
			p.logger.Warn("invalid presence record", zap.Uint64("from", m.From), zap.Error(err))
			return
		}
		rec.ConnID = m.From
		p.mu.Lock()
		p.states[m.From] = rec
		p.mu.Unlock()
		p.changes.Emit(struct{}{})
	case KindPresenceQuery:
		p.mu.Lock()
		local := p.local
		p.mu.Unlock()
		if local != nil {
			p.broadcast(*local, m.From)
		}
	case KindLeave:
		p.mu.Lock()
		_, ok := p.states[m.From]
		delete(p.states, m.From)
		p.mu.Unlock()
		if ok {
			p.changes.Emit(struct{}{})
		}
	}
}

// onStatus 在断开时清空对端记录；重连后重新发布本地记录并查询对端。
func (p *Presence) onStatus(connected bool) {
	p.mu.Lock()
	p.states = make(map[uint64]presence.Record)
	local := p.local
	p.mu.Unlock()
	if connected {
		if local != nil {
			p.broadcast(*local, 0)
		}
		p.send(Message{Kind: KindPresenceQuery})
	}
	p.changes.Emit(struct{}{})
}

func (p *Presence) broadcast(rec presence.Record, to uint64) {
	rec.ConnID = p.conn.ID()
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		p.logger.Warn("encode presence record", zap.Error(err))
		return
	}
	p.send(Message{Kind: KindPresence, To: to, Payload: raw})
}

func (p *Presence) send(m Message) {
	if err := p.conn.Send(m); err != nil && !errors.Is(err, ErrNotConnected) {
		p.logger.Debug("presence send failed", zap.Stringer("kind", m.Kind), zap.Error(err))
	}
}
