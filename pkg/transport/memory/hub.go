// Package memory 提供进程内的中继，用于测试与演示。投递是同步的：Send 返回时所有接收方的回调都已执行完毕。
package memory

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/transport"
)

// Hub 是一个文档房间。
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]*Conn
	logger *zap.Logger

	delivered atomic.Uint64
}

// NewHub 创建房间。
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{conns: make(map[uint64]*Conn), logger: logger}
}

// Connect 创建一条已连接的连接。
func (h *Hub) Connect() *Conn {
	c := &Conn{hub: h}
	h.join(c)
	return c
}

// Delivered 返回已投递的帧数。
func (h *Hub) Delivered() uint64 {
	return h.delivered.Load()
}

// Members 返回在线连接 ID，升序。
func (h *Hub) Members() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uint64, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) join(c *Conn) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.conns[id] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	h.logger.Debug("connection joined", zap.Uint64("conn", id))
	c.status.Emit(true)
}

func (h *Hub) leave(c *Conn) {
	c.mu.Lock()
	id := c.id
	c.id = 0
	c.mu.Unlock()
	if id == 0 {
		return
	}
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.logger.Debug("connection left", zap.Uint64("conn", id))
	c.status.Emit(false)
	h.route(transport.Message{Kind: transport.KindLeave, From: id})
}

func (h *Hub) route(m transport.Message) {
	h.mu.Lock()
	var targets []*Conn
	if m.To != 0 {
		if c, ok := h.conns[m.To]; ok {
			targets = append(targets, c)
		}
	} else {
		ids := make([]uint64, 0, len(h.conns))
		for id := range h.conns {
			if id != m.From {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			targets = append(targets, h.conns[id])
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.delivered.Add(1)
		c.messages.Emit(m)
	}
}

// Conn 是 Hub 上的一条连接，实现 transport.Conn。
type Conn struct {
	hub *Hub

	mu     sync.Mutex
	id     uint64
	closed bool

	messages transport.Fanout[transport.Message]
	status   transport.Fanout[bool]
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) Send(m transport.Message) error {
	c.mu.Lock()
	id, closed := c.id, c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if id == 0 {
		return transport.ErrNotConnected
	}
	m.From = id
	c.hub.route(m)
	return nil
}

func (c *Conn) OnMessage(fn func(transport.Message)) func() {
	return c.messages.Add(fn)
}

func (c *Conn) OnStatus(fn func(bool)) func() {
	return c.status.Add(fn)
}

// Disconnect 模拟网络断开。
func (c *Conn) Disconnect() {
	c.hub.leave(c)
}

// Reconnect 以新的连接 ID 重新加入房间。
func (c *Conn) Reconnect() {
	c.mu.Lock()
	skip := c.closed || c.id != 0
	c.mu.Unlock()
	if !skip {
		c.hub.join(c)
	}
}

func (c *Conn) Close() error {
	c.hub.leave(c)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
