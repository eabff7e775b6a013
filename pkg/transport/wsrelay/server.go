// Package wsrelay 通过 gorilla/websocket 中继文档增量与在线记录。每个文档一个房间，
// 中继只负责转发；配置了存储时，中继在房间内维护一个副本并把增量写入存储，
// 这样没有其他客户端在线时，新连接也能取回文档。
package wsrelay

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/store"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBufferSize = 256
)

// ServerConfig 是中继配置。
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	// CompactEvery 指定每追加多少个增量写一次快照。
	CompactEvery int
}

// DefaultServerConfig 返回默认配置。
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
		CompactEvery:    200,
	}
}

// ServerStats 是中继统计。
type ServerStats struct {
	Connections int
	Rooms       int
	Frames      uint64
	Dropped     uint64
}

// Server 是 websocket 中继，实现 http.Handler。文档 ID 取自查询参数 doc。
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	docs     *store.Documents
	logger   *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	nextID uint64

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// ServerOption 配置 Server。
type ServerOption func(*Server)

// WithStore 启用持久化。
func WithStore(docs *store.Documents) ServerOption {
	return func(s *Server) {
		s.docs = docs
	}
}

// WithServerLogger 指定日志记录器。
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerConfig 覆盖默认配置。
func WithServerConfig(cfg ServerConfig) ServerOption {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// NewServer 创建中继。
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		cfg:    DefaultServerConfig(),
		logger: zap.NewNop(),
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.CompactEvery <= 0 {
		s.cfg.CompactEvery = DefaultServerConfig().CompactEvery
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		CheckOrigin:     s.cfg.CheckOrigin,
	}
	return s
}

// Stats 返回统计快照。
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	st := ServerStats{Rooms: len(s.rooms)}
	for _, r := range s.rooms {
		st.Connections += r.size()
	}
	s.mu.Unlock()
	st.Frames = s.frames.Load()
	st.Dropped = s.dropped.Load()
	return st
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "missing doc", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remoteAddr", r.RemoteAddr))
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, sendBufferSize)}
	rm, err := s.join(docID, p)
	if err != nil {
		s.logger.Error("open room failed", zap.String("doc", docID), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "open document"))
		conn.Close()
		return
	}
	p.logger.Info("connection established", zap.String("remoteAddr", r.RemoteAddr))

	go p.writePump()
	s.readPump(rm, p)
}

func (s *Server) readPump(rm *room, p *peer) {
	defer func() {
		s.leave(rm, p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m, err := transport.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		m.From = p.id
		s.frames.Add(1)
		s.route(rm, m)
	}
}

func (s *Server) route(rm *room, m transport.Message) {
	if rm.replica != nil && (m.To == 0 || m.To == transport.RelayID) {
		for _, reply := range rm.replica.handle(m) {
			s.deliver(rm, reply)
		}
	}
	if m.To == transport.RelayID {
		return
	}
	s.deliver(rm, m)
}

func (s *Server) deliver(rm *room, m transport.Message) {
	data, err := transport.Encode(m)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return
	}
	for _, p := range rm.targets(m) {
		if !p.enqueue(data) {
			s.dropped.Add(1)
			p.logger.Warn("send buffer full, closing connection")
			p.conn.Close()
		}
	}
}

// join 分配连接 ID、排入欢迎帧并加入房间。房间不存在时创建，持久化的文档在此加载。
func (s *Server) join(docID string, p *peer) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[docID]
	if !ok {
		rm = &room{id: docID, peers: make(map[uint64]*peer)}
		if s.docs != nil {
			rep, err := openReplica(docID, s.docs, s.cfg.CompactEvery, s.logger)
			if err != nil {
				return nil, err
			}
			rm.replica = rep
		}
		s.rooms[docID] = rm
	}
	s.nextID++
	p.id = s.nextID
	p.logger = s.logger.With(zap.String("doc", docID), zap.Uint64("conn", p.id))
	welcome, err := transport.Encode(transport.Message{Kind: transport.KindWelcome, From: p.id})
	if err != nil {
		return nil, err
	}
	p.enqueue(welcome)
	rm.add(p)
	return rm, nil
}

func (s *Server) leave(rm *room, p *peer) {
	s.mu.Lock()
	removed := rm.remove(p)
	empty := removed && rm.size() == 0 && s.rooms[rm.id] == rm
	if empty {
		delete(s.rooms, rm.id)
		// 在锁内写最终快照，避免与随后重新打开同一文档的房间交错。
		if rm.replica != nil {
			if err := rm.replica.compact(); err != nil {
				s.logger.Error("final snapshot failed", zap.String("doc", rm.id), zap.Error(err))
			}
		}
	}
	s.mu.Unlock()
	if !removed {
		return
	}
	p.close()
	p.logger.Info("connection closed")
	s.deliver(rm, transport.Message{Kind: transport.KindLeave, From: p.id})
}

type room struct {
	id      string
	replica *replica

	mu    sync.Mutex
	peers map[uint64]*peer
}

func (r *room) add(p *peer) {
	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
}

func (r *room) remove(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.id]; !ok {
		return false
	}
	delete(r.peers, p.id)
	return true
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *room) targets(m transport.Message) []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.To != 0 {
		if p, ok := r.peers[m.To]; ok {
			return []*peer{p}
		}
		return nil
	}
	ids := make([]uint64, 0, len(r.peers))
	for id := range r.peers {
		if id != m.From {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*peer, len(ids))
	for i, id := range ids {
		out[i] = r.peers[id]
	}
	return out
}

type peer struct {
	id     uint64
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue 在缓冲区满时返回 false。连接已关闭时静默丢弃。
func (p *peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				p.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replica 是中继持有的文档副本，增量落盘，定期压缩为快照。
type replica struct {
	id           string
	doc          *doc.Doc
	docs         *store.Documents
	compactEvery int
	logger       *zap.Logger

	mu       sync.Mutex
	appended int
}

func openReplica(id string, docs *store.Documents, compactEvery int, logger *zap.Logger) (*replica, error) {
	d := doc.New(doc.WithClientID("relay"), doc.WithLogger(logger))
	snapshot, updates, err := docs.Load(id)
	if err != nil && !errors.Is(err, store.ErrDocumentNotFound) {
		return nil, err
	}
	if snapshot != nil {
		if err := d.ApplyUpdate(snapshot, doc.OriginRemote); err != nil {
			return nil, err
		}
	}
	for _, u := range updates {
		if err := d.ApplyUpdate(u, doc.OriginRemote); err != nil {
			return nil, err
		}
	}
	r := &replica{id: id, doc: d, docs: docs, compactEvery: compactEvery, logger: logger}
	d.OnUpdate(r.persist)
	return r, nil
}

// handle 应用客户端的增量，并以 RelayID 身份应答同步请求。
func (r *replica) handle(m transport.Message) []transport.Message {
	switch m.Kind {
	case transport.KindUpdate, transport.KindSyncReply:
		if err := r.doc.ApplyUpdate(m.Payload, doc.OriginRemote); err != nil {
			r.logger.Warn("relay replica rejected update", zap.String("doc", r.id), zap.Error(err))
		}
	case transport.KindSyncRequest:
		sv, err := doc.DecodeStateVector(m.Payload)
		if err != nil {
			return nil
		}
		update, err := r.doc.EncodeStateAsUpdate(sv)
		if err != nil {
			return nil
		}
		out := []transport.Message{{Kind: transport.KindSyncReply, From: transport.RelayID, To: m.From, Payload: update}}
		if m.To == 0 {
			if own, err := r.doc.EncodeStateVector(); err == nil {
				out = append(out, transport.Message{Kind: transport.KindSyncRequest, From: transport.RelayID, To: m.From, Payload: own})
			}
		}
		return out
	}
	return nil
}

// persist 与 compact 互斥：快照一定覆盖已写入的增量。
func (r *replica) persist(update []byte, _ doc.Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.docs.AppendUpdate(r.id, update); err != nil {
		r.logger.Error("append update failed", zap.String("doc", r.id), zap.Error(err))
		return
	}
	r.appended++
	if r.appended >= r.compactEvery {
		if err := r.compactLocked(); err != nil {
			r.logger.Error("compaction failed", zap.String("doc", r.id), zap.Error(err))
		}
	}
}

func (r *replica) compact() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compactLocked()
}

func (r *replica) compactLocked() error {
	snapshot, err := r.doc.Snapshot()
	if err != nil {
		return err
	}
	if err := r.docs.SaveSnapshot(r.id, snapshot); err != nil {
		return err
	}
	r.appended = 0
	return nil
}
