package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// ReplicatorStats 是复制统计。
type ReplicatorStats struct {
	Sent         uint64
	Received     uint64
	SyncRequests uint64
	Failures     uint64
}

// Replicator 把文档绑定到一条连接：本地增量广播出去，收到的增量以 OriginRemote 应用，
// 每次连上后用状态向量向其他副本补齐缺失的操作。
type Replicator struct {
	doc    *doc.Doc
	conn   Conn
	logger *zap.Logger

	mu      sync.Mutex
	unsubs  []func()
	onError func(error)

	sent         atomic.Uint64
	received     atomic.Uint64
	syncRequests atomic.Uint64
	failures     atomic.Uint64
}

// ReplicatorOption 配置 Replicator。
type ReplicatorOption func(*Replicator)

// WithReplicatorLogger 指定日志记录器。
func WithReplicatorLogger(logger *zap.Logger) ReplicatorOption {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHandler 注册发送或应用失败时的回调。
func WithErrorHandler(fn func(error)) ReplicatorOption {
	return func(r *Replicator) {
		r.onError = fn
	}
}

// NewReplicator 创建复制器，调用 Start 后生效。
func NewReplicator(d *doc.Doc, conn Conn, opts ...ReplicatorOption) *Replicator {
	r := &Replicator{doc: d, conn: conn, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 订阅文档与连接。若连接已建立，立即发起一次同步请求。
func (r *Replicator) Start() {
	r.mu.Lock()
	if r.unsubs != nil {
		r.mu.Unlock()
		return
	}
	r.unsubs = []func(){
		r.doc.OnUpdate(r.onLocalUpdate),
		r.conn.OnMessage(r.handle),
		r.conn.OnStatus(func(connected bool) {
			if connected {
				r.RequestSync()
			}
		}),
	}
	r.mu.Unlock()

	if r.conn.ID() != 0 {
		r.RequestSync()
	}
}

// Stop 取消订阅。
func (r *Replicator) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// RequestSync 广播本地状态向量。
func (r *Replicator) RequestSync() {
	sv, err := r.doc.EncodeStateVector()
	if err != nil {
		r.fail("encode state vector", err)
		return
	}
	r.syncRequests.Add(1)
	r.send(Message{Kind: KindSyncRequest, Payload: sv})
}

// Stats 返回统计快照。
func (r *Replicator) Stats() ReplicatorStats {
	return ReplicatorStats{
		Sent:         r.sent.Load(),
		Received:     r.received.Load(),
		SyncRequests: r.syncRequests.Load(),
		Failures:     r.failures.Load(),
	}
}

func (r *Replicator) onLocalUpdate(update []byte, origin doc.Origin) {
	if origin == doc.OriginRemote {
		return
	}
	r.send(Message{Kind: KindUpdate, Payload: update})
}

func (r *Replicator) handle(m Message) {
	switch m.Kind {
	case KindUpdate, KindSyncReply:
		r.received.Add(1)
		if err := r.doc.ApplyUpdate(m.Payload, doc.OriginRemote); err != nil {
			r.fail("apply update", err, zap.Uint64("from", m.From))
		}
	case KindSyncRequest:
		sv, err := doc.DecodeStateVector(m.Payload)
		if err != nil {
			r.fail("decode state vector", err, zap.Uint64("from", m.From))
			return
		}
		update, err := r.doc.EncodeStateAsUpdate(sv)
		if err != nil {
			r.fail("encode diff", err)
			return
		}
		r.send(Message{Kind: KindSyncReply, To: m.From, Payload: update})
		// 广播的请求来自刚连上的副本，反向请求一次以取回它离线期间的写入。
		if m.To == 0 {
			if own, err := r.doc.EncodeStateVector(); err == nil {
				r.syncRequests.Add(1)
				r.send(Message{Kind: KindSyncRequest, To: m.From, Payload: own})
			}
		}
	}
}

// send 在未连接时静默丢弃：重连后的同步请求会补齐。
func (r *Replicator) send(m Message) {
	if err := r.conn.Send(m); err != nil {
		if errors.Is(err, ErrNotConnected) {
			r.logger.Debug("dropping frame while offline", zap.Stringer("kind", m.Kind))
			return
		}
		r.fail("send", err, zap.Stringer("kind", m.Kind))
		return
	}
	r.sent.Add(1)
}

func (r *Replicator) fail(what string, err error, fields ...zap.Field) {
	r.failures.Add(1)
	r.logger.Warn("replication "+what+" failed", append(fields, zap.Error(err))...)
	if r.onError != nil {
		r.onError(err)
	}
}
