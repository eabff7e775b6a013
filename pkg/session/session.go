// Package session 把一个文档会话的全部组件组装在一起：文档副本、图操作引擎、桥接器、
// 在线与锁协调、领导者选举、撤销管理、连接健康监控、复制与持久化。
// 每个会话独立持有自己的状态，进程内没有全局单例。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/bridge"
	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
	"github.com/network-goods-institute/negation-game-sub014/pkg/health"
	"github.com/network-goods-institute/negation-game-sub014/pkg/leader"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/store"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport"
	"github.com/network-goods-institute/negation-game-sub014/pkg/undo"
)

// 自动保存写在 meta 的 save 记录上。
const (
	SaveKey          = "save"
	FieldSaving      = "saving"
	FieldSavingSince = "savingSince"
	FieldSavedAt     = "savedAt"
)

var ErrNoDocumentID = errors.New("session: document id is required")

// Session 是一个文档会话。
type Session struct {
	cfg      Config
	clientID string
	logger   *zap.Logger
	now      func() time.Time
	sched    bridge.Scheduler
	saver    Saver
	loader   Loader

	conn        transport.Conn
	doc         *doc.Doc
	engine      *graph.Engine
	bridge      *bridge.Bridge
	channel     *transport.Presence
	coordinator *presence.Coordinator
	elector     *leader.Elector
	undo        *undo.Manager
	health      *health.Monitor
	replicator  *transport.Replicator

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	unsubs    []func()
	dirty     bool
	lastSaved time.Time

	saves        atomic.Uint64
	saveFailures atomic.Uint64
	migrated     atomic.Uint64
}

// access 把只读角色与领导者状态合成写权限。
type access struct{ s *Session }

func (a access) CanWrite() bool {
	return !a.s.cfg.ReadOnly && a.s.elector.WritesEnabled()
}

func (a access) Actor() graph.Actor {
	return graph.Actor{ID: a.s.cfg.User.UserID, Name: a.s.cfg.User.Name}
}

// WithLogger 指定日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New 在连接上组装会话。配置了 Loader 时先加载已保存的文档。
func New(conn transport.Conn, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
		conn:   conn,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.DocumentID == "" {
		return nil, ErrNoDocumentID
	}
	if s.cfg.User.SessionID == "" {
		s.cfg.User.SessionID = ulid.Make().String()
	}
	if s.cfg.User.TabID == "" {
		s.cfg.User.TabID = ulid.Make().String()
	}
	if s.sched == nil {
		s.sched = bridge.FrameScheduler{}
	}
	logger := s.logger.With(zap.String("doc", s.cfg.DocumentID), zap.String("user", s.cfg.User.UserID))
	s.logger = logger

	s.doc = doc.New(doc.WithClientID(s.clientID), doc.WithLogger(logger.Named("doc")))
	if err := s.load(); err != nil {
		return nil, err
	}

	s.channel = transport.NewPresence(conn, logger.Named("presence"))
	s.coordinator = presence.NewCoordinator(s.channel, s.cfg.User,
		presence.WithConfig(s.cfg.Presence),
		presence.WithLogger(logger.Named("presence")),
		presence.WithNow(s.now),
	)
	s.engine = graph.NewEngine(s.doc, access{s}, graph.WithLogger(logger.Named("graph")))
	s.bridge = bridge.New(s.engine,
		bridge.WithScheduler(s.sched),
		bridge.WithQueueSize(s.cfg.QueueSize),
		bridge.WithLogger(logger.Named("bridge")),
	)
	s.elector = leader.NewElector(s.channel, s.cfg.User.UserID,
		leader.WithInitialDelay(s.cfg.LeaderDelay),
		leader.WithResync(s.bridge.Resync),
		leader.WithClearPending(s.bridge.CancelPending),
		leader.WithLogger(logger.Named("leader")),
	)
	s.undo = undo.New(s.doc,
		undo.WithCaptureTimeout(s.cfg.UndoCaptureTimeout),
		undo.WithNow(s.now),
		undo.WithLogger(logger.Named("undo")),
	)
	s.health = health.NewMonitor(health.WithGrace(s.cfg.HealthGrace), health.WithLogger(logger.Named("health")))
	s.replicator = transport.NewReplicator(s.doc, conn,
		transport.WithReplicatorLogger(logger.Named("replication")),
		transport.WithErrorHandler(s.onTransportError),
	)
	s.elector.Subscribe(s.onLeadership)
	return s, nil
}

func (s *Session) load() error {
	if s.loader == nil {
		return nil
	}
	snapshot, updates, err := s.loader.Load(s.cfg.DocumentID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document %s: %w", s.cfg.DocumentID, err)
	}
	if snapshot != nil {
		if err := s.doc.ApplyUpdate(snapshot, doc.OriginRemote); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}
	for _, u := range updates {
		if err := s.doc.ApplyUpdate(u, doc.OriginRemote); err != nil {
			return fmt.Errorf("apply stored update: %w", err)
		}
	}
	return nil
}

// Start 启动复制、桥接、在线协调、选举与自动保存。
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.unsubs = []func(){
		s.conn.OnStatus(s.health.Signal),
		s.doc.Observe(s.onTransaction),
	}
	s.mu.Unlock()

	if s.conn.ID() != 0 {
		s.health.Signal(true)
	}
	s.replicator.Start()
	s.bridge.Start(ctx)
	s.coordinator.Start(ctx)
	s.elector.Start()

	if s.saver != nil && s.cfg.AutosaveInterval > 0 {
		s.wg.Add(1)
		go s.autosave(ctx)
	}
	s.logger.Info("session started", zap.String("client", s.doc.ClientID()))
}

// Stop 停止所有组件并清理定时器。领导者在退出前保存一次未保存的修改。
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.wg.Wait()
	if s.IsLeader() {
		s.Save()
	}
	for _, fn := range unsubs {
		fn()
	}
	s.elector.Stop()
	s.coordinator.Stop()
	s.bridge.Stop()
	s.undo.Close()
	s.replicator.Stop()
	s.channel.Close()
	s.health.Stop()
	s.logger.Info("session stopped")
}

// onTransportError 只影响连接状态，不向业务逻辑抛出。
func (s *Session) onTransportError(err error) {
	if errors.Is(err, transport.ErrClosed) {
		s.health.ForceDisconnect()
	}
}

func (s *Session) onTransaction(ev doc.TxEvent) {
	if ev.Origin == doc.OriginSave {
		return
	}
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// onLeadership 在晋升后执行旧文档迁移。
func (s *Session) onLeadership(isLeader bool) {
	if !isLeader {
		return
	}
	if n := s.engine.MigrateLegacy(); n > 0 {
		s.migrated.Add(uint64(n))
	}
}

func (s *Session) autosave(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.IsLeader() {
				s.Save()
			}
		}
	}
}

// Save 在 meta 上标记保存中，写入快照，再清除标记。只有可写的会话会保存；
// 没有未保存修改时直接返回 true。所有 meta 写入使用保存来源，不进入撤销历史。
func (s *Session) Save() bool {
	if s.saver == nil || !s.CanWrite() {
		return false
	}
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return true
	}

	started := s.now()
	if err := s.markSaving(true, started); err != nil {
		s.logger.Warn("mark saving failed", zap.Error(err))
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	ok := true
	snapshot, err := s.doc.Snapshot()
	if err == nil {
		err = s.saver.SaveSnapshot(s.cfg.DocumentID, snapshot)
	}
	if err != nil {
		ok = false
		s.saveFailures.Add(1)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.logger.Error("autosave failed", zap.Error(err))
	} else {
		s.saves.Add(1)
		s.mu.Lock()
		s.lastSaved = s.now()
		s.mu.Unlock()
		s.logger.Debug("document saved", zap.Int("bytes", len(snapshot)))
	}
	if err := s.markSaving(false, started); err != nil {
		s.logger.Warn("clear saving failed", zap.Error(err))
	}
	return ok
}

func (s *Session) markSaving(saving bool, since time.Time) error {
	return s.doc.Transact(doc.OriginSave, func(tx *doc.Tx) error {
		if !tx.Has(doc.MapMeta, SaveKey) {
			if err := tx.Create(doc.MapMeta, SaveKey); err != nil {
				return err
			}
		}
		if _, err := tx.Set(doc.MapMeta, SaveKey, FieldSaving, saving); err != nil {
			return err
		}
		if saving {
			_, err := tx.Set(doc.MapMeta, SaveKey, FieldSavingSince, since.UnixMilli())
			return err
		}
		_, err := tx.Set(doc.MapMeta, SaveKey, FieldSavedAt, s.now().UnixMilli())
		return err
	})
}

// Saving 读取文档上的保存标记，任何副本都可观察到领导者正在保存。
func (s *Session) Saving() (bool, time.Time) {
	rec, ok := s.doc.Record(doc.MapMeta, SaveKey)
	if !ok {
		return false, time.Time{}
	}
	var saving bool
	var since int64
	rec.Decode(FieldSaving, &saving)
	rec.Decode(FieldSavingSince, &since)
	if !saving {
		return false, time.Time{}
	}
	return true, time.UnixMilli(since)
}

// CanWrite 报告会话当前是否可写。
func (s *Session) CanWrite() bool {
	return access{s}.CanWrite()
}

func (s *Session) IsLeader() bool                       { return s.elector.IsLeader() }
func (s *Session) Config() Config                       { return s.cfg }
func (s *Session) Doc() *doc.Doc                        { return s.doc }
func (s *Session) Engine() *graph.Engine                { return s.engine }
func (s *Session) Bridge() *bridge.Bridge               { return s.bridge }
func (s *Session) View() *bridge.View                   { return s.bridge.View() }
func (s *Session) Coordinator() *presence.Coordinator   { return s.coordinator }
func (s *Session) Elector() *leader.Elector             { return s.elector }
func (s *Session) Undo() *undo.Manager                  { return s.undo }
func (s *Session) Health() *health.Monitor              { return s.health }
func (s *Session) Replicator() *transport.Replicator    { return s.replicator }
func (s *Session) Presence() map[uint64]presence.Record { return s.channel.States() }
