// Package doc 实现协同图文档的复制状态容器：nodes/edges/meta 三个按字段 LWW 的 map，
// 以及按节点 ID 索引的 RGA 文本序列。所有写入都以操作日志的形式记录，
// 通过状态向量交换增量即可在任意顺序下收敛。
package doc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/crdt"
	"github.com/network-goods-institute/negation-game-sub014/pkg/hlc"
)

// Doc 是一个文档副本。方法可并发调用，但 Transact 的回调内不可再调用 Doc 的方法（不可重入），
// 只能通过 Tx 读写。
type Doc struct {
	mu       sync.Mutex
	clientID string
	clock    *hlc.Clock
	logger   *zap.Logger

	nextSeq uint64
	sv      StateVector
	log     map[string][]Op
	pending []Op

	maps  map[string]*crdt.LWWMap
	texts map[string]*crdt.RGA

	observers      []observer
	updateHandlers []updateHandler
	nextHandlerID  int
	queue          []queuedEvent
	emitting       bool
}

type observer struct {
	id int
	fn func(TxEvent)
}

type updateHandler struct {
	id int
	fn func(update []byte, origin Origin)
}

type queuedEvent struct {
	event  TxEvent
	update []byte
}

// Option 用于配置 Doc。
type Option func(*Doc)

// WithClientID 指定本副本的客户端 ID。默认使用新的 ULID。
func WithClientID(id string) Option {
	return func(d *Doc) {
		if id != "" {
			d.clientID = id
		}
	}
}

// WithClock 指定 HLC 时钟。
func WithClock(clock *hlc.Clock) Option {
	return func(d *Doc) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(logger *zap.Logger) Option {
	return func(d *Doc) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New 创建一个空文档。
func New(opts ...Option) *Doc {
	d := &Doc{
		clientID: ulid.Make().String(),
		clock:    hlc.New(),
		logger:   zap.NewNop(),
		sv:       make(StateVector),
		log:      make(map[string][]Op),
		maps: map[string]*crdt.LWWMap{
			MapNodes: crdt.NewLWWMap(),
			MapEdges: crdt.NewLWWMap(),
			MapText:  crdt.NewLWWMap(),
			MapMeta:  crdt.NewLWWMap(),
		},
		texts: make(map[string]*crdt.RGA),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("client", d.clientID))
	return d
}

// Load 从快照重建文档。
func Load(snapshot []byte, opts ...Option) (*Doc, error) {
	d := New(opts...)
	if len(snapshot) == 0 {
		return d, nil
	}
	if err := d.ApplyUpdate(snapshot, OriginRemote); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return d, nil
}

// ClientID 返回本副本的客户端 ID。
func (d *Doc) ClientID() string {
	return d.clientID
}

// Clock 返回文档使用的 HLC 时钟。
func (d *Doc) Clock() *hlc.Clock {
	return d.clock
}

// Transact 在一个事务中执行写入。写入立即在本地生效，事务结束后统一通知观察者。
// fn 返回错误时，已经发出的操作仍会提交（复制操作无法回滚）。
func (d *Doc) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.mu.Lock()
	tx := newTx(d, origin)
	err := fn(tx)
	tx.done = true
	if len(tx.ops) > 0 {
		d.commitLocked(tx)
	}
	d.mu.Unlock()

	d.emit()
	return err
}

func (d *Doc) commitLocked(tx *Tx) {
	update, err := encodeUpdate(tx.ops)
	if err != nil {
		d.logger.Error("encode transaction update", zap.Error(err))
	}
	d.queue = append(d.queue, queuedEvent{
		event: TxEvent{
			Origin:  tx.origin,
			Local:   true,
			Changed: tx.changed,
			Changes: tx.changes,
		},
		update: update,
	})
}

// ApplyUpdate 集成一个远程增量。重复或已知的操作会被忽略；缺少依赖的操作暂存，
// 在后续增量到达后自动重试。
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for i := range ops {
		d.clock.Update(ops[i].Time)
	}
	d.pending = append(d.pending, ops...)
	applied, changed := d.drainPendingLocked()
	if len(applied) > 0 {
		encoded, err := encodeUpdate(applied)
		if err != nil {
			d.logger.Error("encode applied update", zap.Error(err))
		}
		d.queue = append(d.queue, queuedEvent{
			event:  TxEvent{Origin: origin, Local: false, Changed: changed},
			update: encoded,
		})
	}
	if n := len(d.pending); n > 0 {
		d.logger.Debug("operations waiting for dependencies", zap.Int("pending", n))
	}
	d.mu.Unlock()

	d.emit()
	return nil
}

// drainPendingLocked 反复尝试集成暂存操作，直到没有进展。
func (d *Doc) drainPendingLocked() ([]Op, map[string]mapset.Set[string]) {
	var applied []Op
	changed := make(map[string]mapset.Set[string])

	for progress := true; progress; {
		progress = false
		remaining := make([]Op, 0, len(d.pending))
		for _, op := range d.pending {
			have := d.sv[op.ID.Client]
			if op.End() <= have {
				continue
			}
			if op.ID.Seq != have+1 {
				remaining = append(remaining, op)
				continue
			}
			ok, err := d.integrateLocked(&op)
			if errors.Is(err, crdt.ErrMissingDependency) {
				remaining = append(remaining, op)
				continue
			}
			if err != nil {
				// 无效操作仍需推进状态向量，否则该客户端的后续操作会永久阻塞
				d.logger.Warn("skipping invalid operation",
					zap.Stringer("op", op.ID), zap.Stringer("kind", op.Kind), zap.Error(err))
			}
			d.recordLocked(op)
			applied = append(applied, op)
			if ok {
				markChanged(changed, op.Map, op.Key)
			}
			progress = true
		}
		d.pending = remaining
	}
	return applied, changed
}

func markChanged(changed map[string]mapset.Set[string], m, key string) {
	s, ok := changed[m]
	if !ok {
		s = mapset.NewThreadUnsafeSet[string]()
		changed[m] = s
	}
	s.Add(key)
}

func (d *Doc) recordLocked(op Op) {
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	d.sv[op.ID.Client] = op.End()
	if op.ID.Client == d.clientID && op.End() > d.nextSeq {
		d.nextSeq = op.End()
	}
}

// integrateLocked 把操作应用到状态上，返回可见状态是否变化。
func (d *Doc) integrateLocked(op *Op) (bool, error) {
	m, ok := d.maps[op.Map]
	if !ok {
		return false, fmt.Errorf("%w: unknown map %q", crdt.ErrInvalidOp, op.Map)
	}
	stamp := op.stamp()

	switch op.Kind {
	case OpCreate:
		return m.Entry(op.Key).Create(stamp), nil
	case OpRemove:
		return m.Entry(op.Key).Remove(stamp), nil
	case OpSetField:
		return m.Entry(op.Key).SetField(op.Field, op.Value, stamp) && m.Has(op.Key), nil
	case OpDeleteField:
		return m.Entry(op.Key).DeleteField(op.Field, stamp) && m.Has(op.Key), nil
	case OpTextInsert:
		if op.Map != MapText {
			return false, fmt.Errorf("%w: text insert on map %q", crdt.ErrInvalidOp, op.Map)
		}
		r := d.textLocked(op.Key)
		if !r.Has(op.Origin) {
			return false, fmt.Errorf("%w: origin %s", crdt.ErrMissingDependency, op.Origin)
		}
		origin := op.Origin
		seq := op.ID.Seq
		for _, ch := range op.Text {
			id := crdt.OpID{Client: op.ID.Client, Seq: seq}
			if err := r.Integrate(id, origin, ch, stamp); err != nil {
				return false, err
			}
			origin = id
			seq++
		}
		return true, nil
	case OpTextDelete:
		if op.Map != MapText {
			return false, fmt.Errorf("%w: text delete on map %q", crdt.ErrInvalidOp, op.Map)
		}
		r := d.textLocked(op.Key)
		for _, target := range op.Targets {
			if !r.Has(target) {
				return false, fmt.Errorf("%w: target %s", crdt.ErrMissingDependency, target)
			}
		}
		changed := false
		for _, target := range op.Targets {
			ok, err := r.Remove(target)
			if err != nil {
				return false, err
			}
			changed = changed || ok
		}
		return changed, nil
	default:
		return false, fmt.Errorf("%w: %s", crdt.ErrInvalidOp, op.Kind)
	}
}

func (d *Doc) textLocked(key string) *crdt.RGA {
	r, ok := d.texts[key]
	if !ok {
		r = crdt.NewRGA()
		d.texts[key] = r
	}
	return r
}

// emit 按事务顺序投递事件。观察者中发起的新事务会排入同一队列，由当前投递循环继续处理。
func (d *Doc) emit() {
	d.mu.Lock()
	if d.emitting {
		d.mu.Unlock()
		return
	}
	d.emitting = true
	for len(d.queue) > 0 {
		item := d.queue[0]
		d.queue = d.queue[1:]
		handlers := append([]updateHandler(nil), d.updateHandlers...)
		observers := append([]observer(nil), d.observers...)
		d.mu.Unlock()

		if item.update != nil {
			for _, h := range handlers {
				h.fn(item.update, item.event.Origin)
			}
		}
		for _, o := range observers {
			o.fn(item.event)
		}

		d.mu.Lock()
	}
	d.emitting = false
	d.mu.Unlock()
}

// Observe 注册事务观察者，返回取消函数。
func (d *Doc) Observe(fn func(TxEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandlerID++
	id := d.nextHandlerID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// OnUpdate 注册增量回调：每次事务或远程集成后收到对应的编码增量及其来源。
func (d *Doc) OnUpdate(fn func(update []byte, origin Origin)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandlerID++
	id := d.nextHandlerID
	d.updateHandlers = append(d.updateHandlers, updateHandler{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, h := range d.updateHandlers {
			if h.id == id {
				d.updateHandlers = append(d.updateHandlers[:i], d.updateHandlers[i+1:]...)
				return
			}
		}
	}
}

// StateVector 返回当前状态向量的副本。
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// Pending 返回等待依赖的操作数量。
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// EncodeStateVector 编码当前状态向量。
func (d *Doc) EncodeStateVector() ([]byte, error) {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate 编码持有 sv 的副本所缺少的全部操作。sv 为 nil 时编码完整状态。
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	clients := make([]string, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	sort.Strings(clients)

	var ops []Op
	for _, c := range clients {
		have := sv[c]
		for _, op := range d.log[c] {
			if op.End() > have {
				ops = append(ops, op)
			}
		}
	}
	d.mu.Unlock()

	return encodeUpdate(ops)
}

// Snapshot 把完整文档编码为不透明字节，可用 Load 恢复。
func (d *Doc) Snapshot() ([]byte, error) {
	return d.EncodeStateAsUpdate(nil)
}

// Record 返回可见记录的只读视图。
func (d *Doc) Record(m, key string) (RecordView, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewLocked(m, key)
}

func (d *Doc) viewLocked(m, key string) (RecordView, bool) {
	mp, ok := d.maps[m]
	if !ok {
		return RecordView{}, false
	}
	rec, ok := mp.Get(key)
	if !ok {
		return RecordView{}, false
	}
	return RecordView{Key: key, fields: rec.Snapshot()}, true
}

// Keys 返回 map 中的可见键（有序）。
func (d *Doc) Keys(m string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mp, ok := d.maps[m]; ok {
		return mp.Keys()
	}
	return nil
}

// Records 返回 map 中全部可见记录。
func (d *Doc) Records(m string) []RecordView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recordsLocked(m)
}

func (d *Doc) recordsLocked(m string) []RecordView {
	mp, ok := d.maps[m]
	if !ok {
		return nil
	}
	keys := mp.Keys()
	out := make([]RecordView, 0, len(keys))
	for _, k := range keys {
		rec, _ := mp.Get(k)
		out = append(out, RecordView{Key: k, fields: rec.Snapshot()})
	}
	return out
}

// Text 返回节点文本序列的当前值。
func (d *Doc) Text(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textValueLocked(key)
}

func (d *Doc) HasText(key string) bool {
	_, ok := d.Text(key)
	return ok
}

func (d *Doc) textValueLocked(key string) (string, bool) {
	if !d.maps[MapText].Has(key) {
		return "", false
	}
	r, ok := d.texts[key]
	if !ok {
		return "", true
	}
	return r.String(), true
}
