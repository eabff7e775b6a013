package doc

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/network-goods-institute/negation-game-sub014/pkg/crdt"
)

// ErrTxClosed 在事务回调返回后继续使用 Tx 时返回。
var ErrTxClosed = errors.New("doc: transaction closed")

// Tx 是事务内的读写句柄。它只在 Transact 回调内有效。
type Tx struct {
	doc     *Doc
	origin  Origin
	ops     []Op
	changed map[string]mapset.Set[string]
	changes []Change
	done    bool
}

func newTx(d *Doc, origin Origin) *Tx {
	return &Tx{
		doc:     d,
		origin:  origin,
		changed: make(map[string]mapset.Set[string]),
	}
}

// Origin 返回事务来源。
func (tx *Tx) Origin() Origin {
	return tx.origin
}

// Changes 返回事务到目前为止产生的写入。
func (tx *Tx) Changes() []Change {
	return append([]Change(nil), tx.changes...)
}

// describe 在操作集成前记录它将产生的变化。
func (tx *Tx) describe(op *Op) (Change, bool) {
	d := tx.doc
	ref := KeyRef{Map: op.Map, Key: op.Key}
	mp := d.maps[op.Map]
	switch op.Kind {
	case OpCreate, OpRemove:
		existed := mp.Has(op.Key)
		exists := op.Kind == OpCreate
		return Change{Kind: ChangeExists, Ref: ref, Existed: existed, Exists: exists}, existed != exists
	case OpSetField, OpDeleteField:
		c := Change{Kind: ChangeField, Ref: ref, Field: op.Field}
		if rec, ok := mp.Get(op.Key); ok {
			if cur, ok := rec.Field(op.Field); ok {
				c.Before = append([]byte(nil), cur...)
			}
		}
		if op.Kind == OpSetField {
			c.After = append([]byte(nil), op.Value...)
		}
		return c, true
	case OpTextInsert:
		runes := []rune(op.Text)
		ids := make([]crdt.OpID, len(runes))
		for i := range runes {
			ids[i] = crdt.OpID{Client: op.ID.Client, Seq: op.ID.Seq + uint64(i)}
		}
		return Change{Kind: ChangeTextInsert, Ref: ref, Vertices: ids, Text: op.Text}, true
	case OpTextDelete:
		r := d.textLocked(op.Key)
		c := Change{Kind: ChangeTextDelete, Ref: ref}
		var b []rune
		for _, id := range op.Targets {
			if v, ok := r.Vertex(id); ok && !v.Deleted {
				c.Vertices = append(c.Vertices, id)
				b = append(b, v.Value)
			}
		}
		c.Text = string(b)
		return c, len(c.Vertices) > 0
	}
	return Change{}, false
}

// emit 生成并应用一个本地操作。
func (tx *Tx) emit(op Op) error {
	if tx.done {
		return ErrTxClosed
	}
	d := tx.doc

	op.ID = crdt.OpID{Client: d.clientID, Seq: d.nextSeq + 1}
	op.Time = d.clock.Now()
	c, tracked := tx.describe(&op)
	changed, err := d.integrateLocked(&op)
	if err != nil {
		return err
	}
	d.recordLocked(op)
	tx.ops = append(tx.ops, op)
	if tracked {
		tx.changes = append(tx.changes, c)
	}
	if changed {
		markChanged(tx.changed, op.Map, op.Key)
	}
	return nil
}

func (tx *Tx) lookup(m string) (*crdt.LWWMap, error) {
	mp, ok := tx.doc.maps[m]
	if !ok {
		return nil, fmt.Errorf("%w: unknown map %q", crdt.ErrInvalidOp, m)
	}
	return mp, nil
}

// Has 判断键是否可见。
func (tx *Tx) Has(m, key string) bool {
	mp, err := tx.lookup(m)
	return err == nil && mp.Has(key)
}

// Record 读取可见记录。
func (tx *Tx) Record(m, key string) (RecordView, bool) {
	return tx.doc.viewLocked(m, key)
}

// Records 读取 map 中的全部可见记录。
func (tx *Tx) Records(m string) []RecordView {
	return tx.doc.recordsLocked(m)
}

// Keys 返回 map 中的可见键。
func (tx *Tx) Keys(m string) []string {
	mp, err := tx.lookup(m)
	if err != nil {
		return nil
	}
	return mp.Keys()
}

// Text 读取文本序列。
func (tx *Tx) Text(key string) (string, bool) {
	return tx.doc.textValueLocked(key)
}

// Create 让记录可见。已可见时不产生操作。
func (tx *Tx) Create(m, key string) error {
	mp, err := tx.lookup(m)
	if err != nil {
		return err
	}
	if mp.Has(key) {
		return nil
	}
	return tx.emit(Op{Kind: OpCreate, Map: m, Key: key})
}

// Put 创建（如需要）并写入字段。
func (tx *Tx) Put(m, key string, fields map[string]any) error {
	if err := tx.Create(m, key); err != nil {
		return err
	}
	_, err := tx.Update(m, key, fields)
	return err
}

// Update 修改可见记录的字段，记录不存在时返回 false 且不写入。
// 与当前值相同的字段不会产生操作。
func (tx *Tx) Update(m, key string, fields map[string]any) (bool, error) {
	if !tx.Has(m, key) {
		return false, nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := tx.Set(m, key, name, fields[name]); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Set 写入单个字段，返回是否实际产生了写入。
func (tx *Tx) Set(m, key, field string, value any) (bool, error) {
	mp, err := tx.lookup(m)
	if err != nil {
		return false, err
	}
	rec, ok := mp.Get(key)
	if !ok {
		return false, nil
	}
	raw, err := encodeValue(value)
	if err != nil {
		return false, fmt.Errorf("encode field %s.%s: %w", key, field, err)
	}
	if cur, ok := rec.Field(field); ok && bytes.Equal(cur, raw) {
		return false, nil
	}
	return true, tx.emit(Op{Kind: OpSetField, Map: m, Key: key, Field: field, Value: raw})
}

// SetRaw 写入已编码的字段值。
func (tx *Tx) SetRaw(m, key, field string, raw []byte) (bool, error) {
	mp, err := tx.lookup(m)
	if err != nil {
		return false, err
	}
	rec, ok := mp.Get(key)
	if !ok {
		return false, nil
	}
	if cur, ok := rec.Field(field); ok && bytes.Equal(cur, raw) {
		return false, nil
	}
	return true, tx.emit(Op{Kind: OpSetField, Map: m, Key: key, Field: field, Value: raw})
}

// Unset 删除字段。
func (tx *Tx) Unset(m, key, field string) (bool, error) {
	mp, err := tx.lookup(m)
	if err != nil {
		return false, err
	}
	rec, ok := mp.Get(key)
	if !ok {
		return false, nil
	}
	if _, ok := rec.Field(field); !ok {
		return false, nil
	}
	return true, tx.emit(Op{Kind: OpDeleteField, Map: m, Key: key, Field: field})
}

// Delete 删除记录，返回记录原先是否可见。
func (tx *Tx) Delete(m, key string) (bool, error) {
	if !tx.Has(m, key) {
		return false, nil
	}
	return true, tx.emit(Op{Kind: OpRemove, Map: m, Key: key})
}

// EnsureText 保证节点文本序列存在。
func (tx *Tx) EnsureText(key string) error {
	return tx.Create(MapText, key)
}

// InsertText 在可见下标 index（按 rune 计）处插入 s。
func (tx *Tx) InsertText(key string, index int, s string) error {
	if s == "" {
		return nil
	}
	if err := tx.EnsureText(key); err != nil {
		return err
	}
	origin, err := tx.doc.textLocked(key).OriginAt(index)
	if err != nil {
		return err
	}
	return tx.emit(Op{Kind: OpTextInsert, Map: MapText, Key: key, Origin: origin, Text: s})
}

// DeleteText 从 index 开始删除 n 个 rune。
func (tx *Tx) DeleteText(key string, index, n int) error {
	if n == 0 {
		return nil
	}
	if !tx.Has(MapText, key) {
		return &crdt.KeyNotFoundError{Key: key}
	}
	targets, err := tx.doc.textLocked(key).Range(index, n)
	if err != nil {
		return err
	}
	return tx.emit(Op{Kind: OpTextDelete, Map: MapText, Key: key, Targets: targets})
}

// SetText 以最小替换把文本序列改为 s，返回是否产生了写入。
func (tx *Tx) SetText(key, s string) (bool, error) {
	created := !tx.Has(MapText, key)
	if err := tx.EnsureText(key); err != nil {
		return false, err
	}
	cur, _ := tx.doc.textValueLocked(key)
	sp := crdt.Diff(cur, s)
	if sp.Empty() {
		return created, nil
	}
	if err := tx.DeleteText(key, sp.Index, sp.Delete); err != nil {
		return true, err
	}
	return true, tx.InsertText(key, sp.Index, sp.Insert)
}

// DropText 删除节点文本序列。
func (tx *Tx) DropText(key string) (bool, error) {
	return tx.Delete(MapText, key)
}

// Revert 撤回一次写入的效果，返回是否产生了写入。
// 只有当前状态仍是该写入的结果时才回写，之后其他副本或其他写入留下的修改保持不变。
// 文本按逆向拼接撤回：删除仍可见的插入顶点，或在原位置重新插入被删除的字符。
func (tx *Tx) Revert(c Change) (bool, error) {
	ref := c.Ref
	switch c.Kind {
	case ChangeExists:
		if tx.Has(ref.Map, ref.Key) != c.Exists {
			return false, nil
		}
		if c.Existed {
			return true, tx.Create(ref.Map, ref.Key)
		}
		return tx.Delete(ref.Map, ref.Key)

	case ChangeField:
		mp, err := tx.lookup(ref.Map)
		if err != nil {
			return false, err
		}
		rec, ok := mp.Get(ref.Key)
		if !ok {
			return false, nil
		}
		cur, present := rec.Field(c.Field)
		if present != (c.After != nil) || !bytes.Equal(cur, c.After) {
			return false, nil
		}
		if c.Before == nil {
			return tx.Unset(ref.Map, ref.Key, c.Field)
		}
		return tx.SetRaw(ref.Map, ref.Key, c.Field, c.Before)

	case ChangeTextInsert:
		if !tx.Has(MapText, ref.Key) {
			return false, nil
		}
		r := tx.doc.textLocked(ref.Key)
		var live []crdt.OpID
		for _, id := range c.Vertices {
			if v, ok := r.Vertex(id); ok && !v.Deleted {
				live = append(live, id)
			}
		}
		if len(live) == 0 {
			return false, nil
		}
		return true, tx.emit(Op{Kind: OpTextDelete, Map: MapText, Key: ref.Key, Targets: live})

	case ChangeTextDelete:
		if len(c.Vertices) == 0 || c.Text == "" || !tx.Has(MapText, ref.Key) {
			return false, nil
		}
		index, err := tx.doc.textLocked(ref.Key).IndexOf(c.Vertices[0])
		if err != nil {
			return false, err
		}
		return true, tx.InsertText(ref.Key, index, c.Text)
	}
	return false, fmt.Errorf("%w: change kind %d", crdt.ErrInvalidOp, c.Kind)
}
