package crdt

import "testing"

func TestLWWRegister_Basic(t *testing.T) {
	var reg LWWRegister

	if !reg.Set([]byte("A"), Stamp{Time: 100, Client: "a"}) {
		t.Fatalf("首次写入应生效")
	}
	if !reg.Set([]byte("B"), Stamp{Time: 200, Client: "a"}) {
		t.Fatalf("更大的时间戳应胜出")
	}
	if reg.Set([]byte("C"), Stamp{Time: 150, Client: "z"}) {
		t.Fatalf("旧时间戳的写入应被忽略")
	}
	if string(reg.Value) != "B" {
		t.Fatalf("预期值仍为 B, 但变成了 %s", reg.Value)
	}
}

func TestLWWRegister_SameTimeUsesClientTieBreaker(t *testing.T) {
	a := LWWRegister{}
	a.Set([]byte("alpha"), Stamp{Time: 100, Client: "a"})
	b := LWWRegister{}
	b.Set([]byte("beta"), Stamp{Time: 100, Client: "b"})

	a.Merge(&b)
	b.Merge(&a)

	if !a.Equal(&b) {
		t.Fatalf("expected convergence, got a=%s b=%s", a.Value, b.Value)
	}
	if string(a.Value) != "beta" {
		t.Fatalf("expected client b to win the tie, got %s", a.Value)
	}
}

func TestLWWRegister_DeleteIsOrdered(t *testing.T) {
	var reg LWWRegister
	reg.Set([]byte("x"), Stamp{Time: 10, Client: "a"})
	reg.Delete(Stamp{Time: 20, Client: "b"})

	if reg.Present() {
		t.Fatalf("删除后寄存器不应可见")
	}
	if reg.Set([]byte("y"), Stamp{Time: 15, Client: "c"}) {
		t.Fatalf("早于墓碑的写入不应生效")
	}
	if !reg.Set([]byte("z"), Stamp{Time: 30, Client: "c"}) || !reg.Present() {
		t.Fatalf("晚于墓碑的写入应恢复值")
	}
}

func TestRecord_FieldWritesDoNotResurrect(t *testing.T) {
	r := NewRecord()
	r.Create(Stamp{Time: 1, Client: "a"})
	r.SetField("x", []byte{1}, Stamp{Time: 2, Client: "a"})
	r.Remove(Stamp{Time: 3, Client: "b"})

	// 另一端并发移动了节点
	r.SetField("x", []byte{9}, Stamp{Time: 4, Client: "a"})

	if r.Visible() {
		t.Fatalf("字段写入不应复活已删除的记录")
	}
	if v, ok := r.Field("x"); !ok || v[0] != 9 {
		t.Fatalf("字段值应被保留, got %v", v)
	}
}

func TestRecord_MergeCommutes(t *testing.T) {
	build := func() (*Record, *Record) {
		a := NewRecord()
		a.Create(Stamp{Time: 1, Client: "a"})
		a.SetField("content", []byte("hello"), Stamp{Time: 2, Client: "a"})

		b := NewRecord()
		b.Create(Stamp{Time: 1, Client: "a"})
		b.SetField("content", []byte("world"), Stamp{Time: 3, Client: "b"})
		b.DeleteField("width", Stamp{Time: 3, Client: "b"})
		return a, b
	}

	a1, b1 := build()
	a1.Merge(b1)
	a2, b2 := build()
	b2.Merge(a2)

	v1, _ := a1.Field("content")
	v2, _ := b2.Field("content")
	if string(v1) != string(v2) || string(v1) != "world" {
		t.Fatalf("合并不可交换: %s vs %s", v1, v2)
	}
	if len(a1.FieldNames()) != 1 || len(b2.FieldNames()) != 1 {
		t.Fatalf("墓碑字段不应可见: %v / %v", a1.FieldNames(), b2.FieldNames())
	}
}

func TestLWWMap_KeysAndMerge(t *testing.T) {
	m1 := NewLWWMap()
	m1.Entry("n1").Create(Stamp{Time: 1, Client: "a"})
	m1.Entry("n2").Create(Stamp{Time: 1, Client: "a"})

	m2 := NewLWWMap()
	m2.Entry("n2").Remove(Stamp{Time: 5, Client: "b"})
	m2.Entry("n3").Create(Stamp{Time: 2, Client: "b"})

	changed := m1.Merge(m2)
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed keys, got %v", changed)
	}
	keys := m1.Keys()
	if len(keys) != 2 || keys[0] != "n1" || keys[1] != "n3" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if m1.Len() != 2 || m1.Has("n2") {
		t.Fatalf("n2 应已删除")
	}
}
