package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mu        sync.Mutex
	states    map[uint64]Record
	listeners []func()
}

func newFakeHub() *fakeHub {
	return &fakeHub{states: make(map[uint64]Record)}
}

type fakeChannel struct {
	hub *fakeHub
	id  uint64
}

func (h *fakeHub) channel(id uint64) *fakeChannel {
	return &fakeChannel{hub: h, id: id}
}

func (c *fakeChannel) LocalID() uint64 { return c.id }

func (c *fakeChannel) SetLocal(rec Record) {
	c.hub.mu.Lock()
	c.hub.states[c.id] = rec
	listeners := append([]func(){}, c.hub.listeners...)
	c.hub.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (c *fakeChannel) States() map[uint64]Record {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	out := make(map[uint64]Record, len(c.hub.states))
	for k, v := range c.hub.states {
		out[k] = v
	}
	return out
}

func (c *fakeChannel) OnChange(fn func()) func() {
	c.hub.mu.Lock()
	c.hub.listeners = append(c.hub.listeners, fn)
	c.hub.mu.Unlock()
	return func() {}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	aliceTab1 = Identity{UserID: "alice", Name: "Alice", SessionID: "s1", TabID: "t1"}
	aliceTab2 = Identity{UserID: "alice", Name: "Alice", SessionID: "s1", TabID: "t2"}
	bobTab    = Identity{UserID: "bob", Name: "Bob", SessionID: "s2", TabID: "t9"}
)

func lockFor(id Identity, node string, kind LockKind, ts int64) Lock {
	return Lock{NodeID: node, ByID: id.UserID, Name: id.Name, Kind: kind, TS: ts, SessionID: id.SessionID, TabID: id.TabID}
}

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		existing Lock
		incoming Lock
		active   bool
		want     Lock
	}{
		{
			name:     "same tab merges newer timestamp and more specific kind",
			existing: lockFor(aliceTab1, "n", LockDrag, 100),
			incoming: lockFor(aliceTab1, "n", LockEdit, 200),
			active:   true,
			want:     lockFor(aliceTab1, "n", LockDrag, 200),
		},
		{
			name:     "own lock yields to other user",
			existing: lockFor(aliceTab1, "n", LockEdit, 300),
			incoming: lockFor(bobTab, "n", LockEdit, 100),
			active:   true,
			want:     lockFor(bobTab, "n", LockEdit, 100),
		},
		{
			name:     "own other tab never steals from other user",
			existing: lockFor(bobTab, "n", LockEdit, 100),
			incoming: lockFor(aliceTab2, "n", LockEdit, 300),
			active:   true,
			want:     lockFor(bobTab, "n", LockEdit, 100),
		},
		{
			name:     "active tab keeps its claim against own other tab",
			existing: lockFor(aliceTab1, "n", LockEdit, 100),
			incoming: lockFor(aliceTab2, "n", LockDrag, 300),
			active:   true,
			want:     lockFor(aliceTab1, "n", LockEdit, 100),
		},
		{
			name:     "active tab claim wins regardless of arrival order",
			existing: lockFor(aliceTab2, "n", LockDrag, 300),
			incoming: lockFor(aliceTab1, "n", LockEdit, 100),
			active:   true,
			want:     lockFor(aliceTab1, "n", LockEdit, 100),
		},
		{
			name:     "otherwise keep existing",
			existing: lockFor(bobTab, "n", LockEdit, 100),
			incoming: lockFor(Identity{UserID: "carol", SessionID: "s3", TabID: "t3"}, "n", LockEdit, 500),
			active:   true,
			want:     lockFor(bobTab, "n", LockEdit, 100),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.existing, tt.incoming, aliceTab1, tt.active)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveOtherUserWinsEitherOrder(t *testing.T) {
	mine := lockFor(aliceTab1, "n", LockEdit, 100)
	theirs := lockFor(bobTab, "n", LockEdit, 50)
	assert.Equal(t, theirs, Resolve(mine, theirs, aliceTab1, true))
	assert.Equal(t, theirs, Resolve(theirs, mine, aliceTab1, true))
}

func newCoordinator(hub *fakeHub, conn uint64, id Identity, clock *fakeClock) *Coordinator {
	return NewCoordinator(hub.channel(conn), id, WithNow(clock.Now))
}

func TestAcquireAndRelease(t *testing.T) {
	hub := newFakeHub()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	a := newCoordinator(hub, 1, aliceTab1, clock)
	b := newCoordinator(hub, 2, bobTab, clock)

	lock, ok := a.AcquireLock("n1", LockEdit)
	require.True(t, ok)
	assert.Equal(t, "alice", lock.ByID)

	holder, ok := b.AcquireLock("n1", LockEdit)
	assert.False(t, ok)
	assert.Equal(t, "alice", holder.ByID)
	assert.Equal(t, uint64(1), b.Conflicts())

	h, ok := b.Holder("n1")
	require.True(t, ok)
	assert.Equal(t, "Alice", h.Name)
	_, ok = a.Holder("n1")
	assert.False(t, ok)

	a.ReleaseLock("n1")
	_, ok = b.AcquireLock("n1", LockEdit)
	assert.True(t, ok)
}

func TestExpiredLocksAreIgnored(t *testing.T) {
	hub := newFakeHub()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	a := newCoordinator(hub, 1, aliceTab1, clock)
	b := newCoordinator(hub, 2, bobTab, clock)

	_, ok := a.AcquireLock("n1", LockEdit)
	require.True(t, ok)
	clock.Advance(DefaultConfig().TTL + time.Second)

	_, ok = b.Holder("n1")
	assert.False(t, ok)
	_, ok = b.AcquireLock("n1", LockEdit)
	assert.True(t, ok)
}

func TestRenewKeepsLockAlive(t *testing.T) {
	hub := newFakeHub()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	a := newCoordinator(hub, 1, aliceTab1, clock)
	b := newCoordinator(hub, 2, bobTab, clock)
	cfg := DefaultConfig()
	require.Less(t, cfg.RenewInterval, cfg.TTL)

	_, ok := a.AcquireLock("n1", LockEdit)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		clock.Advance(cfg.RenewInterval)
		a.Touch("n1")
		a.Renew()
		_, held := b.Holder("n1")
		require.True(t, held, "renewal %d", i)
	}
}

func TestStaleLocksArePurged(t *testing.T) {
	hub := newFakeHub()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	a := newCoordinator(hub, 1, aliceTab1, clock)

	_, ok := a.AcquireLock("n1", LockEdit)
	require.True(t, ok)
	clock.Advance(DefaultConfig().CleanupAfter + time.Second)
	a.Renew()
	assert.Empty(t, a.Held())
	assert.Empty(t, hub.channel(1).States()[1].Locks)
}

func TestBackgroundTabPublishesNothing(t *testing.T) {
	hub := newFakeHub()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	a := newCoordinator(hub, 1, aliceTab1, clock)

	a.SetCursor(&Point{X: 1, Y: 2})
	_, ok := a.AcquireLock("n1", LockEdit)
	require.True(t, ok)
	rec := hub.channel(1).States()[1]
	require.NotNil(t, rec.Cursor)
	assert.Len(t, rec.Locks, 1)

	a.SetActive(false)
	rec = hub.channel(1).States()[1]
	assert.False(t, rec.Active)
	assert.Nil(t, rec.Cursor)
	assert.Empty(t, rec.Locks)

	_, ok = a.AcquireLock("n2", LockEdit)
	assert.False(t, ok)
}

func TestOwnOtherTabDoesNotBlockActiveTab(t *testing.T) {
	hub := newFakeHub()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	tab1 := newCoordinator(hub, 1, aliceTab1, clock)
	tab2 := newCoordinator(hub, 2, aliceTab2, clock)

	_, ok := tab2.AcquireLock("n1", LockEdit)
	require.True(t, ok)
	_, ok = tab1.AcquireLock("n1", LockDrag)
	require.True(t, ok)
	assert.Equal(t, "t1", tab1.Locks()["n1"].TabID)
}

func TestReleaseDragAfterGrace(t *testing.T) {
	hub := newFakeHub()
	a := NewCoordinator(hub.channel(1), aliceTab1, WithConfig(Config{DragGrace: 20 * time.Millisecond}))

	_, ok := a.AcquireLock("n1", LockDrag)
	require.True(t, ok)
	a.ReleaseDrag("n1")
	assert.Len(t, a.Held(), 1)

	// 宽限期内重新拖拽取消释放
	_, ok = a.AcquireLock("n1", LockDrag)
	require.True(t, ok)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.Held(), 1)

	a.ReleaseDrag("n1")
	require.Eventually(t, func() bool { return len(a.Held()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopClearsState(t *testing.T) {
	hub := newFakeHub()
	a := NewCoordinator(hub.channel(1), aliceTab1, WithConfig(Config{RenewInterval: 5 * time.Millisecond, TTL: time.Second}))
	a.Start(context.Background())
	_, ok := a.AcquireLock("n1", LockDrag)
	require.True(t, ok)
	a.ReleaseDrag("n1")
	a.Stop()

	assert.Empty(t, a.Held())
	assert.Empty(t, hub.channel(1).States()[1].Locks)
}
