package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-goods-institute/negation-game-sub014/pkg/bridge"
	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
	"github.com/network-goods-institute/negation-game-sub014/pkg/health"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/store"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport/memory"
)

const waitFor = 2 * time.Second

func testConfig(user string) Config {
	cfg := DefaultConfig()
	cfg.DocumentID = "board"
	cfg.User = presence.Identity{UserID: user, Name: user}
	cfg.LeaderDelay = 0
	cfg.HealthGrace = 20 * time.Millisecond
	cfg.AutosaveInterval = 0
	return cfg
}

func open(t *testing.T, conn *memory.Conn, cfg Config, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithConfig(cfg), WithScheduler(bridge.NewManualScheduler())}, opts...)
	s, err := New(conn, opts...)
	require.NoError(t, err)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func newStore(t *testing.T) *store.Documents {
	t.Helper()
	kv, err := store.OpenBadger("", store.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return store.NewDocuments(kv)
}

func TestNewRequiresDocumentID(t *testing.T) {
	_, err := New(memory.NewHub(nil).Connect())
	assert.ErrorIs(t, err, ErrNoDocumentID)
}

func TestOnlyLowestConnectionOfUserWrites(t *testing.T) {
	hub := memory.NewHub(nil)
	first := open(t, hub.Connect(), testConfig("u1"))
	second := open(t, hub.Connect(), testConfig("u1"))
	other := open(t, hub.Connect(), testConfig("u2"))

	require.Eventually(t, first.CanWrite, waitFor, 5*time.Millisecond)
	require.Eventually(t, other.CanWrite, waitFor, 5*time.Millisecond)
	assert.False(t, second.CanWrite())
	assert.False(t, second.Engine().AddNode(graph.Node{ID: "p1", Type: graph.NodePoint}), "non-leader writes are no-ops")
	assert.NotEqual(t, first.Config().User.TabID, second.Config().User.TabID)
}

func TestReadOnlyNeverWrites(t *testing.T) {
	hub := memory.NewHub(nil)
	cfg := testConfig("u1")
	cfg.ReadOnly = true
	s := open(t, hub.Connect(), cfg)
	require.Eventually(t, s.IsLeader, waitFor, 5*time.Millisecond)
	assert.False(t, s.CanWrite())
	assert.False(t, s.Engine().AddNode(graph.Node{ID: "p1", Type: graph.NodePoint}))
}

func TestEditsReachPeerView(t *testing.T) {
	hub := memory.NewHub(nil)
	a := open(t, hub.Connect(), testConfig("u1"))
	b := open(t, hub.Connect(), testConfig("u2"))
	require.Eventually(t, a.CanWrite, waitFor, 5*time.Millisecond)

	require.True(t, a.Engine().AddNode(graph.Node{ID: "p1", Type: graph.NodePoint, Data: graph.NodeData{Content: "hello"}}))
	require.Eventually(t, func() bool {
		n, ok := b.View().Node("p1")
		return ok && n.Data.Content == "hello"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, a.Doc().Materialize(), b.Doc().Materialize())
}

func TestSaveMarksMetaAndPersists(t *testing.T) {
	hub := memory.NewHub(nil)
	docs := newStore(t)
	s := open(t, hub.Connect(), testConfig("u1"), WithSaver(docs))
	require.Eventually(t, s.CanWrite, waitFor, 5*time.Millisecond)

	var observed []bool
	s.Doc().Observe(func(ev doc.TxEvent) {
		if ev.Origin == doc.OriginSave {
			saving, _ := s.Saving()
			observed = append(observed, saving)
		}
	})

	require.True(t, s.Engine().AddNode(graph.Node{ID: "p1", Type: graph.NodePoint}))
	s.Undo().StopCapturing()
	undoDepth, _ := s.Undo().Depth()

	require.True(t, s.Save())
	assert.Equal(t, []bool{true, false}, observed)
	saving, _ := s.Saving()
	assert.False(t, saving)

	after, _ := s.Undo().Depth()
	assert.Equal(t, undoDepth, after, "save writes never reach undo")
	assert.EqualValues(t, 1, s.Stats().Saves)

	snap, _, err := docs.Load("board")
	require.NoError(t, err)
	restored := doc.New()
	require.NoError(t, restored.ApplyUpdate(snap, doc.OriginRemote))
	_, ok := restored.Record(doc.MapNodes, "p1")
	assert.True(t, ok)

	observed = nil
	require.True(t, s.Save(), "clean document is a no-op")
	assert.Empty(t, observed)
}

func TestLoaderRestoresAndLeaderMigrates(t *testing.T) {
	docs := newStore(t)
	legacy := doc.New(doc.WithClientID("old"))
	require.NoError(t, legacy.Transact(doc.OriginLocal, func(tx *doc.Tx) error {
		return tx.Put(doc.MapNodes, "t1", map[string]any{"type": "title", "data.content": "Agenda"})
	}))
	snap, err := legacy.Snapshot()
	require.NoError(t, err)
	require.NoError(t, docs.SaveSnapshot("board", snap))

	hub := memory.NewHub(nil)
	s := open(t, hub.Connect(), testConfig("u1"), WithLoader(docs))
	require.Eventually(t, func() bool {
		n, ok := s.Engine().Node("t1")
		return ok && n.Type == graph.NodeStatement
	}, waitFor, 5*time.Millisecond)

	n, _ := s.Engine().Node("t1")
	assert.Equal(t, "Agenda", n.Data.Text(n.Type))
	assert.EqualValues(t, 1, s.Stats().Migrated)
	assert.False(t, s.Undo().CanUndo(), "migration is not undoable")
}

func TestDisconnectSurfacesAfterGrace(t *testing.T) {
	hub := memory.NewHub(nil)
	conn := hub.Connect()
	s := open(t, conn, testConfig("u1"))
	require.Equal(t, health.StatusConnected, s.Health().Status())

	conn.Disconnect()
	conn.Reconnect()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, health.StatusConnected, s.Health().Status())

	conn.Disconnect()
	require.Eventually(t, func() bool { return s.Health().Status() == health.StatusDisconnected }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 1, s.Stats().Disconnects)
}

func TestStopIsIdempotent(t *testing.T) {
	hub := memory.NewHub(nil)
	s, err := New(hub.Connect(), WithConfig(testConfig("u1")), WithScheduler(bridge.NewManualScheduler()))
	require.NoError(t, err)
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
