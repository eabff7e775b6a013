package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport/memory"
)

func TestFrameCodec(t *testing.T) {
	raw, err := transport.Encode(transport.Message{Kind: transport.KindSyncReply, From: 3, To: 7, Payload: []byte{1, 2}})
	require.NoError(t, err)
	m, err := transport.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, transport.KindSyncReply, m.Kind)
	assert.EqualValues(t, 3, m.From)
	assert.EqualValues(t, 7, m.To)
	assert.Equal(t, []byte{1, 2}, m.Payload)

	empty, err := transport.Encode(transport.Message{})
	require.NoError(t, err)
	_, err = transport.Decode(empty)
	assert.Error(t, err)
	assert.Equal(t, "sync-reply", transport.KindSyncReply.String())
}

func TestFanoutOrderAndCancel(t *testing.T) {
	var f transport.Fanout[int]
	var got []int
	f.Add(func(v int) { got = append(got, v) })
	cancel := f.Add(func(v int) { got = append(got, v*10) })
	f.Emit(1)
	cancel()
	f.Emit(2)
	assert.Equal(t, []int{1, 10, 2}, got)
	assert.Equal(t, 1, f.Len())
}

type replica struct {
	doc  *doc.Doc
	conn *memory.Conn
	rep  *transport.Replicator
}

func join(t *testing.T, hub *memory.Hub, id string) *replica {
	t.Helper()
	d := doc.New(doc.WithClientID(id))
	conn := hub.Connect()
	rep := transport.NewReplicator(d, conn)
	rep.Start()
	t.Cleanup(rep.Stop)
	return &replica{doc: d, conn: conn, rep: rep}
}

func put(t *testing.T, d *doc.Doc, key, content string) {
	t.Helper()
	require.NoError(t, d.Transact(doc.OriginLocal, func(tx *doc.Tx) error {
		return tx.Put(doc.MapNodes, key, map[string]any{"type": "point", "data.content": content})
	}))
}

func TestLateJoinerCatchesUp(t *testing.T) {
	hub := memory.NewHub(nil)
	a := join(t, hub, "a")
	put(t, a.doc, "p1", "first")

	b := join(t, hub, "b")
	rec, ok := b.doc.Record(doc.MapNodes, "p1")
	require.True(t, ok)
	assert.Equal(t, "first", rec.String("data.content"))

	put(t, b.doc, "p2", "second")
	_, ok = a.doc.Record(doc.MapNodes, "p2")
	assert.True(t, ok)
	assert.Equal(t, a.doc.Materialize(), b.doc.Materialize())
}

func TestOfflineEditsMergeOnReconnect(t *testing.T) {
	hub := memory.NewHub(nil)
	a := join(t, hub, "a")
	b := join(t, hub, "b")

	b.conn.Disconnect()
	put(t, a.doc, "fromA", "a")
	put(t, b.doc, "fromB", "b")
	_, ok := a.doc.Record(doc.MapNodes, "fromB")
	require.False(t, ok)

	b.conn.Reconnect()
	assert.Equal(t, a.doc.Materialize(), b.doc.Materialize())
	assert.ElementsMatch(t, []string{"fromA", "fromB"}, a.doc.Keys(doc.MapNodes))
}

func TestRemoteUpdatesAreNotEchoed(t *testing.T) {
	hub := memory.NewHub(nil)
	a := join(t, hub, "a")
	b := join(t, hub, "b")
	before := b.rep.Stats().Sent

	put(t, a.doc, "p1", "x")
	assert.Equal(t, before, b.rep.Stats().Sent)
	assert.Zero(t, a.rep.Stats().Failures)
}

func TestInvalidUpdateCountsFailure(t *testing.T) {
	hub := memory.NewHub(nil)
	var errs []error
	d := doc.New(doc.WithClientID("a"))
	rep := transport.NewReplicator(d, hub.Connect(), transport.WithErrorHandler(func(err error) { errs = append(errs, err) }))
	rep.Start()
	defer rep.Stop()

	other := hub.Connect()
	require.NoError(t, other.Send(transport.Message{Kind: transport.KindUpdate, Payload: []byte{0xc1}}))
	assert.EqualValues(t, 1, rep.Stats().Failures)
	assert.Len(t, errs, 1)
}

func TestPresenceMembership(t *testing.T) {
	hub := memory.NewHub(nil)
	c1, c2 := hub.Connect(), hub.Connect()
	p1 := transport.NewPresence(c1, nil)
	p2 := transport.NewPresence(c2, nil)
	defer p1.Close()
	defer p2.Close()

	changes := 0
	p2.OnChange(func() { changes++ })

	p1.SetLocal(presence.Record{UserID: "u1", Name: "Ada"})
	p2.SetLocal(presence.Record{UserID: "u2", Name: "Bo"})

	states := p1.States()
	require.Len(t, states, 2)
	assert.Equal(t, "u2", states[c2.ID()].UserID)
	assert.Equal(t, c2.ID(), states[c2.ID()].ConnID)
	assert.Positive(t, changes)

	old := c1.ID()
	c1.Disconnect()
	assert.NotContains(t, p2.States(), old)
	assert.Len(t, p1.States(), 0, "offline connection has no id")

	c1.Reconnect()
	states = p2.States()
	require.Len(t, states, 2)
	assert.Equal(t, "u1", states[c1.ID()].UserID)
	assert.NotEqual(t, old, c1.ID())
	assert.Len(t, p1.States(), 2)
}

func TestPresenceLateJoinerSeesExistingRecords(t *testing.T) {
	hub := memory.NewHub(nil)
	c1 := hub.Connect()
	p1 := transport.NewPresence(c1, nil)
	p1.SetLocal(presence.Record{UserID: "u1"})

	c2 := hub.Connect()
	p2 := transport.NewPresence(c2, nil)
	states := p2.States()
	require.Contains(t, states, c1.ID())
	assert.Equal(t, "u1", states[c1.ID()].UserID)
}
