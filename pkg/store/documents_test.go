package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocuments(t *testing.T) *Documents {
	t.Helper()
	s, err := OpenBadger("", WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewDocuments(s)
}

func TestDocumentsLoadMissing(t *testing.T) {
	docs := newTestDocuments(t)
	_, _, err := docs.Load("board")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDocumentsAppendThenLoad(t *testing.T) {
	docs := newTestDocuments(t)
	require.NoError(t, docs.AppendUpdate("board", []byte("u1")))
	require.NoError(t, docs.AppendUpdate("board", []byte("u2")))

	snap, updates, err := docs.Load("board")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2")}, updates)
}

func TestDocumentsUpdateOrderPastByteBoundary(t *testing.T) {
	docs := newTestDocuments(t)
	for i := 0; i < 300; i++ {
		require.NoError(t, docs.AppendUpdate("board", []byte{byte(i % 256), byte(i / 256)}))
	}
	_, updates, err := docs.Load("board")
	require.NoError(t, err)
	require.Len(t, updates, 300)
	assert.Equal(t, []byte{255, 0}, updates[255])
	assert.Equal(t, []byte{0, 1}, updates[256])
}

func TestDocumentsSnapshotCompactsUpdates(t *testing.T) {
	docs := newTestDocuments(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	docs.now = func() time.Time { return at }

	require.NoError(t, docs.AppendUpdate("board", []byte("u1")))
	require.NoError(t, docs.SaveSnapshot("board", []byte("full")))
	require.NoError(t, docs.AppendUpdate("board", []byte("u2")))

	snap, updates, err := docs.Load("board")
	require.NoError(t, err)
	assert.Equal(t, []byte("full"), snap)
	assert.Equal(t, [][]byte{[]byte("u2")}, updates)

	info, err := docs.Info("board")
	require.NoError(t, err)
	assert.Equal(t, "board", info.ID)
	assert.True(t, info.SavedAt.Equal(at))
	assert.Equal(t, 4, info.Size)
	assert.EqualValues(t, 1, info.Snapshots)
	assert.EqualValues(t, 2, info.NextSeq)
}

func TestDocumentsListAndDelete(t *testing.T) {
	docs := newTestDocuments(t)
	require.NoError(t, docs.SaveSnapshot("a", []byte("x")))
	require.NoError(t, docs.AppendUpdate("b", []byte("y")))

	ids, err := docs.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, docs.Delete("a"))
	_, _, err = docs.Load("a")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	ids, err = docs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestDocumentsRejectInvalidID(t *testing.T) {
	docs := newTestDocuments(t)
	for _, id := range []string{"", "a/b", "x\x00"} {
		assert.Error(t, docs.AppendUpdate(id, []byte("u")), id)
		assert.Error(t, docs.SaveSnapshot(id, []byte("s")), id)
	}
}

func TestBadgerGetMissing(t *testing.T) {
	s, err := OpenBadger("", WithInMemory())
	require.NoError(t, err)
	defer s.Close()

	err = s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("nope"))
		return err
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBadgerOptionValidation(t *testing.T) {
	_, err := OpenBadger("", WithInMemory(), WithValueLogFileSize(0))
	assert.Error(t, err)
}

func TestBadgerPersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, NewDocuments(s).SaveSnapshot("board", []byte("snap")))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()
	snap, _, err := NewDocuments(s).Load("board")
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), snap)
}
