package keyval

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/kvstore"
	"github.com/objectfs/dbpf/pkg/errors"
)

func openTestDB(t *testing.T) *kvstore.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyval.db")
	db, err := kvstore.Open(path, kvstore.CompareKeyval, true)
	require.NoError(t, err, "kvstore.Open")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWriteThenRead(t *testing.T) {
	e := New(openTestDB(t))
	h := handle.New()

	require.NoError(t, e.Write(h, Generic, []byte("owner"), []byte("alice"), false))
	got, err := e.Read(h, Generic, []byte("owner"))
	require.NoError(t, err)
	assert.Equal(t, "alice", string(got))
}

func TestWriteWithoutOverwriteRejectsExisting(t *testing.T) {
	e := New(openTestDB(t))
	h := handle.New()

	require.NoError(t, e.Write(h, Generic, []byte("k"), []byte("v1"), false), "first Write")
	err := e.Write(h, Generic, []byte("k"), []byte("v2"), false)
	assert.Equal(t, errors.AlreadyExists, errors.KindOf(err))
}

func TestRemove(t *testing.T) {
	e := New(openTestDB(t))
	h := handle.New()

	_ = e.Write(h, Generic, []byte("k"), []byte("v"), false)
	require.NoError(t, e.Remove(h, Generic, []byte("k")))

	_, err := e.Read(h, Generic, []byte("k"))
	assert.Equal(t, errors.NotFound, errors.KindOf(err))
}

func TestIterateOrdersByTypeThenKey(t *testing.T) {
	e := New(openTestDB(t))
	h := handle.New()

	_ = e.Write(h, Generic, []byte("b"), []byte("2"), false)
	_ = e.Write(h, Generic, []byte("a"), []byte("1"), false)
	_ = e.Write(h, Dirent, []byte("a"), []byte("d1"), false)

	entries, next, end, err := e.Iterate(h, nil, 10)
	require.NoError(t, err)
	assert.True(t, end, "expected end=true for a count covering everything")
	assert.Nil(t, next)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", string(entries[0].Key))
	assert.Equal(t, Generic, entries[0].Type)
	assert.Equal(t, Dirent, entries[2].Type, "Dirent sorts after Generic")
}

func TestIterateResumesAtNextKey(t *testing.T) {
	e := New(openTestDB(t))
	h := handle.New()

	for _, k := range []string{"a", "b", "c"} {
		_ = e.Write(h, Generic, []byte(k), []byte(k), false)
	}

	first, next, end, err := e.Iterate(h, nil, 2)
	require.NoError(t, err)
	assert.False(t, end, "did not expect end after reading 2 of 3 entries")
	require.Len(t, first, 2)

	rest, _, end, err := e.Iterate(h, next, 2)
	require.NoError(t, err, "Iterate resume")
	assert.True(t, end, "expected end=true on final page")
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Key))
}

func TestIterateScopedToHandle(t *testing.T) {
	e := New(openTestDB(t))
	h1, h2 := handle.New(), handle.New()

	_ = e.Write(h1, Generic, []byte("k"), []byte("v1"), false)
	_ = e.Write(h2, Generic, []byte("k"), []byte("v2"), false)

	entries, _, _, err := e.Iterate(h1, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v1", string(entries[0].Value))
}

func TestVisitAndDeleteRemovesAllEntriesForHandle(t *testing.T) {
	e := New(openTestDB(t))
	h1, h2 := handle.New(), handle.New()

	_ = e.Write(h1, Generic, []byte("a"), []byte("1"), false)
	_ = e.Write(h1, Dirent, []byte("b"), []byte("2"), false)
	_ = e.Write(h2, Generic, []byte("a"), []byte("3"), false)

	var visited int
	require.NoError(t, e.VisitAndDelete(h1, func(kt Type, key, value []byte) { visited++ }))
	assert.Equal(t, 2, visited)

	entries, _, _, err := e.Iterate(h1, nil, 10)
	require.NoError(t, err, "Iterate after delete")
	assert.Empty(t, entries, "expected h1 fully cleared")

	entries2, _, _, err := e.Iterate(h2, nil, 10)
	require.NoError(t, err, "Iterate h2")
	assert.Len(t, entries2, 1, "expected h2 untouched")
}
