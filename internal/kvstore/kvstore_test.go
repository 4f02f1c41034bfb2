package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/dbpf/pkg/errors"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, CompareLex, true)
	require.NoError(t, err, "Open")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenWithoutCreateFlagMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, CompareLex, false)
	require.Equal(t, errors.NotFound, errors.KindOf(err))
}

func TestPutGetDel(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	key, val := []byte("k1"), []byte("v1")
	require.NoError(t, db.Put(key, val, AllowOverwrite))

	got, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, val, got)

	require.NoError(t, db.Del(key))
	_, err = db.Get(key)
	assert.Equal(t, errors.NotFound, errors.KindOf(err), "expected NotFound after Del")
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	_, err := db.Get([]byte("absent"))
	assert.Equal(t, errors.NotFound, errors.KindOf(err))
}

func TestPutNoOverwriteRejectsExisting(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	key := []byte("k")
	require.NoError(t, db.Put(key, []byte("first"), NoOverwrite), "first Put")
	err := db.Put(key, []byte("second"), NoOverwrite)
	assert.Equal(t, errors.AlreadyExists, errors.KindOf(err))
}

func TestDelMissingIsNotFound(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	assert.Equal(t, errors.NotFound, errors.KindOf(db.Del([]byte("absent"))))
}

func TestCursorIterationOrder(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, k := range keys {
		require.NoError(t, db.Put(k, k, AllowOverwrite))
	}

	cur, err := db.NewCursor(false)
	require.NoError(t, err)
	defer cur.Close()

	var got []string
	k, v, ok := cur.Get(First, nil)
	for ok {
		got = append(got, string(k))
		assert.Equal(t, k, v, "key/value mismatch")
		k, v, ok = cur.Get(Next, nil)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCursorSetRangeAndDelete(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, db.Put([]byte(k), []byte(k), AllowOverwrite))
	}

	cur, err := db.NewCursor(true)
	require.NoError(t, err)

	k, _, ok := cur.Get(SetRange, []byte("b"))
	require.True(t, ok)
	require.Equal(t, "b", string(k))

	require.NoError(t, cur.Del())
	require.NoError(t, cur.Close())

	_, err = db.Get([]byte("b"))
	assert.Equal(t, errors.NotFound, errors.KindOf(err), "expected b removed by cursor delete")

	_, err = db.Get([]byte("a"))
	assert.NoError(t, err, "unrelated key a should survive")
}

func TestCursorSetRangeBeyondEnd(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	require.NoError(t, db.Put([]byte("a"), []byte("a"), AllowOverwrite))

	cur, err := db.NewCursor(false)
	require.NoError(t, err)
	defer cur.Close()

	_, _, ok := cur.Get(SetRange, []byte("z"))
	assert.False(t, ok, "expected SetRange past the last key to return ok=false")
}
