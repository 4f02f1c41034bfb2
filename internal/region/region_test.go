package region

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/kvstore"
	"github.com/objectfs/dbpf/pkg/errors"
)

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	root := t.TempDir()
	r, err := Initialize(filepath.Join(root, "data"), filepath.Join(root, "meta"), nil)
	require.NoError(t, err, "Initialize")
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// TestStorageLifecycle creates a region, creates 3 collections, closes,
// reopens, and lists collections: all 3 must appear with their original
// ids.
func TestStorageLifecycle(t *testing.T) {
	root := t.TempDir()
	dataPath := filepath.Join(root, "data")
	metaPath := filepath.Join(root, "meta")

	r, err := Initialize(dataPath, metaPath, nil)
	require.NoError(t, err, "Initialize")

	ids := []uint32{1, 2, 3}
	for _, id := range ids {
		c, err := r.CreateCollection(id)
		require.NoErrorf(t, err, "CreateCollection(%d)", id)
		require.NoErrorf(t, c.Close(), "Collection.Close(%d)", id)
	}
	require.NoError(t, r.Close(), "Region.Close")

	r2, err := Initialize(dataPath, metaPath, nil)
	require.NoError(t, err, "re-Initialize")
	t.Cleanup(func() { _ = r2.Close() })

	got, err := r2.ListCollections()
	require.NoError(t, err, "ListCollections")
	want := map[uint32]bool{1: true, 2: true, 3: true}
	require.Len(t, got, len(want))
	for _, id := range got {
		assert.Truef(t, want[id], "unexpected collection id %d", id)
	}
}

func TestCreateCollectionStampsVersion(t *testing.T) {
	r := newTestRegion(t)
	c, err := r.CreateCollection(7)
	require.NoError(t, err)
	defer c.Close()

	v, err := c.CollectionAttrs.Get([]byte(versionKey))
	require.NoError(t, err, "Get version key")
	assert.Equal(t, CurrentVersion, string(v))
}

func TestLookupRejectsIncompatibleMajorMinor(t *testing.T) {
	r := newTestRegion(t)
	c, err := r.CreateCollection(9)
	require.NoError(t, err)
	require.NoError(t, c.CollectionAttrs.Put([]byte(versionKey), []byte("2.0.0"), kvstore.AllowOverwrite))
	require.NoError(t, c.Close())

	_, err = r.Lookup(9)
	assert.Equal(t, errors.IncompatibleVersion, errors.KindOf(err))
}

func TestLookupAcceptsPatchDrift(t *testing.T) {
	r := newTestRegion(t)
	c, err := r.CreateCollection(11)
	require.NoError(t, err)
	require.NoError(t, c.CollectionAttrs.Put([]byte(versionKey), []byte("1.0.99"), kvstore.AllowOverwrite))
	require.NoError(t, c.Close())

	got, err := r.Lookup(11)
	require.NoError(t, err)
	_ = got.Close()
}

func TestLookupMissingCollectionIsNotFound(t *testing.T) {
	r := newTestRegion(t)
	_, err := r.Lookup(404)
	assert.Equal(t, errors.NotFound, errors.KindOf(err))
}

func TestBstreamPathShardsbyBucket(t *testing.T) {
	r := newTestRegion(t)
	h := handle.New()
	path := r.BstreamPath(5, h, 16)
	assert.NotEmpty(t, filepath.Base(filepath.Dir(path)), "expected a bucket directory component")
}

func TestScavengeMovesOrphanedBstream(t *testing.T) {
	root := t.TempDir()
	r, err := Initialize(filepath.Join(root, "data"), filepath.Join(root, "meta"), nil)
	require.NoError(t, err, "Initialize")

	c, err := r.CreateCollection(1)
	require.NoError(t, err)
	_ = c.Close()

	h := handle.New()
	orphanPath := r.BstreamPath(1, h, DefaultBuckets)
	require.NoError(t, os.MkdirAll(filepath.Dir(orphanPath), 0o755))
	require.NoError(t, os.WriteFile(orphanPath, []byte("orphan"), 0o644))
	require.NoError(t, r.Close())

	// Re-initializing scavenges every existing collection's stranded
	// bstreams, since the dataspace record for h was never created.
	r2, err := Initialize(filepath.Join(root, "data"), filepath.Join(root, "meta"), nil)
	require.NoError(t, err, "re-Initialize")
	defer r2.Close()

	_, err = os.Stat(orphanPath)
	assert.True(t, os.IsNotExist(err), "expected orphan bstream moved out of its bucket")

	_, err = os.Stat(r2.StrandedPath(1, h))
	assert.NoError(t, err, "expected orphan bstream present under stranded-bstreams")
}
