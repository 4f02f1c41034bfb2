package coalesce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/dbpf/internal/opqueue"
)

func countingSync(n *int32) SyncFunc {
	return func() error {
		atomic.AddInt32(n, 1)
		return nil
	}
}

func TestNotSyncAffectingCompletesImmediately(t *testing.T) {
	t.Parallel()
	notify := opqueue.NewContext()
	var syncs int32
	c := NewContext(Config{MetaSyncEnabled: true, HighWatermark: 4, LowWatermark: 1}, countingSync(&syncs), notify)

	d := &opqueue.Descriptor{Type: "BSTREAM_WRITE_LIST"}
	require.NoError(t, c.Coalesce(d, false, nil))
	assert.Zero(t, syncs)

	err, complete := notify.Test(d.ID(), time.Second)
	assert.True(t, complete, "expected immediate completion")
	assert.NoError(t, err)
}

func TestNonSyncRequiredCompletesImmediatelyAndAccountsWhenDisabled(t *testing.T) {
	t.Parallel()
	notify := opqueue.NewContext()
	var syncs int32
	c := NewContext(Config{MetaSyncEnabled: false, HighWatermark: 2, LowWatermark: 0}, countingSync(&syncs), notify)

	e := opqueue.NewEngine()
	d1 := &opqueue.Descriptor{Type: "KEYVAL_READ"}
	e.Post(d1, opqueue.RoleMetaRead)

	require.NoError(t, c.Coalesce(d1, true, nil))
	err, complete := notify.Test(d1.ID(), time.Second)
	assert.True(t, complete, "expected immediate completion")
	assert.NoError(t, err)
	require.Zero(t, syncs, "syncs after first op")

	d2 := &opqueue.Descriptor{Type: "KEYVAL_READ"}
	e.Post(d2, opqueue.RoleMetaRead)
	require.NoError(t, c.Coalesce(d2, true, nil))
	assert.EqualValues(t, 1, syncs, "syncs after reaching high watermark")
}

func TestSyncRequiredWithCoalescingDisabledNeverElided(t *testing.T) {
	t.Parallel()
	notify := opqueue.NewContext()
	var syncs int32
	c := NewContext(Config{MetaSyncEnabled: false, HighWatermark: 100, LowWatermark: 0}, countingSync(&syncs), notify)

	e := opqueue.NewEngine()
	d := &opqueue.Descriptor{Type: "KEYVAL_WRITE", Flags: opqueue.Flags{SyncRequired: true}}
	e.Post(d, opqueue.RoleMetaWrite)
	c.Enqueue(d)

	require.NoError(t, c.Coalesce(d, true, nil))
	assert.EqualValues(t, 1, syncs, "sync-required must never be elided")

	err, complete := notify.Test(d.ID(), time.Second)
	assert.True(t, complete)
	assert.NoError(t, err)
}

// TestWatermarkCoalescingScenario reproduces the scenario of a
// high_watermark=4, low_watermark=1, meta_sync_enabled=true pipeline: 5
// sync-required KEYVAL_WRITE operations yield exactly one sync and all
// five complete.
func TestWatermarkCoalescingScenario(t *testing.T) {
	t.Parallel()
	notify := opqueue.NewContext()
	var syncs int32
	c := NewContext(Config{MetaSyncEnabled: true, HighWatermark: 4, LowWatermark: 1}, countingSync(&syncs), notify)

	e := opqueue.NewEngine()
	descs := make([]*opqueue.Descriptor, 5)
	for i := range descs {
		d := &opqueue.Descriptor{Type: "KEYVAL_WRITE", Flags: opqueue.Flags{SyncRequired: true}}
		e.Post(d, opqueue.RoleMetaWrite)
		c.Enqueue(d)
		descs[i] = d
	}

	for _, d := range descs {
		require.NoError(t, c.Coalesce(d, true, nil))
	}

	assert.EqualValues(t, 1, syncs, "expected exactly one coalesced sync")
	for i, d := range descs {
		err, complete := notify.Test(d.ID(), time.Second)
		assert.Truef(t, complete, "op %d: expected completion", i)
		assert.NoErrorf(t, err, "op %d", i)
	}
}

func TestLowWatermarkForcesSyncUnderLightLoad(t *testing.T) {
	t.Parallel()
	notify := opqueue.NewContext()
	var syncs int32
	// low_watermark=2: once fewer than 2 sync-required ops are
	// outstanding, even a non-sync-required op under disabled coalescing
	// forces an immediate sync rather than waiting for high_watermark.
	c := NewContext(Config{MetaSyncEnabled: false, HighWatermark: 100, LowWatermark: 2}, countingSync(&syncs), notify)

	e := opqueue.NewEngine()
	d := &opqueue.Descriptor{Type: "KEYVAL_READ"}
	e.Post(d, opqueue.RoleMetaRead)

	require.NoError(t, c.Coalesce(d, true, nil))
	assert.EqualValues(t, 1, syncs, "syncCounter 0 < lowWatermark 2 should force a sync")
}

func TestPendingReflectsQueuedCount(t *testing.T) {
	t.Parallel()
	notify := opqueue.NewContext()
	var syncs int32
	c := NewContext(Config{MetaSyncEnabled: true, HighWatermark: 10, LowWatermark: 0}, countingSync(&syncs), notify)

	e := opqueue.NewEngine()
	d := &opqueue.Descriptor{Type: "KEYVAL_WRITE", Flags: opqueue.Flags{SyncRequired: true}}
	e.Post(d, opqueue.RoleMetaWrite)
	c.Enqueue(d)
	_ = c.Coalesce(d, true, nil)

	assert.EqualValues(t, 1, c.Pending())
}
