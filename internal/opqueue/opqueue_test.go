package opqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/dbpf/pkg/errors"
)

func TestPostAndLookup(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	d := &Descriptor{Type: "KEYVAL_WRITE"}
	id := e.Post(d, RoleMetaWrite)

	require.Equal(t, d, e.Lookup(id))
	assert.Equal(t, Queued, d.State())
}

func TestLookupAfterReleaseReturnsNil(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	d := &Descriptor{Type: "DSPACE_GETATTR"}
	id := e.Post(d, RoleMetaRead)
	e.Release(id)

	assert.Nil(t, e.Lookup(id), "Lookup after Release")
}

func TestGenerationPreventsStaleLookup(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	d1 := &Descriptor{Type: "A"}
	id1 := e.Post(d1, RoleIO)
	e.Release(id1)

	d2 := &Descriptor{Type: "B"}
	id2 := e.Post(d2, RoleIO)

	require.NotEqual(t, id1, id2, "expected reused slot to carry a new generation")
	assert.Nil(t, e.Lookup(id1), "stale id should no longer resolve")
	assert.Equal(t, d2, e.Lookup(id2), "fresh id in the reused slot should resolve to the new descriptor")
}

func TestQueuePushPopFIFO(t *testing.T) {
	t.Parallel()
	q := newQueue()

	d1 := &Descriptor{Type: "first"}
	d2 := &Descriptor{Type: "second"}
	q.Push(d1)
	q.Push(d2)

	got1 := q.Pop(context.Background())
	got2 := q.Pop(context.Background())
	assert.Equal(t, d1, got1, "FIFO pop order")
	assert.Equal(t, d2, got2, "FIFO pop order")
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := newQueue()

	resultCh := make(chan *Descriptor, 1)
	go func() {
		resultCh <- q.Pop(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	d := &Descriptor{Type: "late"}
	q.Push(d)

	select {
	case got := <-resultCh:
		assert.Equal(t, d, got)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueuePopCanceledByContext(t *testing.T) {
	t.Parallel()
	q := newQueue()

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan *Descriptor, 1)
	go func() {
		resultCh <- q.Pop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case got := <-resultCh:
		assert.Nil(t, got, "expected nil after cancellation")
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after context cancellation")
	}
}

func TestCancelQueuedMarksCanceled(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	d := &Descriptor{Type: "KEYVAL_REMOVE"}
	e.Post(d, RoleMetaWrite)

	require.NoError(t, e.Cancel(d))
	assert.Equal(t, Canceled, d.State())
	assert.Zero(t, e.Queue(RoleMetaWrite).Len(), "canceled descriptor should be removed from its queue")
}

func TestCancelInServiceOtherTypeIsNoop(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	d := &Descriptor{Type: "DSPACE_SETATTR"}
	e.Post(d, RoleMetaWrite)
	e.Queue(RoleMetaWrite).Pop(context.Background())
	d.BeginService()

	require.NoError(t, e.Cancel(d))
	assert.Equal(t, InService, d.State(), "cancel is a no-op mid-service")
}

func TestContextCompleteAndTest(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	cctx := NewContext()

	d := &Descriptor{Type: "KEYVAL_WRITE"}
	id := e.Post(d, RoleMetaWrite)
	d.Finish(Completed, nil)
	cctx.Complete(d)

	err, complete := cctx.Test(id, time.Second)
	require.True(t, complete, "expected Test to observe completion")
	assert.NoError(t, err)

	// Exactly one Test call observes completion; the second call against
	// the same id must not see it again.
	_, complete = cctx.Test(id, 10*time.Millisecond)
	assert.False(t, complete, "second Test call should not re-observe the same completion")
}

func TestContextTestTimesOut(t *testing.T) {
	t.Parallel()
	cctx := NewContext()

	_, complete := cctx.Test(ID(42), 30*time.Millisecond)
	assert.False(t, complete, "expected timeout, not completion")
}

func TestContextTestCarriesError(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	cctx := NewContext()

	d := &Descriptor{Type: "DSPACE_CREATE"}
	id := e.Post(d, RoleMetaWrite)
	wantErr := errors.New(errors.AlreadyExists, "handle in use")
	d.Finish(Completed, wantErr)
	cctx.Complete(d)

	err, complete := cctx.Test(id, time.Second)
	require.True(t, complete, "expected completion")
	assert.Equal(t, wantErr, err)
}

func TestContextTestContextDrains(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	cctx := NewContext()

	ids := make([]ID, 3)
	for i := range ids {
		d := &Descriptor{Type: "KEYVAL_WRITE"}
		ids[i] = e.Post(d, RoleMetaWrite)
		d.Finish(Completed, nil)
		cctx.Complete(d)
	}

	drained := cctx.TestContext(10)
	assert.Len(t, drained, 3)
}

func TestContextTestSome(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	cctx := NewContext()

	d1 := &Descriptor{Type: "A"}
	id1 := e.Post(d1, RoleMetaWrite)
	d1.Finish(Completed, nil)
	cctx.Complete(d1)

	d2 := &Descriptor{Type: "B"}
	id2 := e.Post(d2, RoleMetaWrite)
	// d2 is left incomplete on purpose.

	results := cctx.TestSome([]ID{id1, id2}, 30*time.Millisecond)
	_, ok := results[id1]
	assert.True(t, ok, "expected id1 to be present in results")
	_, ok = results[id2]
	assert.False(t, ok, "id2 never completed and should be absent")
}
