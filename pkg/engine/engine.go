// Package engine assembles one collection's dataspace, keyval, and
// bstream engines behind the operation queue, sync-coalescing, and
// metrics layers into the external interface of spec §6: callers Post
// an Op onto a role's worker pool and Test an opqueue.Context for its
// completion, rather than calling any component directly.
//
// The Start/Stop/worker-goroutine discipline uses a started flag guarded
// by a mutex, a stop channel, and a WaitGroup tracking the per-role
// worker goroutines.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/objectfs/dbpf/internal/attrcache"
	"github.com/objectfs/dbpf/internal/bstream"
	"github.com/objectfs/dbpf/internal/coalesce"
	"github.com/objectfs/dbpf/internal/dataspace"
	"github.com/objectfs/dbpf/internal/engineconfig"
	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/keyval"
	"github.com/objectfs/dbpf/internal/metrics"
	"github.com/objectfs/dbpf/internal/opencache"
	"github.com/objectfs/dbpf/internal/opqueue"
	"github.com/objectfs/dbpf/internal/region"
	"github.com/objectfs/dbpf/pkg/errors"
	"github.com/objectfs/dbpf/pkg/logging"
)

// OpID is the opaque operation identifier returned by Post.
type OpID = opqueue.ID

// State re-exports the opqueue descriptor state a posted Op moves
// through.
type State = opqueue.State

// Op is one unit of work posted to the engine.
type Op struct {
	// Role selects which of the four worker pools services this op
	// (spec §4.4).
	Role opqueue.Role

	// Handle is the dataspace this op concerns, used for coalescing
	// bookkeeping and log/metric labeling.
	Handle handle.Handle

	// Name labels this op for metrics and logging, e.g.
	// "dataspace.create" or "bstream.write".
	Name string

	// SyncRequired marks this op has requested its metadata write be
	// durable before completion is reported (spec §4.6).
	SyncRequired bool

	// CoalesceDomain selects which sync-coalescing context accounts
	// for this op. Bstream I/O ops leave this unset (zero value) and
	// set SyncAffecting false, since they sync through SizeSync
	// instead.
	CoalesceDomain coalesce.Domain

	// SyncAffecting marks this op as participating in the
	// sync-coalescing engine's watermark accounting (spec §4.6).
	// Bstream I/O ops set this false.
	SyncAffecting bool

	// Run performs the actual dataspace/keyval/bstream call.
	Run func(ctx context.Context) error
}

// Engine ties one collection's engines to the operation queue,
// sync-coalescing, and metrics layers.
type Engine struct {
	region *region.Region
	coll   *region.Collection
	id     uint32

	Dataspace  *dataspace.Engine
	Keyval     *keyval.Engine
	AIO        *bstream.AIOPath
	ThreadPool *bstream.ThreadPoolPath

	openCache *opencache.Pool
	attrCache *attrcache.Cache

	queue      *opqueue.Engine
	dsCoalesce *coalesce.Context
	kvCoalesce *coalesce.Context

	metrics *metrics.Collector
	logger  *logging.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New assembles an Engine for collectionID within r, creating the
// collection on first use. cctx is the notify context of the engine's
// two coalescing contexts: every sync-affecting op posted to this Engine
// completes there, whatever context was passed to Post. Other ops
// complete through the context passed to Post.
func New(r *region.Region, collectionID uint32, cfg engineconfig.CollectionConfig, cctx *opqueue.Context, mc *metrics.Collector, logger *logging.Logger) (*Engine, error) {
	coll, err := r.Lookup(collectionID)
	if err != nil {
		if errors.KindOf(err) != errors.NotFound {
			return nil, err
		}
		coll, err = r.CreateCollection(collectionID)
		if err != nil {
			return nil, err
		}
	}

	numBuckets := cfg.OpenCache.NumBuckets
	if numBuckets == 0 {
		numBuckets = region.DefaultBuckets
	}
	pathFor := func(c uint32, h handle.Handle) string {
		return r.BstreamPath(c, h, numBuckets)
	}
	poolSize := cfg.OpenCache.PoolSize
	if poolSize <= 0 {
		poolSize = 64
	}
	pool := opencache.NewPool(poolSize, pathFor)

	ac := attrcache.New(cfg.AttributeCache)
	kv := keyval.New(coll.Keyval)
	ds := dataspace.New(coll.DataspaceAttrs, kv, pool, ac, collectionID, logger)

	e := &Engine{
		region:     r,
		coll:       coll,
		id:         collectionID,
		Dataspace:  ds,
		Keyval:     kv,
		openCache:  pool,
		attrCache:  ac,
		queue:      opqueue.NewEngine(),
		metrics:    mc,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	coalCfg := coalesce.Config{
		MetaSyncEnabled: cfg.Coalescing.MetaSyncEnabled,
		HighWatermark:   cfg.Coalescing.HighWatermark,
		LowWatermark:    cfg.Coalescing.LowWatermark,
	}
	e.dsCoalesce = coalesce.NewContext(coalCfg, ds.Sync, cctx)
	e.kvCoalesce = coalesce.NewContext(coalCfg, kv.Sync, cctx)

	sizeSync := func(h handle.Handle, endOfRequest uint64, syncRequired bool) error {
		attr, err := ds.GetAttr(h)
		if err != nil {
			return err
		}
		if endOfRequest <= attr.Size {
			return nil
		}
		attr.Size = endOfRequest

		// The size update is itself a DSPACE_SETATTR, so it rides the
		// same sync-coalescing path every other metadata write does
		// rather than forcing its own sync call; the coalescer
		// decides whether this flush fires now or batches with
		// concurrent metadata syncs under the watermark.
		d := &opqueue.Descriptor{
			Type:   "dataspace.setattr.sizesync",
			Handle: h,
			Flags:  opqueue.Flags{SyncRequired: syncRequired},
		}
		e.dsCoalesce.Enqueue(d)
		setErr := ds.SetAttr(h, attr)
		if syncErr := e.dsCoalesce.Coalesce(d, true, setErr); syncErr != nil {
			return syncErr
		}
		return setErr
	}

	e.AIO = bstream.NewAIOPath(pool, collectionID, cfg.DirectIO.MaxConcurrentIO, cfg.DirectIO.OpsPerQueue, sizeSync, logger)
	e.ThreadPool = bstream.NewThreadPoolPath(pool, collectionID, cfg.DirectIO.ThreadCount)

	return e, nil
}

// Start launches one worker goroutine per role queue.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.stopCh = make(chan struct{})

	for role := opqueue.RoleMetaRead; role <= opqueue.RoleBackgroundRemoval; role++ {
		e.wg.Add(1)
		go e.workerLoop(role)
	}
	return nil
}

// Stop signals every worker to exit and waits for them to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	return nil
}

// Close stops the worker pool (if running) and closes the collection's
// databases.
func (e *Engine) Close() error {
	if e.started {
		_ = e.Stop()
	}
	return e.coll.Close()
}

func (e *Engine) workerLoop(role opqueue.Role) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	q := e.queue.Queue(role)
	for {
		d := q.Pop(ctx)
		if d == nil {
			return
		}
		e.service(ctx, d)
	}
}

func (e *Engine) service(ctx context.Context, d *opqueue.Descriptor) {
	d.BeginService()
	start := time.Now()
	err := d.Service(ctx)
	e.metrics.RecordOperation(d.Type, time.Since(start), err)
	if err != nil {
		e.metrics.RecordError(d.Type, string(errors.KindOf(err)))
	}

	switch token := d.UserToken.(type) {
	case opDomainKey:
		var cerr error
		var label string
		if token.domain == coalesce.DomainKeyval {
			cerr = e.kvCoalesce.Coalesce(d, true, err)
			label = "keyval"
		} else {
			cerr = e.dsCoalesce.Coalesce(d, true, err)
			label = "dataspace"
		}
		if cerr != nil && e.logger != nil {
			e.logger.WithField("op", d.Type).Warn(label+" coalesced sync failed", map[string]interface{}{"error": cerr.Error()})
		}
	case directCompletionKey:
		// bstream I/O and other non-metadata ops sync through their
		// own path (SizeSync) and complete directly against the
		// caller's own context rather than the coalescing notify.
		d.Finish(opqueue.Completed, err)
		token.cctx.Complete(d)
	}
}

// opDomainKey is attached to a sync-affecting descriptor's UserToken to
// route its completion to the right coalescing context without
// widening opqueue.Descriptor with an engine-specific field.
type opDomainKey struct {
	domain coalesce.Domain
}

// directCompletionKey is attached to a non-coalesced descriptor's
// UserToken, carrying the caller context its completion notifies.
type directCompletionKey struct {
	cctx *opqueue.Context
}

// Post queues op onto its role's worker pool, returning its opaque
// operation id. Sync-coalesced ops (SyncAffecting) complete through the
// engine's bound coalescing notify target (passed to New), since
// coalescing batches completions across callers; every other op
// completes directly through cctx, the calling caller-context.
func (e *Engine) Post(ctx context.Context, cctx *opqueue.Context, op Op) (OpID, error) {
	d := &opqueue.Descriptor{
		Type:    op.Name,
		Handle:  op.Handle,
		Flags:   opqueue.Flags{SyncRequired: op.SyncRequired},
		Service: op.Run,
	}
	if op.SyncAffecting {
		d.UserToken = opDomainKey{domain: op.CoalesceDomain}
		if op.CoalesceDomain == coalesce.DomainKeyval {
			e.kvCoalesce.Enqueue(d)
		} else {
			e.dsCoalesce.Enqueue(d)
		}
	} else {
		d.UserToken = directCompletionKey{cctx: cctx}
	}

	id := e.queue.Post(d, op.Role)
	return id, nil
}

// Info summarizes the region's backing filesystem (spec §6 GetInfo).
type Info struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
	BlockSize      int64
}

// GetInfo reports free/available space on the region's data path via
// statfs.
func (e *Engine) GetInfo(dataPath string) (Info, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dataPath, &st); err != nil {
		return Info{}, errors.Wrap(errors.FromErrno(err), err, "statfs").WithComponent("engine")
	}
	bsize := int64(st.Bsize)
	return Info{
		TotalBytes:     uint64(bsize) * st.Blocks,
		FreeBytes:      uint64(bsize) * st.Bfree,
		AvailableBytes: uint64(bsize) * st.Bavail,
		BlockSize:      bsize,
	}, nil
}
