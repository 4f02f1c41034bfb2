// Package coalesce implements the sync-coalescing engine (spec §4.6):
// watermark-driven batching of database syncs across keyval and
// dataspace metadata writes.
//
// The watermark/flush discipline generalizes a maxBatchSize/maxWaitTime
// flush-on-threshold batching pattern, trading fixed op-type batches for
// two independent per-collection coalescing contexts and a counter pair
// instead of a timer, since §4.6 bounds latency by operation count, not
// wall-clock.
package coalesce

import (
	"sync"

	"github.com/objectfs/dbpf/internal/opqueue"
)

// Domain distinguishes the two independent coalescing contexts a
// collection carries.
type Domain int

const (
	DomainDataspace Domain = iota
	DomainKeyval
)

func (d Domain) String() string {
	if d == DomainKeyval {
		return "keyval"
	}
	return "dataspace"
}

// Config is a collection's coalescing knobs (spec §4.6, §4.13).
type Config struct {
	MetaSyncEnabled bool
	HighWatermark   int
	LowWatermark    int
}

// SyncFunc performs the actual database sync for a context's domain.
type SyncFunc func() error

// Context is one coalescing context: either the dataspace or the keyval
// side of a single collection (spec §4.6). pkg/engine builds one pair per
// collection, not one pair per caller context.
type Context struct {
	mu sync.Mutex

	cfg    Config
	syncFn SyncFunc
	notify *opqueue.Context

	syncCounter     int
	coalesceCounter int
	queue           []*opqueue.Descriptor
}

// NewContext builds a coalescing context bound to syncFn for its
// database sync and notify for posting completions.
func NewContext(cfg Config, syncFn SyncFunc, notify *opqueue.Context) *Context {
	return &Context{cfg: cfg, syncFn: syncFn, notify: notify}
}

// Enqueue accounts for d at post time (spec §4.6: "the appropriate
// counter is incremented at post time").
func (c *Context) Enqueue(d *opqueue.Descriptor) {
	if !d.Flags.SyncRequired {
		return
	}
	c.mu.Lock()
	c.syncCounter++
	c.mu.Unlock()
}

// Coalesce processes d after its service routine has returned rc. Pass
// syncAffecting=false for operation types the coalescing engine does not
// participate in (e.g. bstream I/O, which syncs through its own path).
func (c *Context) Coalesce(d *opqueue.Descriptor, syncAffecting bool, rc error) error {
	if !syncAffecting {
		c.complete(d, rc)
		return nil
	}

	if !d.Flags.SyncRequired {
		c.complete(d, rc)
		if c.cfg.MetaSyncEnabled {
			return nil
		}
		c.mu.Lock()
		c.coalesceCounter++
		fire := c.watermarksFireLocked()
		c.mu.Unlock()
		if fire {
			return c.syncFn()
		}
		return nil
	}

	if !c.cfg.MetaSyncEnabled {
		// I7: a sync-required op is never elided even with coalescing
		// disabled for this collection.
		err := c.syncFn()
		c.mu.Lock()
		c.syncCounter--
		c.mu.Unlock()
		c.complete(d, firstErr(rc, err))
		return err
	}

	c.mu.Lock()
	if c.watermarksFireLocked() {
		queued := c.queue
		c.queue = nil
		c.coalesceCounter = 0
		c.mu.Unlock()

		err := c.syncFn()
		c.mu.Lock()
		c.syncCounter -= len(queued) + 1
		c.mu.Unlock()

		for _, qd := range queued {
			c.complete(qd, err)
		}
		c.complete(d, firstErr(rc, err))
		return err
	}

	c.queue = append(c.queue, d)
	c.coalesceCounter++
	c.mu.Unlock()
	return nil
}

// watermarksFireLocked reports whether a sync should be issued now.
// Caller must hold c.mu.
func (c *Context) watermarksFireLocked() bool {
	return c.coalesceCounter >= c.cfg.HighWatermark || c.syncCounter < c.cfg.LowWatermark
}

func (c *Context) complete(d *opqueue.Descriptor, err error) {
	d.Finish(opqueue.Completed, err)
	c.notify.Complete(d)
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// Pending reports the number of descriptors currently on the sync queue,
// awaiting the next batched sync.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
