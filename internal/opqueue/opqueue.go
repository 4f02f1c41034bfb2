// Package opqueue implements the operation queue & identity layer (spec
// §4.4) plus the context & completion layer (spec §4.5): FIFO queues per
// worker pool, a fast opaque-id registry, and per-caller completion
// queues.
//
// Queues use a mutex-and-condition-variable discipline: callers lock,
// append/remove, and signal, rather than using unbuffered channels. This
// keeps bulk drains (TestContext) and targeted lookups (Test, TestSome)
// O(1) against a single list instead of racing channel receives.
package opqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/pkg/errors"
)

// Role selects which of the four per-pool FIFO queues an operation belongs
// to (spec §4.4).
type Role int

const (
	RoleMetaRead Role = iota
	RoleMetaWrite
	RoleIO
	RoleBackgroundRemoval
	numRoles
)

// State is a descriptor's position in the state machine of spec §4.4.
type State int

const (
	NotQueued State = iota
	Queued
	InService
	InternallyDelayed
	Completed
	Canceled
)

// ID is the opaque 64-bit operation identifier handed back to callers on
// a successful post. It packs a slot index and a generation counter (spec
// §9, "Replacing pointer-based operation tokens") so that reuse-after-free
// is detectable instead of aliasing a freed descriptor.
type ID uint64

func packID(slot uint32, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(slot))
}

func (id ID) slot() uint32       { return uint32(id) }
func (id ID) generation() uint32 { return uint32(id >> 32) }

// Descriptor is an operation descriptor (spec, Data Model table).
type Descriptor struct {
	mu sync.Mutex

	id         ID
	generation uint32
	Type       string
	Handle     handle.Handle
	Role       Role
	Flags      Flags
	UserToken  interface{}
	Service    func(context.Context) error

	state State
	err   error

	elem *list.Element // position within its current queue's list, if any
}

// Flags carries per-operation hints relevant to sync-coalescing and
// cancellation.
type Flags struct {
	SyncRequired bool
}

// State returns the descriptor's current state under its own mutex.
func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ID returns the descriptor's opaque operation id.
func (d *Descriptor) ID() ID { return d.id }

// registry is the process-global fast-id lookup table (spec §4.4): an
// arena of slots, each carrying a generation counter, mapping an ID to a
// live *Descriptor in O(1).
type registry struct {
	mu    sync.Mutex
	slots []*slotEntry
	free  []uint32
}

type slotEntry struct {
	generation uint32
	desc       *Descriptor
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) alloc(d *Descriptor) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var slot uint32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[slot].generation++
	} else {
		slot = uint32(len(r.slots))
		r.slots = append(r.slots, &slotEntry{generation: 1})
	}
	r.slots[slot].desc = d
	gen := r.slots[slot].generation
	id := packID(slot, gen)
	d.id = id
	d.generation = gen
	return id
}

// lookup resolves id to its live descriptor, or nil if the id has since
// been freed or never existed (spec I4).
func (r *registry) lookup(id ID) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := id.slot()
	if int(slot) >= len(r.slots) {
		return nil
	}
	e := r.slots[slot]
	if e.generation != id.generation() || e.desc == nil {
		return nil
	}
	return e.desc
}

// free releases id's slot for reuse once the caller has retrieved its
// completion.
func (r *registry) free(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := id.slot()
	if int(slot) >= len(r.slots) {
		return
	}
	e := r.slots[slot]
	if e.generation != id.generation() {
		return
	}
	e.desc = nil
	r.free = append(r.free, slot)
}

// Queue is one FIFO of queued descriptors with blocking Pop.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *list.List
}

func newQueue() *Queue {
	q := &Queue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends d to the tail of the queue and signals one waiter.
func (q *Queue) Push(d *Descriptor) {
	q.mu.Lock()
	d.elem = q.items.PushBack(d)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until a descriptor is available, then removes and returns it.
// Returns nil if ctx is done first.
func (q *Queue) Pop(ctx context.Context) *Descriptor {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
		defer close(done)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		if ctx != nil && ctx.Err() != nil {
			return nil
		}
		q.cond.Wait()
	}
	front := q.items.Front()
	d := front.Value.(*Descriptor)
	q.items.Remove(front)
	d.elem = nil
	return d
}

// Remove removes d from the queue if still present (used by cancellation
// of a QUEUED descriptor). Reports whether d was found.
func (q *Queue) Remove(d *Descriptor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.elem == nil {
		return false
	}
	q.items.Remove(d.elem)
	d.elem = nil
	return true
}

// Len reports the number of queued descriptors.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Engine owns the four role queues and the fast-id registry; one Engine
// per storage region (spec §9, "Retiring global state": process-wide
// queues/registry become fields of an explicit engine value instead).
type Engine struct {
	queues   [numRoles]*Queue
	registry *registry
}

// NewEngine constructs an Engine with empty queues.
func NewEngine() *Engine {
	e := &Engine{registry: newRegistry()}
	for i := range e.queues {
		e.queues[i] = newQueue()
	}
	return e
}

// Queue returns the FIFO queue for role.
func (e *Engine) Queue(role Role) *Queue { return e.queues[role] }

// Post allocates an id for d, transitions it to Queued, and pushes it onto
// the queue for role.
func (e *Engine) Post(d *Descriptor, role Role) ID {
	d.mu.Lock()
	d.Role = role
	d.state = Queued
	d.mu.Unlock()

	id := e.registry.alloc(d)
	e.queues[role].Push(d)
	return id
}

// Lookup resolves an operation id to its descriptor, or nil.
func (e *Engine) Lookup(id ID) *Descriptor {
	return e.registry.lookup(id)
}

// BeginService transitions a dequeued descriptor to InService. Only a
// worker may call this (spec §4.4).
func (d *Descriptor) BeginService() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = InService
}

// Finish transitions the descriptor to Completed (or Canceled) and records
// its terminal error. It notifies no Context; a Test call observes the
// descriptor only once it is passed to Context.Complete.
func (d *Descriptor) Finish(final State, err error) {
	d.mu.Lock()
	d.state = final
	d.err = err
	d.mu.Unlock()
}

// Err returns the terminal error recorded by Finish.
func (d *Descriptor) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Release frees the descriptor's id slot once the caller has retrieved its
// completion (spec: "Allocated on post; freed after caller retrieves
// completion").
func (e *Engine) Release(id ID) {
	e.registry.free(id)
}

// Cancel implements the cancellation rules of spec §4.5. A QUEUED
// descriptor is removed from its queue and finished as Canceled; it is
// not placed on any Context's completion queue, so a Test call for its
// id does not observe the cancellation.
func (e *Engine) Cancel(d *Descriptor) error {
	d.mu.Lock()
	state := d.state
	role := d.Role
	d.mu.Unlock()

	switch state {
	case Queued:
		if e.queues[role].Remove(d) {
			d.Finish(Canceled, errors.New(errors.Canceled, "operation canceled before service"))
		}
		return nil
	case Completed, Canceled:
		return nil
	case InService:
		// Bstream cancellation goes through the AIO cancel entry point
		// (internal/bstream); for every other op type this is a no-op
		// and the operation runs to completion, per spec §4.5.
		return nil
	default:
		return nil
	}
}

// Context is a caller's identity for test/wait APIs (spec §4.5): it owns a
// dedicated completion queue and mutex, and a condition variable callers
// block on in Test.
type Context struct {
	mu         sync.Mutex
	cond       *sync.Cond
	completion *list.List // of *Descriptor
	byID       map[ID]*list.Element
}

// NewContext allocates a fresh caller context.
func NewContext() *Context {
	c := &Context{completion: list.New(), byID: make(map[ID]*list.Element)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Complete moves d onto the context's completion queue and wakes any
// blocked Test callers. This is the notification path the sync-coalescing
// engine and pkg/engine's direct-completion path drive; Cancel does not
// call it.
func (c *Context) Complete(d *Descriptor) {
	c.mu.Lock()
	elem := c.completion.PushBack(d)
	c.byID[d.id] = elem
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Test blocks up to timeout for id to complete. Returns the recorded
// error (nil on success) and true if id completed; false on timeout.
func (c *Context) Test(id ID, timeout time.Duration) (err error, complete bool) {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if elem, ok := c.byID[id]; ok {
			d := elem.Value.(*Descriptor)
			c.completion.Remove(elem)
			delete(c.byID, id)
			return d.Err(), true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		waitOnCond(c.cond, remaining)
	}
}

// TestContext drains up to max completions without filtering by id.
func (c *Context) TestContext(max int) []*Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Descriptor
	for c.completion.Len() > 0 && len(out) < max {
		front := c.completion.Front()
		d := front.Value.(*Descriptor)
		c.completion.Remove(front)
		delete(c.byID, d.id)
		out = append(out, d)
	}
	return out
}

// TestSome tests a specified set of ids, returning those that have
// completed.
func (c *Context) TestSome(ids []ID, timeout time.Duration) map[ID]error {
	deadline := time.Now().Add(timeout)
	results := make(map[ID]error, len(ids))
	remainingIDs := make(map[ID]bool, len(ids))
	for _, id := range ids {
		remainingIDs[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for id := range remainingIDs {
			if elem, ok := c.byID[id]; ok {
				d := elem.Value.(*Descriptor)
				c.completion.Remove(elem)
				delete(c.byID, id)
				results[id] = d.Err()
				delete(remainingIDs, id)
			}
		}
		if len(remainingIDs) == 0 {
			return results
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return results
		}
		waitOnCond(c.cond, remaining)
	}
}

// waitOnCond waits on cond for at most timeout before returning, so Test's
// deadline loop makes forward progress even without a spurious wakeup.
func waitOnCond(cond *sync.Cond, timeout time.Duration) {
	timer := time.AfterFunc(timeout, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}
