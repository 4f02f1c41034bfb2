// Package opencache implements the open-file cache (spec §4.3): a
// fixed-size preallocated pool of descriptors shared by a collection's
// bstream I/O, amortizing open(2) across repeated access to the same
// handle.
//
// The three-list discipline (free / unused / used) is an
// intrusive-list-over-a-bounded-pool shape generalized from a single
// eviction list to three: entries are preallocated once and only ever
// move between lists, never freed.
package opencache

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/pkg/errors"
)

// Mode is the access mode an entry's fd was opened under. A lookup that
// needs a different mode than a cached entry's cannot reuse it.
type Mode int

const (
	BufferedRead Mode = iota
	BufferedWrite
	DirectRead
	DirectWrite
)

func (m Mode) String() string {
	switch m {
	case BufferedRead:
		return "buffered-read"
	case BufferedWrite:
		return "buffered-write"
	case DirectRead:
		return "direct-read"
	case DirectWrite:
		return "direct-write"
	default:
		return "unknown"
	}
}

func (m Mode) openFlags() int {
	switch m {
	case BufferedRead:
		return os.O_RDONLY
	case BufferedWrite:
		return os.O_RDWR | os.O_CREATE
	case DirectRead:
		return os.O_RDONLY | unix.O_DIRECT
	case DirectWrite:
		return os.O_RDWR | os.O_CREATE | unix.O_DIRECT
	default:
		return os.O_RDONLY
	}
}

// key identifies one cached descriptor.
type key struct {
	collection uint32
	handle     handle.Handle
	mode       Mode
}

// entry is one slot of the preallocated pool. It is never freed: once
// constructed it only migrates between the free, unused, and used lists
// (I3, I8).
type entry struct {
	key      key
	fd       *os.File
	refCount int
	valid    bool // false while sitting on the free list
	elem     *list.Element
	curList  *list.List
}

// PathFunc derives the backing bstream file path for (collection, handle);
// supplied by the caller (internal/bstream) so opencache stays agnostic of
// the storage region's directory layout (spec §4.12).
type PathFunc func(collection uint32, h handle.Handle) string

// Pool is the fixed-size open-descriptor cache for one collection.
type Pool struct {
	mu       sync.Mutex
	capacity int
	free     *list.List
	unused   *list.List
	used     *list.List
	byKey    map[key]*entry
	pathFor  PathFunc
}

// DefaultCapacity is the pool size used when a collection does not
// override it (spec §4.3).
const DefaultCapacity = 64

// NewPool preallocates capacity entries, all initially on the free list.
func NewPool(capacity int, pathFor PathFunc) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{
		capacity: capacity,
		free:     list.New(),
		unused:   list.New(),
		used:     list.New(),
		byKey:    make(map[key]*entry),
		pathFor:  pathFor,
	}
	for i := 0; i < capacity; i++ {
		e := &entry{}
		e.elem = p.free.PushBack(e)
		e.curList = p.free
	}
	return p
}

// Ref is a live reference to an open descriptor returned by Get. Callers
// must pass it back to Put exactly once.
type Ref struct {
	pool     *Pool
	entry    *entry // nil for an uncached overflow descriptor
	fd       *os.File
	uncached bool
}

// FD returns the underlying open file.
func (r *Ref) FD() *os.File { return r.fd }

// Get returns a reference to a descriptor open in mode for
// (collection, handle), reusing a cached entry of the same mode if
// present. If the pool is exhausted (used list full, nothing on free or
// unused), a non-cached descriptor is opened and returned instead; Put
// closes that descriptor immediately rather than caching it (spec §4.3).
func (p *Pool) Get(collection uint32, h handle.Handle, mode Mode) (*Ref, error) {
	k := key{collection: collection, handle: h, mode: mode}

	p.mu.Lock()
	if e, ok := p.byKey[k]; ok {
		if e.refCount == 0 {
			p.moveTo(e, p.used)
		}
		e.refCount++
		p.mu.Unlock()
		return &Ref{pool: p, entry: e, fd: e.fd}, nil
	}

	var e *entry
	switch {
	case p.free.Len() > 0:
		e = p.free.Front().Value.(*entry)
	case p.unused.Len() > 0:
		e = p.unused.Front().Value.(*entry)
		p.evict(e)
	default:
		p.mu.Unlock()
		return p.openUncached(k)
	}
	// Reserve e (detach from its current list) before releasing the lock
	// so a concurrent Get cannot also claim it while open(2) is in flight.
	e.curList.Remove(e.elem)
	e.elem = nil
	e.curList = nil
	p.mu.Unlock()

	fd, err := p.open(k)
	if err != nil {
		p.mu.Lock()
		p.moveTo(e, p.free)
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	e.key = k
	e.fd = fd
	e.refCount = 1
	e.valid = true
	p.moveTo(e, p.used)
	p.byKey[k] = e
	p.mu.Unlock()

	return &Ref{pool: p, entry: e, fd: fd}, nil
}

func (p *Pool) open(k key) (*os.File, error) {
	path := p.pathFor(k.collection, k.handle)
	fd, err := os.OpenFile(path, k.mode.openFlags(), 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.FromErrno(err), err, "open bstream descriptor").
			WithComponent("opencache").
			WithContext("handle", k.handle.String()).
			WithContext("mode", k.mode.String())
	}
	return fd, nil
}

func (p *Pool) openUncached(k key) (*Ref, error) {
	fd, err := p.open(k)
	if err != nil {
		return nil, err
	}
	return &Ref{pool: p, fd: fd, uncached: true}, nil
}

// evict removes e's stale cache mapping and closes its previous fd in
// preparation for reassignment to a new key. e must be on the unused
// list.
func (p *Pool) evict(e *entry) {
	if e.valid {
		delete(p.byKey, e.key)
		e.fd.Close()
	}
	e.valid = false
}

// moveTo relinks e's list element onto dst, removing it from whatever
// list it currently occupies.
func (p *Pool) moveTo(e *entry, dst *list.List) {
	if e.curList != nil {
		e.curList.Remove(e.elem)
	}
	e.elem = dst.PushBack(e)
	e.curList = dst
}

// Put releases ref. The underlying descriptor's reference count drops by
// one; on reaching zero a cached entry moves to the unused list tail
// (LRU-newest). An uncached overflow descriptor is closed immediately.
func (p *Pool) Put(ref *Ref) error {
	if ref.uncached {
		return ref.fd.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e := ref.entry
	e.refCount--
	if e.refCount < 0 {
		panic("opencache: Put called more times than Get for this entry")
	}
	if e.refCount == 0 {
		p.moveTo(e, p.unused)
	}
	return nil
}

// Remove drops any cached entries for (collection, handle) across all
// access modes and unlinks the backing file. Per spec §4.3, a referenced
// entry at this point is a programming error: the caller must have
// quiesced all I/O on handle first.
func (p *Pool) Remove(collection uint32, h handle.Handle) error {
	p.mu.Lock()
	for mode := BufferedRead; mode <= DirectWrite; mode++ {
		k := key{collection: collection, handle: h, mode: mode}
		e, ok := p.byKey[k]
		if !ok {
			continue
		}
		if e.refCount != 0 {
			p.mu.Unlock()
			panic(fmt.Sprintf("opencache: Remove on referenced entry for handle %s", h))
		}
		delete(p.byKey, k)
		e.fd.Close()
		e.valid = false
		p.moveTo(e, p.free)
	}
	p.mu.Unlock()

	path := p.pathFor(collection, h)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.IoError, err, "unlink bstream file").WithComponent("opencache")
	}
	return nil
}

// Stats reports the current size of each list, for tests and diagnostics.
type Stats struct {
	Free, Unused, Used int
}

// Stats returns a snapshot of the pool's list occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Free: p.free.Len(), Unused: p.unused.Len(), Used: p.used.Len()}
}
