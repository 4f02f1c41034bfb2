// Package attrcache is the process-wide attribute cache: a map from
// handle to the most recently observed dataspace attribute record, used
// to short-circuit read-only metadata calls. The LRU list/map/
// capacity-eviction structure is re-keyed from a byte-range block cache's
// (object key, offset, size) tuple to a single dataspace handle, and
// re-scoped from raw byte payloads to attribute records.
package attrcache

import (
	"container/list"
	"sync"

	"github.com/objectfs/dbpf/internal/engineconfig"
	"github.com/objectfs/dbpf/internal/handle"
)

// Stats reports cumulative cache activity.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Entries    int
	Bytes      int64
	Capacity   int64
}

type entry struct {
	h       handle.Handle
	value   []byte
	element *list.Element
}

// Cache is a fixed-capacity, size-bounded LRU cache of attribute
// records keyed by handle. A Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	maxBytes    int64
	maxElements int
	keywords    map[string]bool // empty means "cache everything"

	curBytes int64
	items    map[handle.Handle]*entry
	order    *list.List

	hits, misses, evictions uint64
}

// New builds a Cache from a collection's attribute-cache configuration.
func New(cfg engineconfig.AttributeCacheConfig) *Cache {
	c := &Cache{
		maxBytes:    cfg.SizeBytes,
		maxElements: cfg.MaxElements,
		items:       make(map[handle.Handle]*entry),
		order:       list.New(),
	}
	if len(cfg.Keywords) > 0 {
		c.keywords = make(map[string]bool, len(cfg.Keywords))
		for _, k := range cfg.Keywords {
			c.keywords[k] = true
		}
	}
	return c
}

// cacheable reports whether keyword is eligible for caching. An empty
// configured keyword list means every keyword is cacheable.
func (c *Cache) cacheable(keyword string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	return c.keywords[keyword]
}

// Get returns the cached attribute record for h, if present. keyword
// names the attribute record kind being fetched (e.g. "ds_attr"); a
// keyword outside the configured filter never hits.
func (c *Cache) Get(h handle.Handle, keyword string) ([]byte, bool) {
	if !c.cacheable(keyword) {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[h]
	if !ok {
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(e.element)
	c.hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Put seeds or refreshes the cached attribute record for h.
func (c *Cache) Put(h handle.Handle, keyword string, value []byte) {
	if !c.cacheable(keyword) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	if e, ok := c.items[h]; ok {
		c.curBytes += int64(len(stored)) - int64(len(e.value))
		e.value = stored
		c.order.MoveToFront(e.element)
		c.evictLocked()
		return
	}

	e := &entry{h: h, value: stored}
	e.element = c.order.PushFront(e)
	c.items[h] = e
	c.curBytes += int64(len(stored))
	c.evictLocked()
}

// Invalidate drops h's cached attribute record, if any. Dataspace
// remove calls this before unlinking the record on disk.
func (c *Cache) Invalidate(h handle.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(h)
}

func (c *Cache) removeLocked(h handle.Handle) {
	e, ok := c.items[h]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.items, h)
	c.curBytes -= int64(len(e.value))
}

func (c *Cache) evictLocked() {
	for c.overCapacityLocked() {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e.h)
		c.evictions++
	}
}

func (c *Cache) overCapacityLocked() bool {
	if c.maxBytes > 0 && c.curBytes > c.maxBytes {
		return true
	}
	if c.maxElements > 0 && len(c.items) > c.maxElements {
		return true
	}
	return false
}

// Stats returns a snapshot of cumulative cache activity.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.items),
		Bytes:     c.curBytes,
		Capacity:  c.maxBytes,
	}
}
