package bstream

import (
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/objectfs/dbpf/internal/buffer"
	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/opencache"
	"github.com/objectfs/dbpf/pkg/errors"
)

// SectorSize is the device-sector alignment boundary direct-I/O writes
// and reads are rounded out to (spec §4.10).
const SectorSize = 512

// handleState tracks the fd and reference count the thread-pool path is
// sharing across every request currently queued against one handle.
type handleState struct {
	mu              sync.Mutex
	ref             *opencache.Ref
	refCount        int
	pendingTruncate *int64
}

// ThreadPoolPath is the bstream engine's alternative execution path.
// Each Submit call converts its request into transfers sorted by
// ascending stream offset and runs them on at most workers goroutines
// at once; that bound applies per call and is not shared between
// concurrent Submit calls. Requests in flight against the same handle
// share one open descriptor. Requests are not queued per handle, and
// transfers are not assigned round-robin to a fixed set of threads.
// Unlike AIOPath it supports direct I/O, performing a read-modify-write
// around unaligned transfers (spec §4.10).
type ThreadPoolPath struct {
	pool       *opencache.Pool
	collection uint32
	workers    int

	mu      sync.Mutex
	handles map[handle.Handle]*handleState
}

// NewThreadPoolPath builds a ThreadPoolPath with the given per-Submit
// worker concurrency bound.
func NewThreadPoolPath(pool *opencache.Pool, collection uint32, workers int) *ThreadPoolPath {
	if workers <= 0 {
		workers = 4
	}
	return &ThreadPoolPath{
		pool:       pool,
		collection: collection,
		workers:    workers,
		handles:    make(map[handle.Handle]*handleState),
	}
}

// acquire opens (or reuses) h's shared descriptor for the duration of
// one request, incrementing its reference count. The thread-pool path
// always opens with direct I/O (spec §4.10); runTransfer performs the
// read-modify-write around any transfer that is not sector-aligned.
func (p *ThreadPoolPath) acquire(h handle.Handle, write bool) (*handleState, error) {
	p.mu.Lock()
	hs, ok := p.handles[h]
	if !ok {
		hs = &handleState{}
		p.handles[h] = hs
	}
	p.mu.Unlock()

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.ref == nil {
		mode := opencache.DirectRead
		if write {
			mode = opencache.DirectWrite
		}
		ref, err := p.pool.Get(p.collection, h, mode)
		if err != nil {
			return nil, err
		}
		hs.ref = ref
	}
	hs.refCount++
	return hs, nil
}

// release drops one reference on h's shared descriptor. When the last
// reference is released and no further requests are queued, the
// descriptor is returned to the open cache and any deferred ftruncate
// is applied (spec §4.10).
func (p *ThreadPoolPath) release(h handle.Handle, hs *handleState) error {
	hs.mu.Lock()
	hs.refCount--
	if hs.refCount > 0 {
		hs.mu.Unlock()
		return nil
	}

	ref := hs.ref
	truncate := hs.pendingTruncate
	hs.ref = nil
	hs.pendingTruncate = nil
	hs.mu.Unlock()

	p.mu.Lock()
	delete(p.handles, h)
	p.mu.Unlock()

	if truncate != nil {
		if err := ref.FD().Truncate(*truncate); err != nil {
			_ = p.pool.Put(ref)
			return errors.Wrap(errors.IoError, err, "deferred truncate").WithComponent("bstream")
		}
	}
	return p.pool.Put(ref)
}

// RequestTruncate queues a truncate to size, applied once every
// in-flight request against h has completed. If no request is in flight
// against h, it does nothing and the file is not truncated.
func (p *ThreadPoolPath) RequestTruncate(h handle.Handle, size int64) {
	p.mu.Lock()
	hs, ok := p.handles[h]
	p.mu.Unlock()
	if !ok {
		return
	}
	hs.mu.Lock()
	hs.pendingTruncate = &size
	hs.mu.Unlock()
}

// Submit transforms req into sorted transfers and dispatches them
// across the worker pool, performing direct-I/O read-modify-write
// around unaligned transfers when the descriptor requires sector
// alignment.
func (p *ThreadPoolPath) Submit(req Request) (uint64, error) {
	conv := NewConverter(req.Mem, req.Stream)
	var all []Transfer
	for {
		batch, _, done, err := conv.Convert(1 << 20)
		if err != nil {
			return 0, err
		}
		all = append(all, batch...)
		if done {
			break
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].StreamOffset < all[j].StreamOffset })

	hs, err := p.acquire(req.Handle, req.Direction == Write)
	if err != nil {
		return 0, err
	}
	defer func() { _ = p.release(req.Handle, hs) }()

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var total uint64
	var firstErr error

	for _, tr := range all {
		tr := tr
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := p.runTransfer(hs.ref.FD(), req.Direction, tr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			total += n
		}()
	}
	wg.Wait()

	return total, firstErr
}

func aligned(offset, size uint64) bool {
	return offset%SectorSize == 0 && size%SectorSize == 0
}

func alignDown(v uint64) uint64 { return v - v%SectorSize }
func alignUp(v uint64) uint64 {
	if v%SectorSize == 0 {
		return v
	}
	return v - v%SectorSize + SectorSize
}

// alignedBuffer draws a scratch buffer from the shared byte pool and
// returns the sub-slice of it whose start address is a multiple of
// SectorSize, as O_DIRECT requires for the kernel-facing side of a
// read-modify-write. raw is the full pool-backed allocation; callers
// return it to the pool with buffer.PutBuffer once the transfer
// completes. The caller's own MemPtr is assumed already suitable for
// the aligned fast path in runTransfer; alignment of caller-supplied
// buffers is outside this package's scope.
func alignedBuffer(size int) (aligned, raw []byte) {
	raw = buffer.GetBuffer(size + SectorSize)
	offset := uintptr(0)
	if r := uintptr(unsafe.Pointer(&raw[0])) % SectorSize; r != 0 {
		offset = SectorSize - r
	}
	return raw[offset : offset+uintptr(size)], raw
}

func (p *ThreadPoolPath) runTransfer(f *os.File, dir Direction, tr Transfer) (uint64, error) {
	fd := int(f.Fd())

	if aligned(tr.StreamOffset, tr.StreamSize) {
		var n int
		var err error
		if dir == Read {
			n, err = pread(fd, tr.MemPtr, int64(tr.StreamOffset))
		} else {
			n, err = pwrite(fd, tr.MemPtr, int64(tr.StreamOffset))
		}
		if err != nil {
			return 0, err
		}
		return uint64(n), nil
	}

	// Unaligned: read the aligned superset, splice the user bytes in (on
	// write) or out (on read), and for writes, write the full aligned
	// window back.
	winStart := alignDown(tr.StreamOffset)
	winEnd := alignUp(tr.StreamOffset + tr.StreamSize)
	scratch, raw := alignedBuffer(int(winEnd - winStart))
	defer buffer.PutBuffer(raw)

	if _, err := pread(fd, scratch, int64(winStart)); err != nil {
		return 0, err
	}

	userOff := tr.StreamOffset - winStart

	if dir == Read {
		copy(tr.MemPtr, scratch[userOff:userOff+tr.StreamSize])
		return tr.StreamSize, nil
	}

	copy(scratch[userOff:userOff+tr.StreamSize], tr.MemPtr)
	if _, err := pwrite(fd, scratch, int64(winStart)); err != nil {
		return 0, err
	}
	return tr.StreamSize, nil
}
