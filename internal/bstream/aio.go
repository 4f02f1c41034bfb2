package bstream

import (
	"context"
	"os"
	"sync"

	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/opencache"
	"github.com/objectfs/dbpf/pkg/logging"
)

// Direction is the I/O direction of a Request.
type Direction int

const (
	Read Direction = iota
	Write
)

// Request is one list-I/O read or write: a memory datatype, a file
// (stream) datatype, and the direction to move bytes between them.
type Request struct {
	Handle       handle.Handle
	Mem          []MemSegment
	Stream       []StreamSegment
	Direction    Direction
	SyncRequired bool
}

// State is a step in the AIO completion state machine (spec §4.9.3,
// §9 "State machines over callback chains").
type State int

const (
	Submitting State = iota
	AwaitingCompletion
	WritingSize
	Done
)

func (s State) String() string {
	switch s {
	case Submitting:
		return "submitting"
	case AwaitingCompletion:
		return "awaiting-completion"
	case WritingSize:
		return "writing-size"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// SizeSync is invoked once a write's end-of-request exceeds the
// dataspace's recorded bstream size. Implementations read the current
// attribute record, write the new size back if it grew, and, when
// syncRequired is set, route that update through the sync-coalescing
// engine rather than completing it directly (spec §4.9.3).
type SizeSync func(h handle.Handle, endOfRequest uint64, syncRequired bool) error

// DefaultBatchSize bounds how many transfers AIOPath converts and
// dispatches per completion round, standing in for the caller-supplied
// aiocb array bound in §4.9.1.
const DefaultBatchSize = 16

// AIOPath is the bstream engine's AIO-style execution path: list-I/O
// conversion feeding a throttled pool of positional pread/pwrite calls,
// with a completion state machine driving size bookkeeping on writes.
type AIOPath struct {
	pool       *opencache.Pool
	collection uint32
	throttle   *Throttle
	batchSize  int
	sizeSync   SizeSync
	logger     *logging.Logger
}

// NewAIOPath builds an AIOPath. maxConcurrentIO bounds simultaneously
// outstanding transfers across every Submit call sharing this AIOPath
// (spec §4.9.2, process-wide per collection). batchSize <= 0 selects
// DefaultBatchSize.
func NewAIOPath(pool *opencache.Pool, collection uint32, maxConcurrentIO, batchSize int, sizeSync SizeSync, logger *logging.Logger) *AIOPath {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &AIOPath{
		pool:       pool,
		collection: collection,
		throttle:   NewThrottle(maxConcurrentIO),
		batchSize:  batchSize,
		sizeSync:   sizeSync,
		logger:     logger,
	}
}

// Submit drives req through the state machine to completion, returning
// the total bytes transferred.
func (p *AIOPath) Submit(ctx context.Context, req Request) (uint64, error) {
	mode := opencache.BufferedRead
	if req.Direction == Write {
		mode = opencache.BufferedWrite
	}

	ref, err := p.pool.Get(p.collection, req.Handle, mode)
	if err != nil {
		return 0, err
	}
	defer func() { _ = p.pool.Put(ref) }()

	conv := NewConverter(req.Mem, req.Stream)
	state := Submitting
	var total uint64

	for state != Done {
		state = AwaitingCompletion
		transfers, _, convDone, err := conv.Convert(p.batchSize)
		if err != nil {
			return total, err
		}

		n, err := p.runBatch(ctx, ref.FD(), req.Direction, transfers)
		total += n
		if err != nil {
			return total, err
		}

		if !convDone {
			state = Submitting
			continue
		}

		if req.Direction == Write {
			state = WritingSize
			if p.sizeSync != nil {
				endOfRequest := endOfRequest(req.Stream)
				if err := p.sizeSync(req.Handle, endOfRequest, req.SyncRequired); err != nil {
					return total, err
				}
			}
		}
		state = Done
	}

	return total, nil
}

// runBatch dispatches transfers concurrently, each gated by the
// throttle, and waits for all to complete before returning.
func (p *AIOPath) runBatch(ctx context.Context, f *os.File, dir Direction, transfers []Transfer) (uint64, error) {
	if len(transfers) == 0 {
		return 0, nil
	}
	fd := int(f.Fd())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total uint64
	var firstErr error

	for _, tr := range transfers {
		tr := tr
		wg.Add(1)
		go p.throttle.Submit(func() {
			defer wg.Done()
			defer p.throttle.Complete()

			if ctx.Err() != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return
			}

			var n int
			var err error
			if dir == Read {
				n, err = pread(fd, tr.MemPtr, int64(tr.StreamOffset))
			} else {
				n, err = pwrite(fd, tr.MemPtr, int64(tr.StreamOffset))
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			total += uint64(n)
		})
	}

	wg.Wait()
	return total, firstErr
}

func endOfRequest(stream []StreamSegment) uint64 {
	var max uint64
	for _, s := range stream {
		end := s.Offset + s.Size
		if end > max {
			max = end
		}
	}
	return max
}
