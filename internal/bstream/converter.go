// Package bstream implements the bstream engine (spec §4.9-§4.11): the
// list-I/O to contiguous-transfer converter, the in-flight I/O throttle,
// the completion state machine, and two interchangeable execution paths
// (a bounded worker pool standing in for POSIX AIO, and a per-handle
// thread-pool path for direct I/O).
package bstream

import "github.com/objectfs/dbpf/pkg/errors"

// MemSegment is one entry of a caller's memory datatype: a contiguous
// region of the I/O buffer. A zero-length segment is valid and
// consumes no stream bytes (spec scenario 2's leading placeholder
// segment).
type MemSegment struct {
	Ptr []byte
}

// StreamSegment is one entry of a caller's file datatype: a contiguous
// region of the bytestream, identified by offset and size.
type StreamSegment struct {
	Offset uint64
	Size   uint64
}

// Transfer is one contiguous unit of work the converter emits, standing
// in for a single aiocb: a slice of the caller's memory region paired
// with the stream range it reads from or writes to.
type Transfer struct {
	MemPtr       []byte
	StreamOffset uint64
	StreamSize   uint64
}

// Converter turns a pair of memory/stream segment lists into a resumable
// sequence of Transfer records (spec §4.9.1). Its position survives
// across calls to Convert, so a caller can bound how many transfers it
// produces per call (e.g. to fill a fixed-size aiocb array) and resume
// later from exactly where it left off.
type Converter struct {
	mem    []MemSegment
	stream []StreamSegment

	memIndex     int
	memConsumed  uint64
	streamIndex  int
	streamConsumed uint64
}

// NewConverter builds a Converter over the given memory and stream
// segment lists.
func NewConverter(mem []MemSegment, stream []StreamSegment) *Converter {
	return &Converter{mem: mem, stream: stream}
}

// Done reports whether every segment on both sides has been fully
// consumed.
func (c *Converter) Done() bool {
	return c.memIndex >= len(c.mem) && c.streamIndex >= len(c.stream)
}

// Convert produces up to maxTransfers Transfer records starting from the
// converter's current position, advancing that position by what it
// produced. It returns the transfers, the total bytes they cover, and
// whether both the memory and stream side are now fully consumed. A
// mismatch between total memory bytes and total stream bytes (one side
// exhausts while the other still has unconsumed bytes) is reported as
// an Invalid error on the call where it is discovered.
func (c *Converter) Convert(maxTransfers int) (transfers []Transfer, bytesProduced uint64, done bool, err error) {
	for len(transfers) < maxTransfers {
		// Skip exhausted or zero-length segments without spending a
		// transfer slot on them.
		for c.memIndex < len(c.mem) && c.memConsumed >= uint64(len(c.mem[c.memIndex].Ptr)) {
			c.memIndex++
			c.memConsumed = 0
		}
		for c.streamIndex < len(c.stream) && c.streamConsumed >= c.stream[c.streamIndex].Size {
			c.streamIndex++
			c.streamConsumed = 0
		}

		memExhausted := c.memIndex >= len(c.mem)
		streamExhausted := c.streamIndex >= len(c.stream)
		if memExhausted && streamExhausted {
			return transfers, bytesProduced, true, nil
		}
		if memExhausted != streamExhausted {
			return transfers, bytesProduced, false, errors.New(errors.Invalid,
				"list-I/O memory and stream datatypes cover different total sizes").
				WithComponent("bstream").WithOperation("convert")
		}

		memRemaining := uint64(len(c.mem[c.memIndex].Ptr)) - c.memConsumed
		streamRemaining := c.stream[c.streamIndex].Size - c.streamConsumed
		n := memRemaining
		if streamRemaining < n {
			n = streamRemaining
		}
		if n == 0 {
			// Both sides point at a zero-length segment simultaneously;
			// advance both without emitting a transfer.
			c.memIndex++
			c.memConsumed = 0
			c.streamIndex++
			c.streamConsumed = 0
			continue
		}

		transfers = append(transfers, Transfer{
			MemPtr:       c.mem[c.memIndex].Ptr[c.memConsumed : c.memConsumed+n],
			StreamOffset: c.stream[c.streamIndex].Offset + c.streamConsumed,
			StreamSize:   n,
		})
		bytesProduced += n

		c.memConsumed += n
		if c.memConsumed >= uint64(len(c.mem[c.memIndex].Ptr)) {
			c.memIndex++
			c.memConsumed = 0
		}
		c.streamConsumed += n
		if c.streamConsumed >= c.stream[c.streamIndex].Size {
			c.streamIndex++
			c.streamConsumed = 0
		}
	}

	return transfers, bytesProduced, c.Done(), nil
}
