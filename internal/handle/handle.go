// Package handle implements the storage engine's opaque dataspace handle:
// a fixed-width 128-bit identifier with a canonical hex textual form, as
// described by the storage engine's external interface.
package handle

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Size is the width, in bytes, of a handle.
const Size = 16

// Handle is an opaque 128-bit dataspace identifier. The zero value is the
// null handle and compares equal to Zero.
type Handle [Size]byte

// Zero is the all-zero null handle.
var Zero Handle

// New allocates a fresh handle when the caller does not pin an explicit
// one on dataspace create.
func New() Handle {
	return Handle(uuid.New())
}

// String renders the handle as lower-case hex digits with no separators,
// the canonical textual form required by the external interface.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the null handle.
func (h Handle) IsZero() bool {
	return h == Zero
}

// Parse decodes a canonical hex string into a Handle.
func Parse(s string) (Handle, error) {
	var h Handle
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("handle: invalid hex string %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("handle: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bucket returns the low-order bits of the handle used to shard the
// on-disk bstream directory layout (spec §4.12).
func (h Handle) Bucket(numBuckets uint32) uint32 {
	if numBuckets == 0 {
		return 0
	}
	var low uint32
	for i := 0; i < 4; i++ {
		low |= uint32(h[Size-1-i]) << (8 * i)
	}
	return low % numBuckets
}

// Decimal renders the low 64 bits of the handle as an unsigned decimal
// integer, used for the bstream file's leaf path component.
func (h Handle) Decimal() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(h[Size-1-i]) << (8 * i)
	}
	return v
}

// Less orders handles by their raw byte representation; this is the
// byte-lex order the dataspace-attr database comparator relies on.
func Less(a, b Handle) bool {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
