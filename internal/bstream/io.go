package bstream

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/objectfs/dbpf/internal/circuit"
	"github.com/objectfs/dbpf/pkg/errors"
	"github.com/objectfs/dbpf/pkg/retry"
)

// ioRetry retries the handful of transient conditions a raw pread/pwrite
// can surface under load: an EINTR from a delivered signal, or the host
// reporting the descriptor momentarily busy. Both paths issue positional
// I/O directly against the kernel, with no library layer underneath to
// absorb these the way a buffered stdlib Read/Write would.
var ioRetry = retry.New(retry.Config{
	MaxAttempts:  4,
	InitialDelay: time.Millisecond,
	MaxDelay:     10 * time.Millisecond,
	Multiplier:   1,
	Jitter:       false,
	RetryableKinds: []errors.Kind{
		errors.Interrupted,
		errors.Busy,
	},
})

// ioBreaker trips once a backing device's direct-I/O calls keep failing
// after retry has already given up, so a dying disk fails every
// subsequent Submit fast instead of each one paying the full retry
// budget again. Half-open probes resume normal I/O once the device
// recovers.
var ioBreaker = circuit.NewCircuitBreaker("bstream-io", circuit.Config{
	MaxRequests: 1,
	Interval:    10 * time.Second,
	Timeout:     5 * time.Second,
})

func pread(fd int, buf []byte, offset int64) (int, error) {
	var n int
	err := ioBreaker.Execute(func() error {
		return ioRetry.Do(func() error {
			var e error
			n, e = unix.Pread(fd, buf, offset)
			if e != nil {
				return errors.Wrap(errors.FromErrno(e), e, "pread").WithComponent("bstream")
			}
			return nil
		})
	})
	return n, err
}

func pwrite(fd int, buf []byte, offset int64) (int, error) {
	var n int
	err := ioBreaker.Execute(func() error {
		return ioRetry.Do(func() error {
			var e error
			n, e = unix.Pwrite(fd, buf, offset)
			if e != nil {
				return errors.Wrap(errors.FromErrno(e), e, "pwrite").WithComponent("bstream")
			}
			return nil
		})
	})
	return n, err
}
