// Package wrap converts between 64-bit absolute stream offsets and the
// 32-bit sequence numbers carried on the wire.
package wrap

import (
	"math"
	"strconv"
)

// Wrap32 is a sequence number: an absolute offset reduced modulo 2^32 and
// shifted by a per-connection zero point.
type Wrap32 uint32

// Wrap converts absolute offset n to a sequence number relative to zeroPoint.
func Wrap(n uint64, zeroPoint Wrap32) Wrap32 {
	return zeroPoint + Wrap32(uint32(n))
}

// Unwrap returns the absolute offset that wraps to w and lies closest to
// checkpoint. On a tie the larger candidate wins. Candidates that would fall
// below 0 or above 2^64-1 are never returned.
func (w Wrap32) Unwrap(zeroPoint Wrap32, checkpoint uint64) uint64 {
	at := Wrap(checkpoint, zeroPoint)
	back := uint64(uint32(at - w))
	fwd := uint64(uint32(w - at))

	if back < fwd && back <= checkpoint {
		return checkpoint - back
	}
	if checkpoint > math.MaxUint64-fwd {
		return checkpoint - back
	}
	return checkpoint + fwd
}

// Add advances w by n, wrapping at 2^32.
func (w Wrap32) Add(n uint32) Wrap32 { return w + Wrap32(n) }

func (w Wrap32) String() string { return strconv.FormatUint(uint64(w), 10) }
