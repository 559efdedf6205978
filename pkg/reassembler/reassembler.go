// Package reassembler turns substrings that arrive out of order, overlapping
// or duplicated into an in-order byte stream.
package reassembler

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/bytestream"
)

// run is a buffered span of stream bytes starting at absolute index start.
type run struct {
	start uint64
	data  []byte
}

func (r run) end() uint64 { return r.start + uint64(len(r.data)) }

func runLess(a, b run) bool { return a.start < b.start }

// Reassembler buffers bytes that fit inside the output's window but cannot be
// written yet, and writes each byte to the output exactly once.
type Reassembler struct {
	logger *zap.Logger

	nextIndex uint64
	maxIndex  uint64
	endIndex  uint64
	hasEnd    bool

	// Pending runs never overlap or touch each other.
	runs *btree.BTreeG[run]
}

type Option func(*Reassembler)

func WithLogger(l *zap.Logger) Option {
	return func(r *Reassembler) { r.logger = l }
}

func New(opts ...Option) *Reassembler {
	r := &Reassembler{
		logger: zap.NewNop(),
		runs:   btree.NewG[run](8, runLess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert offers data, whose first byte has absolute index firstIndex, for
// writing to output. isLast marks data as the final substring of the stream.
func (r *Reassembler) Insert(firstIndex uint64, data []byte, isLast bool, output *bytestream.Writer) {
	r.maxIndex = r.nextIndex + output.AvailableCapacity()

	end := firstIndex + uint64(len(data))
	if isLast {
		r.endIndex = end
		r.hasEnd = true
		if r.nextIndex == r.endIndex {
			output.Close()
		}
	}

	if end <= r.nextIndex || firstIndex >= r.maxIndex || r.maxIndex == r.nextIndex {
		if len(data) > 0 {
			r.logger.Debug("substring outside window",
				zap.Uint64("first", firstIndex),
				zap.Int("len", len(data)),
				zap.Uint64("next", r.nextIndex),
				zap.Uint64("max", r.maxIndex))
		}
		return
	}

	if firstIndex < r.nextIndex {
		data = data[r.nextIndex-firstIndex:]
		firstIndex = r.nextIndex
	}
	if end > r.maxIndex {
		data = data[:r.maxIndex-firstIndex]
	}

	r.store(firstIndex, data)

	for {
		head, ok := r.runs.Min()
		if !ok || head.start != r.nextIndex {
			break
		}
		r.runs.DeleteMin()
		r.nextIndex += output.Push(head.data)
	}

	if r.hasEnd && r.nextIndex == r.endIndex {
		output.Close()
	}
}

// store merges [start, start+len(data)) with every pending run it overlaps
// or touches, so the run set stays disjoint.
func (r *Reassembler) store(start uint64, data []byte) {
	end := start + uint64(len(data))

	var merged []run
	// Only the closest run starting before us can reach into [start, end).
	r.runs.DescendLessOrEqual(run{start: start}, func(p run) bool {
		if p.start < start && p.end() >= start {
			merged = append(merged, p)
		}
		return false
	})
	r.runs.AscendRange(run{start: start}, run{start: end + 1}, func(p run) bool {
		merged = append(merged, p)
		return true
	})

	if len(merged) == 0 {
		r.runs.ReplaceOrInsert(run{start: start, data: append([]byte(nil), data...)})
		return
	}
	if len(merged) == 1 && merged[0].start <= start && merged[0].end() >= end {
		return
	}

	lo := min(start, merged[0].start)
	hi := max(end, merged[len(merged)-1].end())
	buf := make([]byte, hi-lo)
	for _, p := range merged {
		copy(buf[p.start-lo:], p.data)
		r.runs.Delete(p)
	}
	copy(buf[start-lo:], data)
	r.runs.ReplaceOrInsert(run{start: lo, data: buf})
}

// BytesPending is the number of bytes buffered but not yet written.
func (r *Reassembler) BytesPending() uint64 {
	var n uint64
	r.runs.Ascend(func(p run) bool {
		n += uint64(len(p.data))
		return true
	})
	return n
}

// NextIndex is the absolute index of the next byte the output expects.
func (r *Reassembler) NextIndex() uint64 { return r.nextIndex }

// Span is a pending run as seen from outside the package.
type Span struct {
	Start uint64
	Len   uint64
}

// Runs returns the pending runs in index order.
func (r *Reassembler) Runs() []Span {
	var spans []Span
	r.runs.Ascend(func(p run) bool {
		spans = append(spans, Span{Start: p.start, Len: uint64(len(p.data))})
		return true
	})
	return spans
}
