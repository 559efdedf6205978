// Package bytestream implements a bounded, flow-controlled FIFO of bytes.
//
// A ByteStream is shared by exactly two parties: the writer, which pushes
// bytes at the tail, and the reader, which peeks and pops them from the head.
// Each party gets its own view (Writer and Reader) so neither can call the
// other's operations.
package bytestream

// ByteStream is a fixed-capacity byte buffer. The live bytes occupy
// buffer[start:end]; the region is moved back to offset 0 only when a push
// would otherwise run off the end of the backing array.
type ByteStream struct {
	capacity uint64
	buffer   []byte
	start    uint64
	end      uint64

	pushed uint64
	popped uint64

	closed   bool
	hasError bool
}

// Writer is the push side of a ByteStream.
type Writer struct {
	s *ByteStream
}

// Reader is the pop side of a ByteStream.
type Reader struct {
	s *ByteStream
}

// New returns an empty stream that buffers at most capacity bytes.
func New(capacity uint64) *ByteStream {
	return &ByteStream{
		capacity: capacity,
		buffer:   make([]byte, capacity),
	}
}

// Writer returns the stream's writer view.
func (s *ByteStream) Writer() *Writer { return &Writer{s: s} }

// Reader returns the stream's reader view.
func (s *ByteStream) Reader() *Reader { return &Reader{s: s} }

// Capacity is the fixed maximum number of buffered bytes.
func (s *ByteStream) Capacity() uint64 { return s.capacity }

func (s *ByteStream) buffered() uint64 { return s.end - s.start }

// makeSpace moves the live region to the front of the backing array.
func (s *ByteStream) makeSpace() {
	copy(s.buffer, s.buffer[s.start:s.end])
	s.end -= s.start
	s.start = 0
}

// Push appends as much of data as fits in the available capacity and
// returns the number of bytes accepted. Bytes beyond the available capacity
// are dropped; that is a clamp, not an error. Nothing is accepted once the
// stream is closed.
func (w *Writer) Push(data []byte) uint64 {
	s := w.s
	if s.closed {
		return 0
	}
	n := min(uint64(len(data)), w.AvailableCapacity())
	if n == 0 {
		return 0
	}
	if n > s.capacity-s.end {
		s.makeSpace()
	}
	copy(s.buffer[s.end:], data[:n])
	s.end += n
	s.pushed += n
	return n
}

// Close signals that the writer will push no more bytes.
func (w *Writer) Close() { w.s.closed = true }

// SetError marks the stream as abnormally terminated. Bytes already
// buffered remain readable.
func (w *Writer) SetError() { w.s.hasError = true }

func (w *Writer) IsClosed() bool { return w.s.closed }

func (w *Writer) HasError() bool { return w.s.hasError }

// AvailableCapacity is how many more bytes Push would accept right now.
func (w *Writer) AvailableCapacity() uint64 {
	return w.s.capacity - w.s.buffered()
}

// BytesPushed is the total number of bytes ever accepted by Push.
func (w *Writer) BytesPushed() uint64 { return w.s.pushed }

// Peek returns the buffered bytes without consuming them. The slice aliases
// the stream's storage and is only valid until the next Push or Pop.
func (r *Reader) Peek() []byte {
	s := r.s
	return s.buffer[s.start:s.end:s.end]
}

// Pop discards up to n bytes from the front of the stream.
func (r *Reader) Pop(n uint64) {
	s := r.s
	n = min(n, s.buffered())
	s.start += n
	s.popped += n
}

// IsFinished reports whether the writer closed the stream and every byte
// has been popped.
func (r *Reader) IsFinished() bool {
	return r.s.closed && r.s.buffered() == 0
}

func (r *Reader) HasError() bool { return r.s.hasError }

func (r *Reader) BytesBuffered() uint64 { return r.s.buffered() }

// BytesPopped is the total number of bytes ever removed by Pop.
func (r *Reader) BytesPopped() uint64 { return r.s.popped }

// Read pops up to n bytes from r and returns them in a freshly allocated
// slice.
func Read(r *Reader, n uint64) []byte {
	view := r.Peek()
	n = min(n, uint64(len(view)))
	out := make([]byte, n)
	copy(out, view[:n])
	r.Pop(n)
	return out
}
