package bytestream

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	s := New(10)
	w, r := s.Writer(), s.Reader()

	assert.Equal(t, uint64(3), w.Push([]byte("cat")))
	r.Pop(1)

	assert.Equal(t, uint64(2), r.BytesBuffered())
	assert.Equal(t, uint64(3), w.BytesPushed())
	assert.Equal(t, uint64(1), r.BytesPopped())
	assert.Equal(t, []byte("at"), r.Peek())
	assert.Equal(t, uint64(8), w.AvailableCapacity())
}

func TestPushClampsToCapacity(t *testing.T) {
	s := New(4)
	w, r := s.Writer(), s.Reader()

	assert.Equal(t, uint64(4), w.Push([]byte("hello")))
	assert.Equal(t, []byte("hell"), r.Peek())
	assert.Equal(t, uint64(0), w.AvailableCapacity())

	// Full stream accepts nothing.
	assert.Equal(t, uint64(0), w.Push([]byte("o")))
	assert.Equal(t, uint64(4), w.BytesPushed())
}

func TestPopClampsToBuffered(t *testing.T) {
	s := New(8)
	w, r := s.Writer(), s.Reader()
	w.Push([]byte("abc"))

	r.Pop(100)
	assert.Equal(t, uint64(0), r.BytesBuffered())
	assert.Equal(t, uint64(3), r.BytesPopped())
	assert.Empty(t, r.Peek())
}

func TestCompactionKeepsOrder(t *testing.T) {
	s := New(6)
	w, r := s.Writer(), s.Reader()

	w.Push([]byte("abcdef"))
	r.Pop(4)
	// Tail is at the end of the backing array; this push has to compact.
	assert.Equal(t, uint64(3), w.Push([]byte("ghi")))
	assert.Equal(t, []byte("efghi"), r.Peek())

	r.Pop(2)
	assert.Equal(t, uint64(3), w.Push([]byte("jklm")))
	assert.Equal(t, []byte("ghijkl"), r.Peek())
}

func TestCloseAndFinish(t *testing.T) {
	s := New(8)
	w, r := s.Writer(), s.Reader()

	w.Push([]byte("xy"))
	w.Close()
	assert.True(t, w.IsClosed())
	assert.False(t, r.IsFinished())
	assert.Equal(t, uint64(0), w.Push([]byte("z")))

	r.Pop(2)
	assert.True(t, r.IsFinished())
}

func TestErrorDoesNotStopDelivery(t *testing.T) {
	s := New(8)
	w, r := s.Writer(), s.Reader()

	w.Push([]byte("data"))
	w.SetError()
	assert.True(t, r.HasError())
	assert.Equal(t, []byte("data"), Read(r, 10))
}

func TestRead(t *testing.T) {
	s := New(8)
	w, r := s.Writer(), s.Reader()
	w.Push([]byte("abcdef"))

	got := Read(r, 4)
	assert.Equal(t, []byte("abcd"), got)

	// The returned slice must not alias the stream.
	w.Push([]byte("ghijkl"))
	assert.Equal(t, []byte("abcd"), got)
	assert.Equal(t, []byte("efghijkl"), r.Peek())
}

func TestRandomOperationsKeepCounters(t *testing.T) {
	const capacity = 37
	rng := rand.New(rand.NewPCG(1, 2))
	s := New(capacity)
	w, r := s.Writer(), s.Reader()

	var want []byte
	next := byte(0)
	for i := 0; i < 5000; i++ {
		if rng.IntN(2) == 0 {
			chunk := make([]byte, rng.IntN(20))
			for j := range chunk {
				chunk[j] = next
				next++
			}
			n := w.Push(chunk)
			want = append(want, chunk[:n]...)
			// Bytes past the clamp were never accepted, so rewind the generator.
			next -= byte(len(chunk) - int(n))
		} else {
			n := uint64(rng.IntN(20))
			got := Read(r, n)
			require.Equal(t, want[:len(got)], got)
			want = want[len(got):]
		}
		require.Equal(t, w.BytesPushed()-r.BytesPopped(), r.BytesBuffered())
		require.LessOrEqual(t, r.BytesBuffered(), uint64(capacity))
		require.Equal(t, uint64(capacity)-r.BytesBuffered(), w.AvailableCapacity())
		require.Equal(t, want, r.Peek())
	}
}
