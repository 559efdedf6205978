package tcp

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-tcp-stack/pkg/wrap"
)

// channel moves segments between two peers, dropping each one with
// probability loss.
type channel struct {
	rng  *rand.Rand
	loss float64
}

func (c *channel) deliver(from, to *Peer) {
	for {
		seg, ok := from.MaybeSend()
		if !ok {
			return
		}
		if c.rng.Float64() < c.loss {
			continue
		}
		to.Receive(seg)
	}
}

func transfer(t *testing.T, cfg Config, data []byte, loss float64) []byte {
	t.Helper()
	isnA, isnB := wrap.Wrap32(1000), wrap.Wrap32(0xffffff00)
	a := NewPeer(cfg, &isnA)
	b := NewPeer(cfg, &isnB)
	ch := &channel{rng: rand.New(rand.NewPCG(42, uint64(len(data)))), loss: loss}

	var got []byte
	written := 0
	for now := 0; now < 10_000_000; now += 10 {
		if written < len(data) {
			written += int(a.Write(data[written:]))
			if written == len(data) {
				a.CloseWrite()
			}
		}
		ch.deliver(a, b)
		ch.deliver(b, a)
		got = append(got, b.Read(1<<20)...)
		if b.Inbound().IsFinished() {
			b.CloseWrite()
		}
		if !a.Active() && !b.Active() {
			break
		}
		a.Tick(10)
		b.Tick(10)
	}
	require.False(t, a.Aborted())
	require.False(t, b.Aborted())
	assert.False(t, a.Active())
	assert.False(t, b.Active())
	return got
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewPCG(uint64(n), 9))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

func TestPeerTransferLossless(t *testing.T) {
	data := randomBytes(200_000)
	assert.Equal(t, data, transfer(t, DefaultConfig(), data, 0))
}

func TestPeerTransferLossy(t *testing.T) {
	data := randomBytes(50_000)
	assert.Equal(t, data, transfer(t, DefaultConfig(), data, 0.1))
}

func TestPeerTransferSmallWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1500
	cfg.MaxPayloadSize = 400
	data := randomBytes(20_000)
	assert.Equal(t, data, transfer(t, cfg, data, 0.05))
}

func TestPeerAbortsAfterRetransmissionLimit(t *testing.T) {
	isn := wrap.Wrap32(0)
	a := NewPeer(DefaultConfig(), &isn)
	a.Write([]byte("lost"))

	_, ok := a.MaybeSend()
	require.True(t, ok)

	for now := 0; now < 1_000_000 && !a.Aborted(); now += 100 {
		a.Tick(100)
		for {
			if _, ok := a.MaybeSend(); !ok {
				break
			}
		}
	}
	require.True(t, a.Aborted())
	assert.Greater(t, a.Sender().ConsecutiveRetransmissions(), uint64(DefaultMaxRetransmissions))
	assert.False(t, a.Active())
	assert.True(t, a.Inbound().HasError())
}

func TestPeerSendsRSTOnceAfterAbort(t *testing.T) {
	isn := wrap.Wrap32(0)
	cfg := DefaultConfig()
	cfg.MaxRetransmissions = 0
	a := NewPeer(cfg, &isn)
	a.Write([]byte("x"))
	a.MaybeSend()

	a.Tick(cfg.InitialRTO)
	require.True(t, a.Aborted())

	seg, ok := a.MaybeSend()
	require.True(t, ok)
	assert.True(t, seg.Sender.RST)
	_, ok = a.MaybeSend()
	assert.False(t, ok)
}

func TestPeerResetByRemote(t *testing.T) {
	isnA, isnB := wrap.Wrap32(0), wrap.Wrap32(500)
	a := NewPeer(DefaultConfig(), &isnA)
	b := NewPeer(DefaultConfig(), &isnB)
	a.Write([]byte("hello"))
	seg, _ := a.MaybeSend()
	b.Receive(seg)

	b.Receive(Segment{Sender: SenderMessage{RST: true}})
	assert.True(t, b.Aborted())
	assert.True(t, b.Inbound().HasError())
	_, ok := b.MaybeSend()
	assert.False(t, ok)
}

func TestPeerBareAck(t *testing.T) {
	isnA, isnB := wrap.Wrap32(0), wrap.Wrap32(500)
	a := NewPeer(DefaultConfig(), &isnA)
	b := NewPeer(DefaultConfig(), &isnB)

	a.Write([]byte("hi"))
	syn, _ := a.MaybeSend()
	b.Receive(syn)
	synAck, ok := b.MaybeSend()
	require.True(t, ok)
	assert.True(t, synAck.Sender.SYN)
	require.NotNil(t, synAck.Receiver.Ackno)
	assert.Equal(t, isnA+1, *synAck.Receiver.Ackno)

	a.Receive(synAck)
	data, ok := a.MaybeSend()
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), data.Sender.Payload)
	b.Receive(data)

	// b has nothing to send but still owes an ack.
	ack, ok := b.MaybeSend()
	require.True(t, ok)
	assert.Equal(t, uint64(0), ack.Sender.SequenceLength())
	assert.Equal(t, isnA+3, *ack.Receiver.Ackno)
	_, ok = b.MaybeSend()
	assert.False(t, ok)
}
