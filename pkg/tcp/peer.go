package tcp

import (
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/bytestream"
	"ip-tcp-stack/pkg/reassembler"
	"ip-tcp-stack/pkg/wrap"
)

// Segment is everything one endpoint tells the other in a single packet.
type Segment struct {
	Sender   SenderMessage
	Receiver ReceiverMessage
}

// Peer is one endpoint of a connection: an outbound stream drained by a
// Sender and an inbound stream filled by a Receiver through a Reassembler.
type Peer struct {
	cfg    Config
	logger *zap.Logger

	outbound    *bytestream.ByteStream
	inbound     *bytestream.ByteStream
	sender      *Sender
	receiver    *Receiver
	reassembler *reassembler.Reassembler

	needAck    bool
	lastWindow uint16
	aborted    bool
	rstSent    bool
}

func NewPeer(cfg Config, isn *wrap.Wrap32, opts ...Option) *Peer {
	o := buildOptions(opts)
	return &Peer{
		cfg:         cfg,
		logger:      o.logger,
		outbound:    bytestream.New(cfg.Capacity),
		inbound:     bytestream.New(cfg.Capacity),
		sender:      NewSender(cfg, isn, opts...),
		receiver:    NewReceiver(opts...),
		reassembler: reassembler.New(reassembler.WithLogger(o.logger)),
	}
}

// Write queues data for sending and returns how much of it fit in the
// outbound stream.
func (p *Peer) Write(data []byte) uint64 {
	n := p.outbound.Writer().Push(data)
	p.sender.Push(p.outbound.Reader())
	return n
}

// CloseWrite ends the outbound stream; FIN goes out once the window allows.
func (p *Peer) CloseWrite() {
	p.outbound.Writer().Close()
	p.sender.Push(p.outbound.Reader())
}

// Read pops up to n bytes that have arrived in order.
func (p *Peer) Read(n uint64) []byte {
	data := bytestream.Read(p.inbound.Reader(), n)
	if len(data) > 0 && p.lastWindow == 0 {
		// Tell a peer stuck on a zero window that there is room again.
		p.needAck = true
	}
	return data
}

func (p *Peer) Receive(seg Segment) {
	if p.aborted {
		return
	}
	if seg.Sender.RST || seg.Receiver.RST {
		p.logger.Debug("connection reset by peer")
		p.abort()
		p.rstSent = true
		return
	}

	p.receiver.Receive(seg.Sender, p.reassembler, p.inbound.Writer())
	p.sender.Receive(seg.Receiver)
	p.sender.Push(p.outbound.Reader())

	if seg.Sender.SequenceLength() > 0 {
		p.needAck = true
	}
}

func (p *Peer) Tick(ms uint64) {
	if p.aborted {
		return
	}
	p.sender.Tick(ms)
	if p.sender.ConsecutiveRetransmissions() > p.cfg.MaxRetransmissions {
		p.logger.Debug("too many retransmissions, aborting",
			zap.Uint64("attempts", p.sender.ConsecutiveRetransmissions()))
		p.abort()
	}
}

// MaybeSend returns the next segment to put on the wire, if any.
func (p *Peer) MaybeSend() (Segment, bool) {
	if p.aborted {
		if p.rstSent {
			return Segment{}, false
		}
		p.rstSent = true
		msg := p.sender.SendEmptyMessage()
		msg.RST = true
		return Segment{Sender: msg, Receiver: p.receiver.Send(p.inbound.Writer())}, true
	}

	msg, ok := p.sender.MaybeSend()
	if !ok {
		if !p.needAck {
			return Segment{}, false
		}
		msg = p.sender.SendEmptyMessage()
	}
	p.needAck = false

	ack := p.receiver.Send(p.inbound.Writer())
	p.lastWindow = ack.WindowSize
	return Segment{Sender: msg, Receiver: ack}, true
}

func (p *Peer) abort() {
	p.aborted = true
	p.outbound.Writer().SetError()
	p.inbound.Writer().SetError()
}

// Active is false once the connection was reset, or both directions have
// finished: our FIN is acknowledged and the peer's stream has ended.
func (p *Peer) Active() bool {
	if p.aborted {
		return false
	}
	return !(p.sender.Finished() && p.inbound.Writer().IsClosed())
}

func (p *Peer) Aborted() bool { return p.aborted }

// Inbound exposes the reader side of the received stream.
func (p *Peer) Inbound() *bytestream.Reader { return p.inbound.Reader() }

func (p *Peer) Sender() *Sender { return p.sender }
