package tcp

import (
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/bytestream"
	"ip-tcp-stack/pkg/reassembler"
	"ip-tcp-stack/pkg/wrap"
)

// Receiver maps incoming segments onto stream indices for the reassembler
// and produces the acknowledgment and window the peer should see.
type Receiver struct {
	logger    *zap.Logger
	zeroPoint *wrap.Wrap32
}

func NewReceiver(opts ...Option) *Receiver {
	o := buildOptions(opts)
	return &Receiver{logger: o.logger}
}

// Receive hands msg's payload to r for writing into inbound. Segments that
// arrive before the SYN are dropped.
func (rcv *Receiver) Receive(msg SenderMessage, r *reassembler.Reassembler, inbound *bytestream.Writer) {
	if msg.RST {
		inbound.SetError()
		return
	}
	if msg.SYN {
		zero := msg.Seqno
		rcv.zeroPoint = &zero
	}
	if rcv.zeroPoint == nil {
		rcv.logger.Debug("segment before SYN", zap.Stringer("seqno", msg.Seqno))
		return
	}

	// Absolute sequence number 0 is the SYN; stream index = abs - 1.
	abs := msg.Seqno.Unwrap(*rcv.zeroPoint, inbound.BytesPushed())
	if !msg.SYN && abs == 0 {
		rcv.logger.Debug("payload at SYN sequence number", zap.Stringer("seqno", msg.Seqno))
		return
	}
	first := abs - 1
	if msg.SYN {
		first = abs
	}
	r.Insert(first, msg.Payload, msg.FIN, inbound)
}

// Send reports the next expected sequence number (once a SYN has been seen)
// and how much room the inbound stream has left.
func (rcv *Receiver) Send(inbound *bytestream.Writer) ReceiverMessage {
	msg := ReceiverMessage{
		WindowSize: uint16(min(inbound.AvailableCapacity(), MaxWindowSize)),
		RST:        inbound.HasError(),
	}
	if rcv.zeroPoint != nil {
		next := inbound.BytesPushed() + 1
		if inbound.IsClosed() {
			next++
		}
		ackno := wrap.Wrap(next, *rcv.zeroPoint)
		msg.Ackno = &ackno
	}
	return msg
}
