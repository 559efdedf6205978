package tcp

import (
	"math/rand/v2"

	"github.com/google/btree"
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/bytestream"
	"ip-tcp-stack/pkg/wrap"
)

// segment is an outstanding message keyed by the absolute offset of its
// first sequence number.
type segment struct {
	offset uint64
	msg    SenderMessage
}

func segmentLess(a, b segment) bool { return a.offset < b.offset }

// Sender reads from an outbound stream, cuts it into segments that fit the
// peer's window, and retransmits the oldest unacknowledged segment when the
// retransmission timer expires.
type Sender struct {
	cfg    Config
	isn    wrap.Wrap32
	logger *zap.Logger

	// Sent but not yet fully acknowledged, ordered by offset.
	outstanding *btree.BTreeG[segment]
	// Offsets of outstanding segments queued for (re)transmission.
	pending []uint64

	windowSize  uint16
	elapsed     uint64
	rto         uint64
	ackSeqno    uint64
	sendSeqno   uint64
	retransmits uint64
	finSent     bool
}

// NewSender returns a sender whose first sequence number is *isn, or a
// random one when isn is nil.
func NewSender(cfg Config, isn *wrap.Wrap32, opts ...Option) *Sender {
	o := buildOptions(opts)
	s := &Sender{
		cfg:         cfg,
		logger:      o.logger,
		outstanding: btree.NewG[segment](8, segmentLess),
		windowSize:  1,
		rto:         cfg.InitialRTO,
	}
	if isn != nil {
		s.isn = *isn
	} else {
		s.isn = wrap.Wrap32(rand.Uint32())
	}
	return s
}

// Push fills the peer's window with new segments read from outbound. A
// zero window is treated as a window of one so the sender keeps probing.
func (s *Sender) Push(outbound *bytestream.Reader) {
	window := uint64(s.windowSize)
	if window == 0 {
		window = 1
	}

	for !s.finSent && window > s.SequenceNumbersInFlight() {
		room := window - s.SequenceNumbersInFlight()

		msg := SenderMessage{
			Seqno: wrap.Wrap(s.sendSeqno, s.isn),
			SYN:   s.sendSeqno == 0,
		}
		if msg.SYN {
			room--
		}
		msg.Payload = bytestream.Read(outbound, min(s.cfg.MaxPayloadSize, room))
		if outbound.IsFinished() && uint64(len(msg.Payload)) < room {
			msg.FIN = true
		}
		msg.RST = outbound.HasError()

		if msg.SequenceLength() == 0 {
			break
		}
		if s.outstanding.Len() == 0 {
			s.rto = s.cfg.InitialRTO
			s.elapsed = 0
		}

		s.outstanding.ReplaceOrInsert(segment{offset: s.sendSeqno, msg: msg})
		s.pending = append(s.pending, s.sendSeqno)
		s.sendSeqno += msg.SequenceLength()

		if msg.FIN {
			s.finSent = true
		}
	}
}

// MaybeSend returns the next queued segment. Segments acknowledged while
// they sat in the queue are skipped.
func (s *Sender) MaybeSend() (SenderMessage, bool) {
	for len(s.pending) > 0 && s.sendSeqno > 0 {
		offset := s.pending[0]
		s.pending = s.pending[1:]
		if seg, ok := s.outstanding.Get(segment{offset: offset}); ok {
			return seg.msg, true
		}
	}
	return SenderMessage{}, false
}

// SendEmptyMessage returns a message that occupies no sequence space, used
// to carry a bare acknowledgment.
func (s *Sender) SendEmptyMessage() SenderMessage {
	return SenderMessage{Seqno: wrap.Wrap(s.sendSeqno, s.isn)}
}

// Receive processes the peer's acknowledgment and window. An ackno beyond
// anything sent invalidates the whole message.
func (s *Sender) Receive(msg ReceiverMessage) {
	if msg.Ackno != nil {
		ack := msg.Ackno.Unwrap(s.isn, s.sendSeqno)
		if ack > s.sendSeqno {
			s.logger.Debug("ignoring ack beyond send point",
				zap.Uint64("ack", ack),
				zap.Uint64("sent", s.sendSeqno))
			return
		}
		for {
			head, ok := s.outstanding.Min()
			if !ok || head.offset+head.msg.SequenceLength() > ack {
				break
			}
			s.outstanding.DeleteMin()
			s.ackSeqno += head.msg.SequenceLength()
			s.rto = s.cfg.InitialRTO
			if s.outstanding.Len() > 0 {
				s.elapsed = 0
			}
		}
		s.retransmits = 0
	}
	s.windowSize = msg.WindowSize
}

// Tick advances the retransmission timer by ms milliseconds.
func (s *Sender) Tick(ms uint64) {
	s.elapsed += ms
	if s.elapsed < s.rto {
		return
	}
	head, ok := s.outstanding.Min()
	if !ok {
		return
	}

	// Zero-window probes retry at a fixed interval.
	if s.windowSize > 0 {
		s.rto *= 2
	}
	s.elapsed = 0
	s.retransmits++
	s.pending = append(s.pending, head.offset)

	s.logger.Debug("retransmitting",
		zap.Stringer("seqno", head.msg.Seqno),
		zap.Uint64("len", head.msg.SequenceLength()),
		zap.Uint64("rto", s.rto),
		zap.Uint64("attempt", s.retransmits))
}

// SequenceNumbersInFlight is the sequence space sent but not yet acknowledged.
func (s *Sender) SequenceNumbersInFlight() uint64 { return s.sendSeqno - s.ackSeqno }

func (s *Sender) ConsecutiveRetransmissions() uint64 { return s.retransmits }

// Finished reports whether FIN has been sent and everything is acknowledged.
func (s *Sender) Finished() bool { return s.finSent && s.SequenceNumbersInFlight() == 0 }

func (s *Sender) ISN() wrap.Wrap32 { return s.isn }
