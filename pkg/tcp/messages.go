package tcp

import "ip-tcp-stack/pkg/wrap"

// SenderMessage is the half of a segment produced by a Sender: sequence
// number, flags and payload.
type SenderMessage struct {
	Seqno   wrap.Wrap32
	SYN     bool
	Payload []byte
	FIN     bool
	RST     bool
}

// SequenceLength is the amount of sequence space the message occupies.
func (m SenderMessage) SequenceLength() uint64 {
	n := uint64(len(m.Payload))
	if m.SYN {
		n++
	}
	if m.FIN {
		n++
	}
	return n
}

// ReceiverMessage is the half of a segment produced by a Receiver. Ackno is
// nil until the receiver has seen a SYN.
type ReceiverMessage struct {
	Ackno      *wrap.Wrap32
	WindowSize uint16
	RST        bool
}
