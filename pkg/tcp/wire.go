package tcp

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"ip-tcp-stack/pkg/wrap"
)

const (
	HeaderLen      = header.TCPMinimumSize
	ProtocolNumber = 6

	pseudoHeaderLen = 12
)

// Packet is a Segment plus the port pair it travels between.
type Packet struct {
	SrcPort uint16
	DstPort uint16
	Segment Segment
}

// Marshal encodes p as a TCP header plus payload, with the checksum
// computed over the IPv4 pseudo-header for src and dst.
func (p Packet) Marshal(src, dst netip.Addr) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, errors.Errorf("tcp over non-IPv4 addresses %s -> %s", src, dst)
	}
	seg := p.Segment
	payload := seg.Sender.Payload
	if len(payload) > 0xffff-HeaderLen {
		return nil, errors.Errorf("payload of %d bytes does not fit a segment", len(payload))
	}

	var flags uint8
	if seg.Sender.SYN {
		flags |= header.TCPFlagSyn
	}
	if seg.Sender.FIN {
		flags |= header.TCPFlagFin
	}
	if seg.Sender.RST || seg.Receiver.RST {
		flags |= header.TCPFlagRst
	}
	var ackNum uint32
	if seg.Receiver.Ackno != nil {
		flags |= header.TCPFlagAck
		ackNum = uint32(*seg.Receiver.Ackno)
	}

	fields := header.TCPFields{
		SrcPort:    p.SrcPort,
		DstPort:    p.DstPort,
		SeqNum:     uint32(seg.Sender.Seqno),
		AckNum:     ackNum,
		DataOffset: HeaderLen,
		Flags:      flags,
		WindowSize: seg.Receiver.WindowSize,
	}
	fields.Checksum = checksum(&fields, src, dst, payload)

	b := make([]byte, HeaderLen+len(payload))
	header.TCP(b).Encode(&fields)
	copy(b[HeaderLen:], payload)
	return b, nil
}

// ParsePacket decodes a TCP header plus payload received from src for dst.
// Segments with a bad checksum are rejected.
func ParsePacket(b []byte, src, dst netip.Addr) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, errors.Errorf("tcp segment too short: %d bytes", len(b))
	}
	td := header.TCP(b)
	offset := int(td.DataOffset())
	if offset < HeaderLen || offset > len(b) {
		return Packet{}, errors.Errorf("bad tcp data offset %d", offset)
	}

	fields := header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
	}
	payload := b[offset:]
	if want := checksumWithOptions(b[:offset], src, dst, payload); want != td.Checksum() {
		return Packet{}, errors.Errorf("bad tcp checksum %#04x, want %#04x", td.Checksum(), want)
	}

	p := Packet{SrcPort: fields.SrcPort, DstPort: fields.DstPort}
	p.Segment.Sender = SenderMessage{
		Seqno:   wrap.Wrap32(fields.SeqNum),
		SYN:     fields.Flags&header.TCPFlagSyn != 0,
		FIN:     fields.Flags&header.TCPFlagFin != 0,
		RST:     fields.Flags&header.TCPFlagRst != 0,
		Payload: append([]byte(nil), payload...),
	}
	p.Segment.Receiver = ReceiverMessage{
		WindowSize: fields.WindowSize,
		RST:        fields.Flags&header.TCPFlagRst != 0,
	}
	if fields.Flags&header.TCPFlagAck != 0 {
		ackno := wrap.Wrap32(fields.AckNum)
		p.Segment.Receiver.Ackno = &ackno
	}
	return p, nil
}

func pseudoHeader(src, dst netip.Addr, tcpLen int) []byte {
	b := make([]byte, pseudoHeaderLen)
	copy(b[0:4], src.AsSlice())
	copy(b[4:8], dst.AsSlice())
	b[9] = ProtocolNumber
	binary.BigEndian.PutUint16(b[10:12], uint16(tcpLen))
	return b
}

func checksum(fields *header.TCPFields, src, dst netip.Addr, payload []byte) uint16 {
	hdr := header.TCP(make([]byte, HeaderLen))
	f := *fields
	f.Checksum = 0
	hdr.Encode(&f)
	return checksumWithOptions(hdr, src, dst, payload)
}

// checksumWithOptions sums a raw header (options included) with its
// checksum field treated as zero.
func checksumWithOptions(hdr []byte, src, dst netip.Addr, payload []byte) uint16 {
	raw := append([]byte(nil), hdr...)
	raw[16], raw[17] = 0, 0

	sum := header.Checksum(pseudoHeader(src, dst, len(hdr)+len(payload)), 0)
	sum = header.Checksum(raw, sum)
	sum = header.Checksum(payload, sum)
	return sum ^ 0xffff
}
