package link

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

const (
	ARPRequest = layers.ARPRequest
	ARPReply   = layers.ARPReply

	arpLen = 28
)

// ARPMessage is an Ethernet/IPv4 ARP request or reply. IP addresses are in
// numeric form.
type ARPMessage struct {
	Opcode         uint16
	SenderEthernet EthernetAddress
	SenderIP       uint32
	TargetEthernet EthernetAddress
	TargetIP       uint32
}

func ipBytes(ip uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ip)
	return b
}

func (m ARPMessage) Marshal() ([]byte, error) {
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         m.Opcode,
		SourceHwAddress:   m.SenderEthernet.hw(),
		SourceProtAddress: ipBytes(m.SenderIP),
		DstHwAddress:      m.TargetEthernet.hw(),
		DstProtAddress:    ipBytes(m.TargetIP),
	}
	buffer := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buffer, gopacket.SerializeOptions{FixLengths: true}, a); err != nil {
		return nil, errors.Wrap(err, "serialize arp")
	}
	return buffer.Bytes(), nil
}

// ParseARP decodes an ARP message, accepting only Ethernet/IPv4 requests
// and replies.
func ParseARP(b []byte) (ARPMessage, error) {
	if len(b) < arpLen {
		return ARPMessage{}, errors.Errorf("arp message too short: %d bytes", len(b))
	}
	var a layers.ARP
	if err := a.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return ARPMessage{}, errors.Wrap(err, "decode arp")
	}
	if a.AddrType != layers.LinkTypeEthernet ||
		a.Protocol != layers.EthernetTypeIPv4 ||
		a.HwAddressSize != 6 ||
		a.ProtAddressSize != 4 {
		return ARPMessage{}, errors.Errorf("unsupported arp hardware/protocol %s/%s", a.AddrType, a.Protocol)
	}
	if a.Operation != ARPRequest && a.Operation != ARPReply {
		return ARPMessage{}, errors.Errorf("unsupported arp opcode %d", a.Operation)
	}
	m := ARPMessage{
		Opcode:   a.Operation,
		SenderIP: binary.BigEndian.Uint32(a.SourceProtAddress),
		TargetIP: binary.BigEndian.Uint32(a.DstProtAddress),
	}
	copy(m.SenderEthernet[:], a.SourceHwAddress)
	copy(m.TargetEthernet[:], a.DstHwAddress)
	return m, nil
}
