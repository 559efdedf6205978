// Package link encodes and decodes the Ethernet frames and ARP messages
// exchanged by network interfaces.
package link

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// EthernetAddress is a 48-bit hardware address.
type EthernetAddress [6]byte

// Broadcast is the all-ones hardware address every interface accepts.
var Broadcast = EthernetAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a EthernetAddress) String() string { return net.HardwareAddr(a[:]).String() }

func (a EthernetAddress) hw() net.HardwareAddr {
	return append(net.HardwareAddr(nil), a[:]...)
}

type EtherType uint16

const (
	EtherTypeIPv4 = EtherType(layers.EthernetTypeIPv4)
	EtherTypeARP  = EtherType(layers.EthernetTypeARP)
)

func (t EtherType) String() string { return layers.EthernetType(t).String() }

// Frame is an Ethernet II frame.
type Frame struct {
	Src     EthernetAddress
	Dst     EthernetAddress
	Type    EtherType
	Payload []byte
}

// Marshal encodes f. Short payloads are padded to the Ethernet minimum
// frame size.
func (f Frame) Marshal() ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       f.Src.hw(),
		DstMAC:       f.Dst.hw(),
		EthernetType: layers.EthernetType(f.Type),
	}
	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buffer, options, eth, gopacket.Payload(f.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize ethernet frame")
	}
	return buffer.Bytes(), nil
}

// ParseFrame decodes an Ethernet II frame. The payload is copied and may
// include link padding.
func ParseFrame(b []byte) (Frame, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return Frame{}, errors.Wrap(err, "decode ethernet frame")
	}
	f := Frame{
		Type:    EtherType(eth.EthernetType),
		Payload: append([]byte(nil), eth.Payload...),
	}
	copy(f.Src[:], eth.SrcMAC)
	copy(f.Dst[:], eth.DstMAC)
	return f, nil
}
