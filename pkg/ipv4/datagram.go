// Package ipv4 holds the IPv4 datagram type that moves between interfaces
// and the router.
package ipv4

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const DefaultTTL = 64

// Datagram is a parsed IPv4 header plus its payload.
type Datagram struct {
	Header  ipv4header.IPv4Header
	Payload []byte
}

// NewDatagram builds a datagram with no options and a valid checksum.
func NewDatagram(src, dst netip.Addr, protocol int, ttl int, payload []byte) Datagram {
	d := Datagram{
		Header: ipv4header.IPv4Header{
			Version:  4,
			Len:      ipv4header.HeaderLen,
			TOS:      0,
			TotalLen: ipv4header.HeaderLen + len(payload),
			ID:       0,
			Flags:    0,
			FragOff:  0,
			TTL:      ttl,
			Protocol: protocol,
			Checksum: 0,
			Src:      src,
			Dst:      dst,
			Options:  []byte{},
		},
		Payload: payload,
	}
	d.ComputeChecksum()
	return d
}

// ComputeChecksum refreshes the header checksum, e.g. after a TTL change.
func (d *Datagram) ComputeChecksum() {
	d.Header.Checksum = 0
	b, err := d.Header.Marshal()
	if err != nil {
		return
	}
	d.Header.Checksum = int(header.Checksum(b, 0) ^ 0xffff)
}

// Serialize returns the header followed by the payload.
func (d Datagram) Serialize() ([]byte, error) {
	hdr, err := d.Header.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}
	b := make([]byte, 0, len(hdr)+len(d.Payload))
	b = append(b, hdr...)
	return append(b, d.Payload...), nil
}

// Parse decodes a datagram. Trailing bytes past TotalLen, such as link
// padding, are ignored.
func Parse(b []byte) (Datagram, error) {
	if len(b) < ipv4header.HeaderLen {
		return Datagram{}, errors.Errorf("datagram too short: %d bytes", len(b))
	}
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return Datagram{}, errors.Wrap(err, "parse ipv4 header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return Datagram{}, errors.Errorf("bad ipv4 lengths: header %d total %d buffer %d", hdr.Len, hdr.TotalLen, len(b))
	}
	// Summing a header that includes its own checksum yields 0xffff.
	if sum := header.Checksum(b[:hdr.Len], 0); sum != 0xffff {
		return Datagram{}, errors.Errorf("bad ipv4 checksum %#04x", hdr.Checksum)
	}
	return Datagram{
		Header:  *hdr,
		Payload: append([]byte(nil), b[hdr.Len:hdr.TotalLen]...),
	}, nil
}
