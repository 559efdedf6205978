// Package rip encodes the route advertisements routers exchange with their
// neighbors.
package rip

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
	popcount "github.com/tmthrgd/go-popcount"
)

const (
	ProtocolNumber = 200

	CommandRequest  = 1
	CommandResponse = 2

	// Infinity is the cost of an unreachable route.
	Infinity = 16

	RouteTimeout   = 12_000 // ms without a refresh before a learned route is dropped
	UpdateInterval = 5_000  // ms between periodic advertisements

	headerLen = 4
	entryLen  = 12
	// MaxEntries keeps a packet inside a single datagram.
	MaxEntries = 64
)

type Packet struct {
	Command uint16
	Entries []Entry
}

// Entry advertises a route. Address and Mask are numeric IPv4 values.
type Entry struct {
	Cost    uint32
	Address uint32
	Mask    uint32
}

func Marshal(p *Packet) ([]byte, error) {
	if len(p.Entries) > MaxEntries {
		return nil, errors.Errorf("rip packet has %d entries, max %d", len(p.Entries), MaxEntries)
	}
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.BigEndian, p.Command)
	if err != nil {
		return nil, err
	}
	err = binary.Write(buf, binary.BigEndian, uint16(len(p.Entries)))
	if err != nil {
		return nil, err
	}
	err = binary.Write(buf, binary.BigEndian, p.Entries)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(payload []byte) (*Packet, error) {
	if len(payload) < headerLen {
		return nil, errors.Errorf("rip packet too short: %d bytes", len(payload))
	}
	command := binary.BigEndian.Uint16(payload[0:2])
	numEntries := int(binary.BigEndian.Uint16(payload[2:4]))
	if command != CommandRequest && command != CommandResponse {
		return nil, errors.Errorf("unknown rip command %d", command)
	}
	if numEntries > MaxEntries || len(payload) < headerLen+numEntries*entryLen {
		return nil, errors.Errorf("rip packet claims %d entries in %d bytes", numEntries, len(payload))
	}

	packet := &Packet{
		Command: command,
		Entries: make([]Entry, numEntries),
	}
	offset := headerLen
	for i := range packet.Entries {
		packet.Entries[i] = Entry{
			Cost:    binary.BigEndian.Uint32(payload[offset : offset+4]),
			Address: binary.BigEndian.Uint32(payload[offset+4 : offset+8]),
			Mask:    binary.BigEndian.Uint32(payload[offset+8 : offset+12]),
		}
		offset += entryLen
	}
	return packet, nil
}

// PrefixLen returns the length of e's mask, or false if the mask's ones are
// not contiguous from the top.
func (e Entry) PrefixLen() (uint8, bool) {
	n := popcount.Count64(uint64(e.Mask))
	if uint64(bits.LeadingZeros32(^e.Mask)) != n {
		return 0, false
	}
	return uint8(n), true
}

// Mask returns the netmask for a prefix of length n.
func Mask(n uint8) uint32 {
	if n == 0 {
		return 0
	}
	return ^uint32(0) << (32 - min(n, 32))
}
