// Package netif implements a network interface that resolves next-hop IP
// addresses to Ethernet addresses with ARP before framing datagrams.
package netif

import (
	"net/netip"
	"slices"

	"go.uber.org/zap"

	"ip-tcp-stack/pkg/ipv4"
	"ip-tcp-stack/pkg/link"
)

const (
	// ARPCacheTTL is how long (ms) a learned mapping stays usable.
	ARPCacheTTL = 30_000
	// ARPRequestRetry is how long (ms) to wait before re-asking.
	ARPRequestRetry = 5_000
)

type cacheEntry struct {
	eth link.EthernetAddress
	ttl uint64
}

// resolution tracks an outstanding ARP request and the datagrams waiting on
// its answer.
type resolution struct {
	timer     uint64
	datagrams []ipv4.Datagram
}

// Interface is one attachment to a link. Frames to send and datagrams
// received are queued until the owner drains them.
type Interface struct {
	name   string
	eth    link.EthernetAddress
	ip     netip.Addr
	logger *zap.Logger

	cacheTTL uint64
	retry    uint64

	cache   map[uint32]cacheEntry
	pending map[uint32]*resolution

	outbound []link.Frame
	inbound  []ipv4.Datagram
}

type Option func(*Interface)

func WithLogger(l *zap.Logger) Option {
	return func(i *Interface) { i.logger = l }
}

// WithTimers overrides the ARP cache lifetime and request retry interval.
func WithTimers(cacheTTL, retry uint64) Option {
	return func(i *Interface) {
		i.cacheTTL = cacheTTL
		i.retry = retry
	}
}

func New(name string, eth link.EthernetAddress, ip netip.Addr, opts ...Option) *Interface {
	i := &Interface{
		name:     name,
		eth:      eth,
		ip:       ip,
		logger:   zap.NewNop(),
		cacheTTL: ARPCacheTTL,
		retry:    ARPRequestRetry,
		cache:    make(map[uint32]cacheEntry),
		pending:  make(map[uint32]*resolution),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(zap.String("iface", name))
	return i
}

func (i *Interface) Name() string { return i.name }
func (i *Interface) EthernetAddress() link.EthernetAddress { return i.eth }
func (i *Interface) IPAddress() netip.Addr { return i.ip }

// SendDatagram frames dgram for nextHop, or queues it behind an ARP request
// if nextHop's Ethernet address is unknown.
func (i *Interface) SendDatagram(dgram ipv4.Datagram, nextHop netip.Addr) {
	addr := ipv4.AddrToUint32(nextHop)
	if e, ok := i.cache[addr]; ok {
		i.sendIPv4(dgram, e.eth)
		return
	}

	r, ok := i.pending[addr]
	if !ok {
		i.sendARP(link.ARPMessage{
			Opcode:         link.ARPRequest,
			SenderEthernet: i.eth,
			SenderIP:       ipv4.AddrToUint32(i.ip),
			TargetIP:       addr,
		}, link.Broadcast)
		r = &resolution{timer: i.retry}
		i.pending[addr] = r
		i.logger.Debug("arp request", zap.Stringer("target", nextHop))
	}
	r.datagrams = append(r.datagrams, dgram)
}

// RecvFrame processes a frame from the link and returns the datagram it
// carried, if any. ARP traffic is consumed here.
func (i *Interface) RecvFrame(f link.Frame) (ipv4.Datagram, bool) {
	if f.Dst != i.eth && f.Dst != link.Broadcast {
		return ipv4.Datagram{}, false
	}

	switch f.Type {
	case link.EtherTypeIPv4:
		dgram, err := ipv4.Parse(f.Payload)
		if err != nil {
			i.logger.Debug("dropping datagram", zap.Error(err))
			return ipv4.Datagram{}, false
		}
		return dgram, true

	case link.EtherTypeARP:
		msg, err := link.ParseARP(f.Payload)
		if err != nil {
			i.logger.Debug("dropping arp", zap.Error(err))
			return ipv4.Datagram{}, false
		}
		i.handleARP(msg)
	}
	return ipv4.Datagram{}, false
}

func (i *Interface) handleARP(msg link.ARPMessage) {
	myIP := ipv4.AddrToUint32(i.ip)
	if msg.Opcode == link.ARPRequest && msg.TargetIP == myIP {
		i.sendARP(link.ARPMessage{
			Opcode:         link.ARPReply,
			SenderEthernet: i.eth,
			SenderIP:       myIP,
			TargetEthernet: msg.SenderEthernet,
			TargetIP:       msg.SenderIP,
		}, msg.SenderEthernet)
	}

	// Any request reveals its sender; replies only count when addressed to us.
	learn := msg.Opcode == link.ARPRequest ||
		(msg.Opcode == link.ARPReply && msg.TargetEthernet == i.eth)
	if !learn {
		return
	}

	i.cache[msg.SenderIP] = cacheEntry{eth: msg.SenderEthernet, ttl: i.cacheTTL}
	if r, ok := i.pending[msg.SenderIP]; ok {
		delete(i.pending, msg.SenderIP)
		for _, dgram := range r.datagrams {
			i.sendIPv4(dgram, msg.SenderEthernet)
		}
	}
}

// Receive is RecvFrame that queues the datagram for MaybeReceive.
func (i *Interface) Receive(f link.Frame) {
	if dgram, ok := i.RecvFrame(f); ok {
		i.inbound = append(i.inbound, dgram)
	}
}

// Tick ages the ARP cache and re-sends requests that went unanswered.
func (i *Interface) Tick(ms uint64) {
	for addr, e := range i.cache {
		if e.ttl <= ms {
			delete(i.cache, addr)
			continue
		}
		e.ttl -= ms
		i.cache[addr] = e
	}

	// Sorted so retries leave in a stable order.
	addrs := make([]uint32, 0, len(i.pending))
	for addr := range i.pending {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	for _, addr := range addrs {
		r := i.pending[addr]
		if r.timer > ms {
			r.timer -= ms
			continue
		}
		r.timer = i.retry
		i.sendARP(link.ARPMessage{
			Opcode:         link.ARPRequest,
			SenderEthernet: i.eth,
			SenderIP:       ipv4.AddrToUint32(i.ip),
			TargetIP:       addr,
		}, link.Broadcast)
		i.logger.Debug("arp request retry", zap.Stringer("target", ipv4.Uint32ToAddr(addr)))
	}
}

// MaybeSend pops the next frame queued for the link.
func (i *Interface) MaybeSend() (link.Frame, bool) {
	if len(i.outbound) == 0 {
		return link.Frame{}, false
	}
	f := i.outbound[0]
	i.outbound = i.outbound[1:]
	return f, true
}

// MaybeReceive pops the next datagram queued by Receive.
func (i *Interface) MaybeReceive() (ipv4.Datagram, bool) {
	if len(i.inbound) == 0 {
		return ipv4.Datagram{}, false
	}
	d := i.inbound[0]
	i.inbound = i.inbound[1:]
	return d, true
}

// Neighbor is a cached ARP mapping.
type Neighbor struct {
	IP  netip.Addr
	Eth link.EthernetAddress
	TTL uint64
}

// Neighbors lists the ARP cache ordered by IP.
func (i *Interface) Neighbors() []Neighbor {
	ns := make([]Neighbor, 0, len(i.cache))
	for addr, e := range i.cache {
		ns = append(ns, Neighbor{IP: ipv4.Uint32ToAddr(addr), Eth: e.eth, TTL: e.ttl})
	}
	slices.SortFunc(ns, func(a, b Neighbor) int { return a.IP.Compare(b.IP) })
	return ns
}

func (i *Interface) sendIPv4(dgram ipv4.Datagram, dst link.EthernetAddress) {
	payload, err := dgram.Serialize()
	if err != nil {
		i.logger.Debug("dropping unserializable datagram", zap.Error(err))
		return
	}
	i.outbound = append(i.outbound, link.Frame{Src: i.eth, Dst: dst, Type: link.EtherTypeIPv4, Payload: payload})
}

func (i *Interface) sendARP(msg link.ARPMessage, dst link.EthernetAddress) {
	payload, err := msg.Marshal()
	if err != nil {
		i.logger.Debug("dropping arp", zap.Error(err))
		return
	}
	i.outbound = append(i.outbound, link.Frame{Src: i.eth, Dst: dst, Type: link.EtherTypeARP, Payload: payload})
}
