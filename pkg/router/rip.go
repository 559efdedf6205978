package router

import (
	"net/netip"
	"slices"

	"go.uber.org/zap"

	"ip-tcp-stack/pkg/ipv4"
	"ip-tcp-stack/pkg/netif"
	"ip-tcp-stack/rip"
)

// AddNeighbor registers a RIP neighbor reachable through interface iface.
func (r *Router) AddNeighbor(addr netip.Addr, iface int) {
	r.neighbors = append(r.neighbors, neighbor{addr: addr, iface: iface})
}

// Start asks every neighbor for its table.
func (r *Router) Start() {
	for _, nb := range r.neighbors {
		r.sendRIP(nb, &rip.Packet{Command: rip.CommandRequest})
	}
}

// Tick advances interface timers, ages learned routes and sends the
// periodic advertisement.
func (r *Router) Tick(ms uint64) {
	for _, iface := range r.interfaces {
		iface.Tick(ms)
	}

	for i := range r.nodes {
		n := &r.nodes[i]
		if !n.hasRoute || !n.route.Learned {
			continue
		}
		n.age += ms
		if n.age >= rip.RouteTimeout {
			n.hasRoute = false
			r.logger.Debug("route expired", zap.Stringer("prefix", n.route.Prefix))
		}
	}

	r.sinceUpdate += ms
	if r.sinceUpdate >= rip.UpdateInterval {
		r.sinceUpdate = 0
		for _, nb := range r.neighbors {
			r.advertise(nb)
		}
	}
}

// LearnRIP applies an advertisement received from neighbor from on
// interface iface. A route is taken when it is new, cheaper than the
// current one, or an update from the neighbor the current one goes through.
func (r *Router) LearnRIP(from netip.Addr, iface int, pkt *rip.Packet) {
	for _, e := range pkt.Entries {
		plen, ok := e.PrefixLen()
		if !ok {
			r.logger.Debug("ignoring non-contiguous mask", zap.Uint32("mask", e.Mask))
			continue
		}
		cost := min(e.Cost+1, rip.Infinity)
		prefix := e.Address & rip.Mask(plen)

		n := r.find(prefix, plen)
		if n != nil && n.hasRoute {
			cur := n.route
			switch {
			case cur.Learned && cur.NextHop == from:
				if cost >= rip.Infinity {
					n.hasRoute = false
					r.logger.Debug("route withdrawn", zap.Stringer("prefix", cur.Prefix))
					continue
				}
				n.route.Cost = cost
				n.age = 0
			case cost < cur.Cost:
				r.learn(n, prefix, plen, from, iface, cost)
			}
			continue
		}
		if cost >= rip.Infinity {
			continue
		}
		r.learn(r.insert(prefix, plen), prefix, plen, from, iface, cost)
	}
}

func (r *Router) learn(n *node, prefix uint32, plen uint8, from netip.Addr, iface int, cost uint32) {
	n.hasRoute = true
	n.age = 0
	n.route = Route{
		Prefix:    netip.PrefixFrom(ipv4.Uint32ToAddr(prefix), int(plen)),
		NextHop:   from,
		Interface: iface,
		Cost:      cost,
		Learned:   true,
	}
	r.logger.Debug("route learned",
		zap.Stringer("prefix", n.route.Prefix),
		zap.Stringer("via", from),
		zap.Uint32("cost", cost))
}

// Advertisement builds the table as neighbor to should see it. Routes
// learned through to are poisoned so it never routes back through us.
func (r *Router) Advertisement(to netip.Addr) []rip.Entry {
	var entries []rip.Entry
	for _, rt := range r.Routes() {
		cost := rt.Cost
		if rt.Learned && rt.NextHop == to {
			cost = rip.Infinity
		}
		entries = append(entries, rip.Entry{
			Cost:    cost,
			Address: ipv4.AddrToUint32(rt.Prefix.Addr()),
			Mask:    rip.Mask(uint8(rt.Prefix.Bits())),
		})
	}
	return entries
}

func (r *Router) advertise(nb neighbor) {
	for chunk := range slices.Chunk(r.Advertisement(nb.addr), rip.MaxEntries) {
		r.sendRIP(nb, &rip.Packet{Command: rip.CommandResponse, Entries: chunk})
	}
}

func (r *Router) sendRIP(nb neighbor, pkt *rip.Packet) {
	if nb.iface < 0 || nb.iface >= len(r.interfaces) {
		return
	}
	payload, err := rip.Marshal(pkt)
	if err != nil {
		r.logger.Debug("dropping rip packet", zap.Error(err))
		return
	}
	iface := r.interfaces[nb.iface]
	dgram := ipv4.NewDatagram(iface.IPAddress(), nb.addr, rip.ProtocolNumber, ipv4.DefaultTTL, payload)
	iface.SendDatagram(dgram, nb.addr)
}

// deliverLocal handles a datagram addressed to one of our interfaces. Only
// RIP is spoken here.
func (r *Router) deliverLocal(in *netif.Interface, dgram ipv4.Datagram) {
	if dgram.Header.Protocol != rip.ProtocolNumber {
		r.logger.Debug("dropping datagram for router",
			zap.Stringer("src", dgram.Header.Src),
			zap.Int("protocol", dgram.Header.Protocol))
		return
	}
	pkt, err := rip.Unmarshal(dgram.Payload)
	if err != nil {
		r.logger.Debug("dropping rip packet", zap.Error(err))
		return
	}
	idx := slices.Index(r.interfaces, in)

	switch pkt.Command {
	case rip.CommandRequest:
		r.advertise(neighbor{addr: dgram.Header.Src, iface: idx})
	case rip.CommandResponse:
		r.LearnRIP(dgram.Header.Src, idx, pkt)
	}
}
