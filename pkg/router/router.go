// Package router forwards IPv4 datagrams between interfaces by
// longest-prefix match and learns routes from RIP neighbors.
package router

import (
	"net/netip"

	"go.uber.org/zap"

	"ip-tcp-stack/pkg/ipv4"
	"ip-tcp-stack/pkg/netif"
)

// node is a trie vertex at depth = number of prefix bits consumed. Children
// are indices into Router.nodes; 0 means absent since the root is never a
// child.
type node struct {
	children [2]int32

	hasRoute bool
	route    Route
	// ms since a learned route was last refreshed
	age uint64
}

// Route is one forwarding table entry. An invalid NextHop means the prefix
// is directly attached.
type Route struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Interface int
	Cost      uint32
	// Learned routes came from RIP and expire unless refreshed.
	Learned bool
}

// Type is the single-letter kind shown in route listings: L for directly
// attached, S for static, R for learned.
func (rt Route) Type() string {
	switch {
	case rt.Learned:
		return "R"
	case !rt.NextHop.IsValid():
		return "L"
	default:
		return "S"
	}
}

type neighbor struct {
	addr  netip.Addr
	iface int
}

type Router struct {
	logger     *zap.Logger
	interfaces []*netif.Interface
	nodes      []node

	neighbors   []neighbor
	sinceUpdate uint64
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func New(opts ...Option) *Router {
	r := &Router{
		logger: zap.NewNop(),
		nodes:  make([]node, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddInterface takes ownership of iface and returns its index.
func (r *Router) AddInterface(iface *netif.Interface) int {
	r.interfaces = append(r.interfaces, iface)
	return len(r.interfaces) - 1
}

func (r *Router) Interface(n int) *netif.Interface { return r.interfaces[n] }

func (r *Router) Interfaces() []*netif.Interface { return r.interfaces }

// AddRoute installs a static route for the top prefixLen bits of prefix,
// replacing any route for the same prefix.
func (r *Router) AddRoute(prefix uint32, prefixLen uint8, nextHop netip.Addr, iface int) {
	if prefixLen > 32 {
		r.logger.Debug("clamping prefix length", zap.Uint8("len", prefixLen))
		prefixLen = 32
	}
	n := r.insert(prefix, prefixLen)
	n.hasRoute = true
	n.route = Route{
		Prefix:    netip.PrefixFrom(ipv4.Uint32ToAddr(prefix), int(prefixLen)).Masked(),
		NextHop:   nextHop,
		Interface: iface,
	}
	r.logger.Debug("route added",
		zap.Stringer("prefix", n.route.Prefix),
		zap.String("next_hop", ipv4.FormatAddr(nextHop)),
		zap.Int("iface", iface))
}

// AddPrefix is AddRoute for a netip.Prefix.
func (r *Router) AddPrefix(p netip.Prefix, nextHop netip.Addr, iface int) {
	if !p.Addr().Is4() {
		r.logger.Debug("ignoring non-IPv4 prefix", zap.Stringer("prefix", p))
		return
	}
	r.AddRoute(ipv4.AddrToUint32(p.Masked().Addr()), uint8(p.Bits()), nextHop, iface)
}

// insert walks (and grows) the trie along prefix and returns the node for
// its first prefixLen bits.
func (r *Router) insert(prefix uint32, prefixLen uint8) *node {
	cur := int32(0)
	for i := uint8(0); i < prefixLen; i++ {
		bit := prefix >> (31 - i) & 1
		next := r.nodes[cur].children[bit]
		if next == 0 {
			r.nodes = append(r.nodes, node{})
			next = int32(len(r.nodes) - 1)
			r.nodes[cur].children[bit] = next
		}
		cur = next
	}
	return &r.nodes[cur]
}

// find returns the node for exactly prefix/prefixLen, or nil.
func (r *Router) find(prefix uint32, prefixLen uint8) *node {
	cur := int32(0)
	for i := uint8(0); i < prefixLen; i++ {
		cur = r.nodes[cur].children[prefix>>(31-i)&1]
		if cur == 0 {
			return nil
		}
	}
	return &r.nodes[cur]
}

// Lookup returns the longest-prefix route covering dst.
func (r *Router) Lookup(dst uint32) (Route, bool) {
	best := -1
	if r.nodes[0].hasRoute {
		best = 0
	}
	cur := int32(0)
	for i := 0; i < 32; i++ {
		cur = r.nodes[cur].children[dst>>(31-i)&1]
		if cur == 0 {
			break
		}
		if r.nodes[cur].hasRoute {
			best = int(cur)
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return r.nodes[best].route, true
}

// Route forwards every datagram waiting on any interface.
func (r *Router) Route() {
	for _, iface := range r.interfaces {
		for {
			dgram, ok := iface.MaybeReceive()
			if !ok {
				break
			}
			r.forward(iface, dgram)
		}
	}
}

func (r *Router) forward(in *netif.Interface, dgram ipv4.Datagram) {
	if r.isLocal(dgram.Header.Dst) {
		r.deliverLocal(in, dgram)
		return
	}

	rt, ok := r.Lookup(ipv4.AddrToUint32(dgram.Header.Dst))
	if !ok {
		r.logger.Debug("no route", zap.Stringer("dst", dgram.Header.Dst))
		return
	}
	if dgram.Header.TTL <= 1 {
		r.logger.Debug("ttl expired", zap.Stringer("dst", dgram.Header.Dst))
		return
	}
	if rt.Interface < 0 || rt.Interface >= len(r.interfaces) {
		r.logger.Debug("route names unknown interface", zap.Int("iface", rt.Interface))
		return
	}

	dgram.Header.TTL--
	dgram.ComputeChecksum()

	nextHop := rt.NextHop
	if !nextHop.IsValid() {
		nextHop = dgram.Header.Dst
	}
	r.interfaces[rt.Interface].SendDatagram(dgram, nextHop)
}

func (r *Router) isLocal(addr netip.Addr) bool {
	for _, iface := range r.interfaces {
		if iface.IPAddress() == addr {
			return true
		}
	}
	return false
}

// Routes lists the table in trie order.
func (r *Router) Routes() []Route {
	var routes []Route
	var walk func(int32)
	walk = func(i int32) {
		n := &r.nodes[i]
		if n.hasRoute {
			routes = append(routes, n.route)
		}
		for _, c := range n.children {
			if c != 0 {
				walk(c)
			}
		}
	}
	walk(0)
	return routes
}
