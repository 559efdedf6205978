package router

import (
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/gaissmai/bart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-tcp-stack/pkg/ipv4"
	"ip-tcp-stack/pkg/link"
	"ip-tcp-stack/pkg/netif"
	"ip-tcp-stack/rip"
)

var peerEth = link.EthernetAddress{0x02, 0xee, 0, 0, 0, 0x01}

func ethFor(n byte) link.EthernetAddress { return link.EthernetAddress{0x02, 0, 0, 0, 0, n} }

// testRouter has eth0 on 10.0.0.0/8 and eth1 towards 192.168.0.2, with
// 10.1.0.0/16 routed through it.
func testRouter(t *testing.T) *Router {
	t.Helper()
	r := New()
	r.AddInterface(netif.New("eth0", ethFor(1), netip.MustParseAddr("10.0.0.1")))
	r.AddInterface(netif.New("eth1", ethFor(2), netip.MustParseAddr("192.168.0.1")))
	r.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"), netip.Addr{}, 0)
	r.AddPrefix(netip.MustParsePrefix("192.168.0.0/24"), netip.Addr{}, 1)
	r.AddRoute(0x0a010000, 16, netip.MustParseAddr("192.168.0.2"), 1)
	return r
}

// inject delivers dgram to interface n as if it arrived from the link.
func inject(t *testing.T, r *Router, n int, dgram ipv4.Datagram) {
	t.Helper()
	b, err := dgram.Serialize()
	require.NoError(t, err)
	iface := r.Interface(n)
	iface.Receive(link.Frame{Src: peerEth, Dst: iface.EthernetAddress(), Type: link.EtherTypeIPv4, Payload: b})
}

// arpTarget pops the next frame on interface n and returns the address it
// is resolving.
func arpTarget(t *testing.T, r *Router, n int) netip.Addr {
	t.Helper()
	f, ok := r.Interface(n).MaybeSend()
	require.True(t, ok, "expected a frame on interface %d", n)
	require.Equal(t, link.EtherTypeARP, f.Type)
	msg, err := link.ParseARP(f.Payload)
	require.NoError(t, err)
	return ipv4.Uint32ToAddr(msg.TargetIP)
}

func noFrames(t *testing.T, r *Router) {
	t.Helper()
	for i, iface := range r.Interfaces() {
		f, ok := iface.MaybeSend()
		assert.False(t, ok, "unexpected frame on interface %d: %+v", i, f)
	}
}

func TestForwardViaNextHop(t *testing.T) {
	r := testRouter(t)
	src := netip.MustParseAddr("10.9.9.9")
	inject(t, r, 0, ipv4.NewDatagram(src, netip.MustParseAddr("10.1.2.3"), 6, 64, []byte("x")))
	r.Route()

	assert.Equal(t, netip.MustParseAddr("192.168.0.2"), arpTarget(t, r, 1))
	noFrames(t, r)
}

func TestForwardDirectlyAttached(t *testing.T) {
	r := testRouter(t)
	dst := netip.MustParseAddr("10.2.0.1")
	inject(t, r, 1, ipv4.NewDatagram(netip.MustParseAddr("192.168.0.2"), dst, 6, 64, []byte("x")))
	r.Route()

	assert.Equal(t, dst, arpTarget(t, r, 0))
	noFrames(t, r)
}

func TestForwardDecrementsTTL(t *testing.T) {
	r := testRouter(t)
	// Teach eth0 the destination's Ethernet address up front.
	dst := netip.MustParseAddr("10.2.0.1")
	req, err := link.ARPMessage{
		Opcode:         link.ARPRequest,
		SenderEthernet: peerEth,
		SenderIP:       ipv4.AddrToUint32(dst),
		TargetIP:       ipv4.AddrToUint32(netip.MustParseAddr("10.3.3.3")),
	}.Marshal()
	require.NoError(t, err)
	_, ok := r.Interface(0).RecvFrame(link.Frame{Src: peerEth, Dst: link.Broadcast, Type: link.EtherTypeARP, Payload: req})
	require.False(t, ok)

	inject(t, r, 1, ipv4.NewDatagram(netip.MustParseAddr("192.168.0.2"), dst, 6, 2, []byte("payload")))
	r.Route()

	f, ok := r.Interface(0).MaybeSend()
	require.True(t, ok)
	assert.Equal(t, peerEth, f.Dst)
	got, err := ipv4.Parse(f.Payload)
	require.NoError(t, err, "checksum must be recomputed")
	assert.Equal(t, 1, got.Header.TTL)
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestDropsExpiringTTL(t *testing.T) {
	r := testRouter(t)
	for _, ttl := range []int{0, 1} {
		inject(t, r, 0, ipv4.NewDatagram(netip.MustParseAddr("10.9.9.9"), netip.MustParseAddr("10.1.2.3"), 6, ttl, nil))
	}
	r.Route()
	noFrames(t, r)
}

func TestDropsWithoutRoute(t *testing.T) {
	r := testRouter(t)
	inject(t, r, 0, ipv4.NewDatagram(netip.MustParseAddr("10.9.9.9"), netip.MustParseAddr("8.8.8.8"), 6, 64, nil))
	r.Route()
	noFrames(t, r)
}

func TestDefaultRoute(t *testing.T) {
	r := testRouter(t)
	r.AddRoute(0, 0, netip.MustParseAddr("192.168.0.254"), 1)

	rt, ok := r.Lookup(ipv4.AddrToUint32(netip.MustParseAddr("8.8.8.8")))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.0.254"), rt.NextHop)

	// Longer prefixes still win.
	rt, ok = r.Lookup(ipv4.AddrToUint32(netip.MustParseAddr("10.1.200.1")))
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/16"), rt.Prefix)
}

func TestAddRouteReplaces(t *testing.T) {
	r := testRouter(t)
	r.AddRoute(0x0a010000, 16, netip.MustParseAddr("10.0.0.9"), 0)

	rt, ok := r.Lookup(0x0a010203)
	require.True(t, ok)
	assert.Equal(t, 0, rt.Interface)
	assert.Len(t, r.Routes(), 3)
}

func TestRouteTypes(t *testing.T) {
	r := testRouter(t)
	var kinds []string
	for _, rt := range r.Routes() {
		kinds = append(kinds, rt.Type()+" "+rt.Prefix.String())
	}
	assert.ElementsMatch(t, []string{"L 10.0.0.0/8", "S 10.1.0.0/16", "L 192.168.0.0/24"}, kinds)
}

func TestLookupMatchesBart(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 8))
	r := New()
	oracle := new(bart.Table[int])

	for i := 0; i < 2000; i++ {
		// Few distinct top bits so prefixes nest.
		addr := rng.Uint32() & 0xf0ffffff
		plen := uint8(rng.IntN(33))
		iface := i
		r.AddRoute(addr, plen, netip.Addr{}, iface)
		oracle.Insert(netip.PrefixFrom(ipv4.Uint32ToAddr(addr), int(plen)).Masked(), iface)
	}

	for i := 0; i < 20000; i++ {
		dst := rng.Uint32() & 0xf0ffffff
		want, wantOK := oracle.Lookup(ipv4.Uint32ToAddr(dst))
		got, gotOK := r.Lookup(dst)
		require.Equal(t, wantOK, gotOK, "dst %s", ipv4.Uint32ToAddr(dst))
		if wantOK {
			require.Equal(t, want, got.Interface, "dst %s", ipv4.Uint32ToAddr(dst))
		}
	}
}

func TestLearnRIP(t *testing.T) {
	r := testRouter(t)
	nb := netip.MustParseAddr("192.168.0.2")
	r.LearnRIP(nb, 1, &rip.Packet{Command: rip.CommandResponse, Entries: []rip.Entry{
		{Cost: 1, Address: 0xac100000, Mask: 0xfff00000}, // 172.16.0.0/12
		{Cost: 0, Address: 0x0a000000, Mask: 0xff000000}, // ours, directly attached
		{Cost: 15, Address: 0x0b000000, Mask: 0xff000000}, // unreachable after +1
		{Cost: 1, Address: 0x0c000000, Mask: 0xff00ff00}, // bad mask
	}})

	rt, ok := r.Lookup(ipv4.AddrToUint32(netip.MustParseAddr("172.20.1.1")))
	require.True(t, ok)
	assert.Equal(t, nb, rt.NextHop)
	assert.Equal(t, uint32(2), rt.Cost)
	assert.True(t, rt.Learned)
	assert.Equal(t, "R", rt.Type())

	rt, ok = r.Lookup(ipv4.AddrToUint32(netip.MustParseAddr("10.5.5.5")))
	require.True(t, ok)
	assert.False(t, rt.Learned)

	_, ok = r.Lookup(ipv4.AddrToUint32(netip.MustParseAddr("11.1.1.1")))
	assert.False(t, ok)
	_, ok = r.Lookup(ipv4.AddrToUint32(netip.MustParseAddr("12.0.0.1")))
	assert.False(t, ok)
}

func TestLearnRIPPrefersCheaperAndHonoursWithdrawal(t *testing.T) {
	r := testRouter(t)
	a := netip.MustParseAddr("192.168.0.2")
	b := netip.MustParseAddr("192.168.0.3")
	dst := ipv4.AddrToUint32(netip.MustParseAddr("172.16.0.1"))
	entry := func(cost uint32) *rip.Packet {
		return &rip.Packet{Command: rip.CommandResponse, Entries: []rip.Entry{{Cost: cost, Address: 0xac100000, Mask: 0xffff0000}}}
	}

	r.LearnRIP(a, 1, entry(5))
	r.LearnRIP(b, 1, entry(7))
	rt, _ := r.Lookup(dst)
	assert.Equal(t, a, rt.NextHop)

	r.LearnRIP(b, 1, entry(2))
	rt, _ = r.Lookup(dst)
	assert.Equal(t, b, rt.NextHop)
	assert.Equal(t, uint32(3), rt.Cost)

	// The current next hop may raise the cost.
	r.LearnRIP(b, 1, entry(9))
	rt, _ = r.Lookup(dst)
	assert.Equal(t, uint32(10), rt.Cost)

	r.LearnRIP(b, 1, entry(rip.Infinity))
	_, ok := r.Lookup(dst)
	assert.False(t, ok)
}

func TestLearnedRoutesExpire(t *testing.T) {
	r := testRouter(t)
	nb := netip.MustParseAddr("192.168.0.2")
	pkt := &rip.Packet{Command: rip.CommandResponse, Entries: []rip.Entry{{Cost: 1, Address: 0xac100000, Mask: 0xffff0000}}}
	dst := ipv4.AddrToUint32(netip.MustParseAddr("172.16.0.1"))

	r.LearnRIP(nb, 1, pkt)
	r.Tick(rip.RouteTimeout - 1)
	_, ok := r.Lookup(dst)
	require.True(t, ok)

	// Refresh restarts the clock.
	r.LearnRIP(nb, 1, pkt)
	r.Tick(rip.RouteTimeout - 1)
	_, ok = r.Lookup(dst)
	require.True(t, ok)

	r.Tick(1)
	_, ok = r.Lookup(dst)
	assert.False(t, ok)
	// Static routes stay.
	_, ok = r.Lookup(0x0a010203)
	assert.True(t, ok)
}

func TestAdvertisementPoisonsReverse(t *testing.T) {
	r := testRouter(t)
	nb := netip.MustParseAddr("192.168.0.2")
	r.LearnRIP(nb, 1, &rip.Packet{Command: rip.CommandResponse, Entries: []rip.Entry{{Cost: 1, Address: 0xac100000, Mask: 0xffff0000}}})

	costs := map[uint32]uint32{}
	for _, e := range r.Advertisement(nb) {
		costs[e.Address] = e.Cost
	}
	assert.Equal(t, uint32(rip.Infinity), costs[0xac100000])
	assert.Equal(t, uint32(0), costs[0x0a000000])

	for _, e := range r.Advertisement(netip.MustParseAddr("10.0.0.2")) {
		if e.Address == 0xac100000 {
			assert.Equal(t, uint32(2), e.Cost)
		}
	}
}

func TestAnswersRIPRequest(t *testing.T) {
	r := testRouter(t)
	nb := netip.MustParseAddr("192.168.0.2")
	payload, err := rip.Marshal(&rip.Packet{Command: rip.CommandRequest})
	require.NoError(t, err)
	inject(t, r, 1, ipv4.NewDatagram(nb, netip.MustParseAddr("192.168.0.1"), rip.ProtocolNumber, 64, payload))
	r.Route()

	// The response waits on resolving the requester.
	assert.Equal(t, nb, arpTarget(t, r, 1))
	noFrames(t, r)
}

func TestPeriodicAdvertisement(t *testing.T) {
	r := testRouter(t)
	r.AddNeighbor(netip.MustParseAddr("192.168.0.2"), 1)

	r.Tick(rip.UpdateInterval - 1)
	noFrames(t, r)
	r.Tick(1)
	assert.Equal(t, netip.MustParseAddr("192.168.0.2"), arpTarget(t, r, 1))
}
