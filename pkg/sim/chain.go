package sim

import (
	"bytes"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/link"
	"ip-tcp-stack/pkg/netif"
	"ip-tcp-stack/pkg/router"
	"ip-tcp-stack/pkg/tcp"
)

// Chain is the topology
//
//	A 10.0.0.2 -- r1 -- 10.1.0.0/24 -- r2 -- 10.2.0.2 B
//
// The routers only know their attached subnets up front and learn the far
// one from each other over RIP.
type Chain struct {
	Net     *Network
	A, B    *Host
	R1, R2  *router.Router
	logger  *zap.Logger
}

func eth(n byte) link.EthernetAddress { return link.EthernetAddress{0x02, 0, 0, 0, 0, n} }

var (
	addrA = netip.MustParsePrefix("10.0.0.2/24")
	addrB = netip.MustParsePrefix("10.2.0.2/24")
	r1In  = netip.MustParseAddr("10.0.0.1")
	r1Out = netip.MustParseAddr("10.1.0.1")
	r2In  = netip.MustParseAddr("10.1.0.2")
	r2Out = netip.MustParseAddr("10.2.0.1")

	portA = uint16(5000)
	portB = uint16(80)
)

func NewChain(cfg Config, tcpCfg tcp.Config, logger *zap.Logger) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := New(cfg, WithLogger(logger.Named("net")))
	lanA, core, lanB := n.AddLink("lanA"), n.AddLink("core"), n.AddLink("lanB")

	a, err := NewHost(HostConfig{
		Name:      "A",
		Ethernet:  eth(0x0a),
		Address:   addrA,
		Gateway:   r1In,
		LocalPort: portA,
		Remote:    netip.AddrPortFrom(addrB.Addr(), portB),
		TCP:       tcpCfg,
	}, logger)
	if err != nil {
		return nil, err
	}
	b, err := NewHost(HostConfig{
		Name:       "B",
		Ethernet:   eth(0x0b),
		Address:    addrB,
		Gateway:    r2Out,
		LocalPort:  portB,
		Remote:     netip.AddrPortFrom(addrA.Addr(), portA),
		TCP:        tcpCfg,
		CloseOnEOF: true,
	}, logger)
	if err != nil {
		return nil, err
	}

	r1 := router.New(router.WithLogger(logger.Named("r1")))
	r1lan := r1.AddInterface(netif.New("eth0", eth(0x11), r1In, netif.WithLogger(logger.Named("r1"))))
	r1core := r1.AddInterface(netif.New("eth1", eth(0x12), r1Out, netif.WithLogger(logger.Named("r1"))))
	r1.AddPrefix(netip.PrefixFrom(r1In, 24).Masked(), netip.Addr{}, r1lan)
	r1.AddPrefix(netip.PrefixFrom(r1Out, 24).Masked(), netip.Addr{}, r1core)
	r1.AddNeighbor(r2In, r1core)

	r2 := router.New(router.WithLogger(logger.Named("r2")))
	r2core := r2.AddInterface(netif.New("eth0", eth(0x21), r2In, netif.WithLogger(logger.Named("r2"))))
	r2lan := r2.AddInterface(netif.New("eth1", eth(0x22), r2Out, netif.WithLogger(logger.Named("r2"))))
	r2.AddPrefix(netip.PrefixFrom(r2In, 24).Masked(), netip.Addr{}, r2core)
	r2.AddPrefix(netip.PrefixFrom(r2Out, 24).Masked(), netip.Addr{}, r2lan)
	r2.AddNeighbor(r1Out, r2core)

	n.Attach(lanA, a.Interface())
	n.Attach(lanA, r1.Interface(r1lan))
	n.Attach(core, r1.Interface(r1core))
	n.Attach(core, r2.Interface(r2core))
	n.Attach(lanB, r2.Interface(r2lan))
	n.Attach(lanB, b.Interface())

	n.AddHost(a)
	n.AddHost(b)
	n.AddRouter(r1)
	n.AddRouter(r2)
	r1.Start()
	r2.Start()

	return &Chain{Net: n, A: a, B: b, R1: r1, R2: r2, logger: logger}, nil
}

// Done reports whether both connections have closed cleanly.
func (c *Chain) Done() bool {
	return !c.A.Peer().Active() && !c.B.Peer().Active()
}

// Transfer sends data from A to B, stepping the network by step ms until
// both sides are done or limit ms have passed. It returns the simulated
// time the transfer took.
func (c *Chain) Transfer(data []byte, step, limit uint64) (uint64, error) {
	if step == 0 {
		return 0, errors.New("step must be positive")
	}
	start := c.Net.Now()
	c.A.Write(data)
	c.A.Close()

	for !c.Done() {
		if c.A.Peer().Aborted() || c.B.Peer().Aborted() {
			return c.Net.Now() - start, errors.New("connection aborted")
		}
		if c.Net.Now()-start >= limit {
			return c.Net.Now() - start, errors.Errorf("transfer incomplete after %d ms: %d of %d bytes",
				limit, len(c.B.Received()), len(data))
		}
		c.Net.Step(step)
	}

	if !bytes.Equal(c.B.Received(), data) {
		return c.Net.Now() - start, errors.Errorf("received %d bytes that differ from the %d sent",
			len(c.B.Received()), len(data))
	}
	c.logger.Info("transfer complete",
		zap.Int("bytes", len(data)),
		zap.Uint64("ms", c.Net.Now()-start))
	return c.Net.Now() - start, nil
}
