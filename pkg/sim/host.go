package sim

import (
	"math"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/ipv4"
	"ip-tcp-stack/pkg/link"
	"ip-tcp-stack/pkg/netif"
	"ip-tcp-stack/pkg/tcp"
	"ip-tcp-stack/pkg/wrap"
)

type HostConfig struct {
	Name     string
	Ethernet link.EthernetAddress
	// Address is the host's IP plus the length of its on-link subnet.
	Address netip.Prefix
	Gateway netip.Addr

	LocalPort uint16
	Remote    netip.AddrPort

	TCP tcp.Config
	ISN *wrap.Wrap32
	// CloseOnEOF closes our direction once the remote's stream has ended.
	CloseOnEOF bool
}

func (c HostConfig) Validate() error {
	if !c.Address.Addr().Is4() {
		return errors.Errorf("host %s: address %s is not IPv4", c.Name, c.Address)
	}
	if !c.Remote.Addr().Is4() {
		return errors.Errorf("host %s: remote %s is not IPv4", c.Name, c.Remote)
	}
	return errors.Wrapf(c.TCP.Validate(), "host %s", c.Name)
}

// Host is an endpoint with one interface and one TCP connection.
type Host struct {
	cfg     HostConfig
	logger  *zap.Logger
	metrics *Metrics

	iface *netif.Interface
	peer  *tcp.Peer

	unsent        []byte
	closeAfterAll bool
	closed        bool
	received      []byte
}

func NewHost(cfg HostConfig, logger *zap.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(cfg.Name)
	return &Host{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(),
		iface:   netif.New("eth0", cfg.Ethernet, cfg.Address.Addr(), netif.WithLogger(logger)),
		peer:    tcp.NewPeer(cfg.TCP, cfg.ISN, tcp.WithLogger(logger)),
	}, nil
}

func (h *Host) Name() string { return h.cfg.Name }

func (h *Host) Interface() *netif.Interface { return h.iface }

func (h *Host) Peer() *tcp.Peer { return h.peer }

// Write queues data; whatever does not fit the outbound stream yet is
// retried on later steps.
func (h *Host) Write(data []byte) {
	h.unsent = append(h.unsent, data...)
	h.flush()
}

// Close ends our direction once everything written has been queued.
func (h *Host) Close() {
	h.closeAfterAll = true
	h.flush()
}

// Received is everything that arrived in order so far.
func (h *Host) Received() []byte { return h.received }

func (h *Host) flush() {
	if len(h.unsent) > 0 {
		n := h.peer.Write(h.unsent)
		h.unsent = h.unsent[n:]
	}
	if h.closeAfterAll && len(h.unsent) == 0 && !h.closed {
		h.closed = true
		h.peer.CloseWrite()
	}
}

func (h *Host) tick(ms uint64) {
	h.peer.Tick(ms)
	h.iface.Tick(ms)
}

func (h *Host) process() {
	for {
		dgram, ok := h.iface.MaybeReceive()
		if !ok {
			break
		}
		h.handle(dgram)
	}

	h.received = append(h.received, h.peer.Read(math.MaxUint64)...)
	if h.cfg.CloseOnEOF && h.peer.Inbound().IsFinished() {
		h.closeAfterAll = true
	}
	h.flush()

	for {
		seg, ok := h.peer.MaybeSend()
		if !ok {
			break
		}
		h.send(seg)
	}
}

func (h *Host) handle(dgram ipv4.Datagram) {
	local := h.cfg.Address.Addr()
	if dgram.Header.Dst != local || dgram.Header.Protocol != tcp.ProtocolNumber {
		h.logger.Debug("not for us",
			zap.Stringer("dst", dgram.Header.Dst),
			zap.Int("protocol", dgram.Header.Protocol))
		h.metrics.SegmentsDropped.Inc()
		return
	}
	pkt, err := tcp.ParsePacket(dgram.Payload, dgram.Header.Src, dgram.Header.Dst)
	if err != nil {
		h.logger.Debug("bad segment", zap.Error(err))
		h.metrics.SegmentsDropped.Inc()
		return
	}
	if pkt.DstPort != h.cfg.LocalPort || netip.AddrPortFrom(dgram.Header.Src, pkt.SrcPort) != h.cfg.Remote {
		h.logger.Debug("segment for another connection",
			zap.Stringer("src", netip.AddrPortFrom(dgram.Header.Src, pkt.SrcPort)),
			zap.Uint16("port", pkt.DstPort))
		h.metrics.SegmentsDropped.Inc()
		return
	}
	h.metrics.SegmentsReceived.Inc()
	h.peer.Receive(pkt.Segment)
}

func (h *Host) send(seg tcp.Segment) {
	local, remote := h.cfg.Address.Addr(), h.cfg.Remote.Addr()
	b, err := tcp.Packet{SrcPort: h.cfg.LocalPort, DstPort: h.cfg.Remote.Port(), Segment: seg}.Marshal(local, remote)
	if err != nil {
		h.logger.Debug("dropping segment", zap.Error(err))
		return
	}
	nextHop := remote
	if !h.cfg.Address.Contains(remote) {
		nextHop = h.cfg.Gateway
	}
	h.iface.SendDatagram(ipv4.NewDatagram(local, remote, tcp.ProtocolNumber, ipv4.DefaultTTL, b), nextHop)
	h.metrics.SegmentsSent.Inc()
}
