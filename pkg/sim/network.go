// Package sim runs hosts and routers over simulated Ethernet links with
// configurable latency, jitter and loss. Time only moves when Step is
// called, and the same seed always replays the same run.
package sim

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ip-tcp-stack/pkg/link"
	"ip-tcp-stack/pkg/netif"
	"ip-tcp-stack/pkg/router"
	"ip-tcp-stack/priorityQueue"
)

type Config struct {
	Latency  uint64  // ms a frame spends on the wire
	Jitter   uint64  // up to this many extra ms, which reorders frames
	LossRate float64 // probability each frame is dropped
	Seed     uint64
}

func DefaultConfig() Config {
	return Config{Latency: 5, Seed: 1}
}

func (c Config) Validate() error {
	if c.LossRate < 0 || c.LossRate >= 1 {
		return errors.Errorf("loss rate %v outside [0, 1)", c.LossRate)
	}
	return nil
}

// node is anything the network ticks and lets process its queues.
type node interface {
	tick(ms uint64)
	process()
}

type routerNode struct{ r *router.Router }

func (n routerNode) tick(ms uint64) { n.r.Tick(ms) }
func (n routerNode) process() { n.r.Route() }

// Link is a broadcast segment: every frame reaches every other endpoint.
type Link struct {
	Name      string
	endpoints []*netif.Interface
}

type Network struct {
	cfg     Config
	logger  *zap.Logger
	rng     *rand.Rand
	metrics *Metrics

	now   uint64
	seq   uint64
	links []*Link
	nodes []node
	queue priorityQueue.PriorityQueue
}

type Option func(*Network)

func WithLogger(l *zap.Logger) Option {
	return func(n *Network) { n.logger = l }
}

func New(cfg Config, opts ...Option) *Network {
	n := &Network{
		cfg:     cfg,
		logger:  zap.NewNop(),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddLink creates an empty link and returns its index.
func (n *Network) AddLink(name string) int {
	n.links = append(n.links, &Link{Name: name})
	return len(n.links) - 1
}

// Attach plugs iface into link l.
func (n *Network) Attach(l int, iface *netif.Interface) {
	n.links[l].endpoints = append(n.links[l].endpoints, iface)
}

func (n *Network) AddRouter(r *router.Router) {
	n.nodes = append(n.nodes, routerNode{r: r})
}

func (n *Network) AddHost(h *Host) {
	h.metrics = n.metrics
	n.nodes = append(n.nodes, h)
}

func (n *Network) Now() uint64 { return n.now }
func (n *Network) Metrics() *Metrics { return n.metrics }
func (n *Network) Links() []*Link { return n.links }
func (l *Link) Endpoints() []*netif.Interface { return l.endpoints }

// Step advances simulated time by ms: timers fire, due frames arrive,
// every node handles its input, and new frames go on the wire.
func (n *Network) Step(ms uint64) {
	n.now += ms
	for _, nd := range n.nodes {
		nd.tick(ms)
	}
	n.deliver()
	for _, nd := range n.nodes {
		nd.process()
	}
	n.collect()
}

func (n *Network) deliver() {
	for {
		d, ok := n.queue.PopDue(n.now)
		if !ok {
			return
		}
		f, err := link.ParseFrame(d.Frame)
		if err != nil {
			n.logger.Debug("undecodable frame", zap.Error(err))
			continue
		}
		for i, iface := range n.links[d.Link].endpoints {
			if i != d.From {
				iface.Receive(f)
			}
		}
		n.metrics.FramesDelivered.Inc()
	}
}

func (n *Network) collect() {
	for li, l := range n.links {
		for ei, iface := range l.endpoints {
			for {
				f, ok := iface.MaybeSend()
				if !ok {
					break
				}
				n.transmit(li, ei, f)
			}
		}
	}
}

func (n *Network) transmit(l, from int, f link.Frame) {
	b, err := f.Marshal()
	if err != nil {
		n.logger.Debug("unencodable frame", zap.Error(err))
		return
	}
	n.metrics.FramesSent.Inc()
	if n.cfg.LossRate > 0 && n.rng.Float64() < n.cfg.LossRate {
		n.metrics.FramesLost.Inc()
		return
	}

	due := n.now + n.cfg.Latency
	if n.cfg.Jitter > 0 {
		due += n.rng.Uint64N(n.cfg.Jitter + 1)
	}
	n.seq++
	n.queue.Schedule(&priorityQueue.Delivery{Due: due, Seq: n.seq, Link: l, From: from, Frame: b})
}
