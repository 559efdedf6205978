package sim

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the simulated network did. Each Network has its own
// registry so several can run side by side.
type Metrics struct {
	Registry *prometheus.Registry

	FramesSent       prometheus.Counter
	FramesDelivered  prometheus.Counter
	FramesLost       prometheus.Counter
	SegmentsSent     prometheus.Counter
	SegmentsReceived prometheus.Counter
	SegmentsDropped  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: "vsim", Name: name, Help: help})
	}
	return &Metrics{
		Registry:         reg,
		FramesSent:       counter("frames_sent_total", "Frames put on a link."),
		FramesDelivered:  counter("frames_delivered_total", "Frames that reached the far end of a link."),
		FramesLost:       counter("frames_lost_total", "Frames dropped by simulated loss."),
		SegmentsSent:     counter("segments_sent_total", "TCP segments sent by hosts."),
		SegmentsReceived: counter("segments_received_total", "TCP segments accepted by hosts."),
		SegmentsDropped:  counter("segments_dropped_total", "Datagrams a host could not hand to TCP."),
	}
}

// Stat is one counter value.
type Stat struct {
	Name  string
	Value float64
}

// Snapshot returns every counter, sorted by name.
func (m *Metrics) Snapshot() ([]Stat, error) {
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	var stats []Stat
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			stats = append(stats, Stat{Name: mf.GetName(), Value: metric.GetCounter().GetValue()})
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, nil
}
