// Package metrics exports receiver statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dronecam/videorecv"
)

const namespace = "videorecv"

// Source provides the values that are exported.
// Counters are read from Totals, that spans all sessions,
// gauges from Stats, that covers the current one.
type Source interface {
	Stats() videorecv.StatsSnapshot
	Totals() videorecv.StatsSnapshot
	Status() videorecv.Status
}

// Metrics holds all Prometheus metrics.
// Values are read from the source at every scrape.
type Metrics struct {
	// Network metrics
	BytesReceived    prometheus.CounterFunc
	BytesPerSecond   prometheus.GaugeFunc
	PacketsReceived  prometheus.CounterFunc
	PacketsLost      prometheus.CounterFunc
	PacketsMalformed prometheus.CounterFunc
	PacketsIgnored   prometheus.CounterFunc
	Jitter           prometheus.GaugeFunc

	// Reassembly metrics
	NALUsUnsupported   prometheus.CounterFunc
	FragmentsDiscarded prometheus.CounterFunc
	Keyframes          prometheus.CounterFunc

	// Pipeline metrics
	UnitsQueued      prometheus.CounterFunc
	UnitsDropped     prometheus.CounterFunc
	QueueDepth       prometheus.GaugeFunc
	FramesDecoded    prometheus.CounterFunc
	FramesPerSecond  prometheus.GaugeFunc
	SubmitFailures   prometheus.CounterFunc
	Reconfigurations prometheus.CounterFunc
	Status           *prometheus.GaugeVec

	source Source
}

// New creates all metrics and registers them into reg.
func New(reg prometheus.Registerer, source Source) *Metrics {
	f := promauto.With(reg)

	counter := func(name string, help string, get func(s videorecv.StatsSnapshot) uint64) prometheus.CounterFunc {
		return f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(get(source.Totals()))
		})
	}

	gauge := func(name string, help string, get func(s videorecv.StatsSnapshot) float64) prometheus.GaugeFunc {
		return f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return get(source.Stats())
		})
	}

	m := &Metrics{
		// Network metrics
		BytesReceived: counter("bytes_received_total", "Bytes received",
			func(s videorecv.StatsSnapshot) uint64 { return s.BytesReceived }),
		BytesPerSecond: gauge("bytes_per_second", "Bytes received per second",
			func(s videorecv.StatsSnapshot) float64 { return s.BytesPerSecond }),
		PacketsReceived: counter("packets_received_total", "RTP packets received",
			func(s videorecv.StatsSnapshot) uint64 { return s.PacketsReceived }),
		PacketsLost: counter("packets_lost_total", "RTP packets lost",
			func(s videorecv.StatsSnapshot) uint64 { return s.PacketsLost }),
		PacketsMalformed: counter("packets_malformed_total", "Malformed datagrams",
			func(s videorecv.StatsSnapshot) uint64 { return s.PacketsMalformed }),
		PacketsIgnored: counter("packets_ignored_total", "RTP packets with an unexpected payload type",
			func(s videorecv.StatsSnapshot) uint64 { return s.PacketsIgnored }),
		Jitter: gauge("jitter_seconds", "RTP interarrival jitter",
			func(s videorecv.StatsSnapshot) float64 { return s.Jitter.Seconds() }),

		// Reassembly metrics
		NALUsUnsupported: counter("nalus_unsupported_total", "NALUs with an unsupported type",
			func(s videorecv.StatsSnapshot) uint64 { return s.NALUsUnsupported }),
		FragmentsDiscarded: counter("fragments_discarded_total", "FU-A fragments discarded",
			func(s videorecv.StatsSnapshot) uint64 { return s.FragmentsDiscarded }),
		Keyframes: counter("keyframes_total", "IDR NALUs received",
			func(s videorecv.StatsSnapshot) uint64 { return s.Keyframes }),

		// Pipeline metrics
		UnitsQueued: counter("units_queued_total", "Units inserted into the frame queue",
			func(s videorecv.StatsSnapshot) uint64 { return s.UnitsQueued }),
		UnitsDropped: counter("units_dropped_total", "Units dropped before reaching the decode device",
			func(s videorecv.StatsSnapshot) uint64 { return s.UnitsDropped }),
		QueueDepth: gauge("queue_depth", "Current length of the frame queue",
			func(s videorecv.StatsSnapshot) float64 { return float64(s.QueueDepth) }),
		FramesDecoded: counter("frames_decoded_total", "Frames produced by the decode device",
			func(s videorecv.StatsSnapshot) uint64 { return s.FramesDecoded }),
		FramesPerSecond: gauge("frames_per_second", "Frames decoded per second",
			func(s videorecv.StatsSnapshot) float64 { return s.FramesPerSecond }),
		SubmitFailures: counter("submit_failures_total", "Units rejected by the decode device",
			func(s videorecv.StatsSnapshot) uint64 { return s.SubmitFailures }),
		Reconfigurations: counter("reconfigurations_total", "Reconfigurations of the decode device",
			func(s videorecv.StatsSnapshot) uint64 { return s.Reconfigurations }),

		Status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Current status of the receiver, 1 for the active one",
		}, []string{"status"}),

		source: source,
	}

	m.UpdateStatus(source.Status())

	return m
}

// UpdateStatus sets the status gauge.
func (m *Metrics) UpdateStatus(current videorecv.Status) {
	for _, s := range []videorecv.Status{
		videorecv.StatusDisconnected,
		videorecv.StatusAwaitingConfiguration,
		videorecv.StatusDecoding,
		videorecv.StatusError,
	} {
		v := float64(0)
		if s == current {
			v = 1
		}
		m.Status.WithLabelValues(s.String()).Set(v)
	}
}
