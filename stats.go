package videorecv

import (
	"sync"
	"sync/atomic"
	"time"
)

// StatsSnapshot contains the statistics of a session.
// Counters start from zero when a new source is set.
type StatsSnapshot struct {
	// bytes of datagrams received.
	BytesReceived uint64 `json:"bytesReceived"`
	// received bytes per second, measured in the last period.
	BytesPerSecond float64 `json:"bytesPerSecond"`
	// RTP packets received.
	PacketsReceived uint64 `json:"packetsReceived"`
	// RTP packets lost, from sequence number gaps.
	PacketsLost uint64 `json:"packetsLost"`
	// datagrams that are not valid RTP/H264 packets.
	PacketsMalformed uint64 `json:"packetsMalformed"`
	// RTP packets with an unexpected payload type.
	PacketsIgnored uint64 `json:"packetsIgnored"`
	// NALUs with an unsupported type.
	NALUsUnsupported uint64 `json:"nalusUnsupported"`
	// FU-A fragments or partial NALUs discarded.
	FragmentsDiscarded uint64 `json:"fragmentsDiscarded"`
	// units inserted into the frame queue.
	UnitsQueued uint64 `json:"unitsQueued"`
	// units dropped because of queue overflow, watchdog flushes or missing keyframes.
	UnitsDropped uint64 `json:"unitsDropped"`
	// outputs produced by the decode device.
	FramesDecoded uint64 `json:"framesDecoded"`
	// decoded frames per second, measured in the last period.
	FramesPerSecond float64 `json:"framesPerSecond"`
	// units rejected by the decode device.
	SubmitFailures uint64 `json:"submitFailures"`
	// reconfigurations of the decode device.
	Reconfigurations uint64 `json:"reconfigurations"`
	// IDR NALUs received.
	Keyframes uint64 `json:"keyframes"`
	// current length of the frame queue.
	QueueDepth int `json:"queueDepth"`
	// RTP interarrival jitter.
	Jitter time.Duration `json:"jitter"`
}

// addCounters returns the sum of the counters of a and b.
// Rates and gauges are left empty.
func addCounters(a, b StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		BytesReceived:      a.BytesReceived + b.BytesReceived,
		PacketsReceived:    a.PacketsReceived + b.PacketsReceived,
		PacketsLost:        a.PacketsLost + b.PacketsLost,
		PacketsMalformed:   a.PacketsMalformed + b.PacketsMalformed,
		PacketsIgnored:     a.PacketsIgnored + b.PacketsIgnored,
		NALUsUnsupported:   a.NALUsUnsupported + b.NALUsUnsupported,
		FragmentsDiscarded: a.FragmentsDiscarded + b.FragmentsDiscarded,
		UnitsQueued:        a.UnitsQueued + b.UnitsQueued,
		UnitsDropped:       a.UnitsDropped + b.UnitsDropped,
		FramesDecoded:      a.FramesDecoded + b.FramesDecoded,
		SubmitFailures:     a.SubmitFailures + b.SubmitFailures,
		Reconfigurations:   a.Reconfigurations + b.Reconfigurations,
		Keyframes:          a.Keyframes + b.Keyframes,
	}
}

type stats struct {
	bytesReceived      uint64
	packetsReceived    uint64
	packetsLost        uint64
	packetsMalformed   uint64
	packetsIgnored     uint64
	nalusUnsupported   uint64
	fragmentsDiscarded uint64
	unitsQueued        uint64
	unitsDropped       uint64
	framesDecoded      uint64
	submitFailures     uint64
	reconfigurations   uint64
	keyframes          uint64

	mutex           sync.Mutex
	prevTime        time.Time
	prevBytes       uint64
	prevFrames      uint64
	bytesPerSecond  float64
	framesPerSecond float64
}

func (s *stats) initialize(now time.Time) {
	s.prevTime = now
}

func (s *stats) counters() StatsSnapshot {
	return StatsSnapshot{
		BytesReceived:      atomic.LoadUint64(&s.bytesReceived),
		PacketsReceived:    atomic.LoadUint64(&s.packetsReceived),
		PacketsLost:        atomic.LoadUint64(&s.packetsLost),
		PacketsMalformed:   atomic.LoadUint64(&s.packetsMalformed),
		PacketsIgnored:     atomic.LoadUint64(&s.packetsIgnored),
		NALUsUnsupported:   atomic.LoadUint64(&s.nalusUnsupported),
		FragmentsDiscarded: atomic.LoadUint64(&s.fragmentsDiscarded),
		UnitsQueued:        atomic.LoadUint64(&s.unitsQueued),
		UnitsDropped:       atomic.LoadUint64(&s.unitsDropped),
		FramesDecoded:      atomic.LoadUint64(&s.framesDecoded),
		SubmitFailures:     atomic.LoadUint64(&s.submitFailures),
		Reconfigurations:   atomic.LoadUint64(&s.reconfigurations),
		Keyframes:          atomic.LoadUint64(&s.keyframes),
	}
}

// snapshot returns counters and the rates of the last period.
func (s *stats) snapshot() StatsSnapshot {
	snap := s.counters()

	s.mutex.Lock()
	snap.BytesPerSecond = s.bytesPerSecond
	snap.FramesPerSecond = s.framesPerSecond
	s.mutex.Unlock()

	return snap
}

// tick closes the current period and computes rates.
func (s *stats) tick(now time.Time) StatsSnapshot {
	snap := s.counters()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	elapsed := now.Sub(s.prevTime).Seconds()
	if elapsed > 0 {
		s.bytesPerSecond = float64(snap.BytesReceived-s.prevBytes) / elapsed
		s.framesPerSecond = float64(snap.FramesDecoded-s.prevFrames) / elapsed
	}

	s.prevTime = now
	s.prevBytes = snap.BytesReceived
	s.prevFrames = snap.FramesDecoded

	snap.BytesPerSecond = s.bytesPerSecond
	snap.FramesPerSecond = s.framesPerSecond

	return snap
}
