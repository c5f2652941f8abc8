package videorecv

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/dronecam/videorecv/pkg/framequeue"
	"github.com/dronecam/videorecv/pkg/liberrors"
	"github.com/dronecam/videorecv/pkg/paramset"
	"github.com/dronecam/videorecv/pkg/rtcpreceiver"
	"github.com/dronecam/videorecv/pkg/rtph264"
	"github.com/dronecam/videorecv/pkg/rtpheader"
	"github.com/dronecam/videorecv/pkg/rtplossdetector"
	"github.com/dronecam/videorecv/pkg/rtptimedec"
	"github.com/dronecam/videorecv/pkg/udpsource"
)

// RTCP packet types 192-223 collide with RTP payload types 64-95 (RFC 5761).
func isRTCP(buf []byte) bool {
	return len(buf) >= 2 && (buf[0]>>6) == 2 && buf[1] >= 192 && buf[1] <= 223
}

// receiverSession is the set of resources bound to a source.
type receiverSession struct {
	r        *Receiver
	id       uuid.UUID
	sourceIP net.IP

	ctx       context.Context
	ctxCancel func()

	stats        *stats
	lastKeyframe int64
	ssrc         *uint32
	remoteAddr   atomic.Pointer[net.UDPAddr]
	source       *udpsource.Source
	rtpDecoder   *rtph264.Decoder
	lossDetector *rtplossdetector.LossDetector
	timeDecoder  *rtptimedec.Decoder
	rtcpReceiver *rtcpreceiver.RTCPReceiver
	tracker      *paramset.Tracker
	queue        *framequeue.Queue[*Unit]
	pipeline     *decodePipeline

	// out
	done chan struct{}
}

func (s *receiverSession) initialize() error {
	s.stats = &stats{}
	s.stats.initialize(s.r.TimeNow())

	var err error
	s.queue, err = framequeue.New[*Unit](s.r.QueueCapacity)
	if err != nil {
		return err
	}

	s.tracker = &paramset.Tracker{
		OnChange: func(typ h264.NALUType) {
			s.r.OnParameterSetChange(typ)
		},
	}
	s.tracker.Initialize()

	if s.r.sdp != nil && s.r.sdp.SPS != nil && s.r.sdp.PPS != nil {
		err = s.tracker.Seed(s.r.sdp.SPS, s.r.sdp.PPS)
		if err != nil {
			return err
		}
	}

	s.rtpDecoder = &rtph264.Decoder{
		MaxNALUSize: s.r.MaxNALUSize,
	}
	err = s.rtpDecoder.Init()
	if err != nil {
		return err
	}

	s.lossDetector = &rtplossdetector.LossDetector{}

	s.timeDecoder = &rtptimedec.Decoder{
		ClockRate: h264ClockRate,
	}
	s.timeDecoder.Initialize()

	s.source = &udpsource.Source{
		Address:            s.r.ListenAddress,
		MulticastInterface: s.r.MulticastInterface,
		ReadBufferSize:     s.r.ReadBufferSize,
		ReadTimeout:        s.r.ReadTimeout,
		MaxPayloadSize:     s.r.MaxPacketSize,
		SourceIP:           s.sourceIP,
		ListenPacket:       s.r.ListenPacket,
		BytesReceived:      &s.stats.bytesReceived,
		BytesSent:          new(uint64),
	}
	err = s.source.Initialize()
	if err != nil {
		return err
	}

	s.rtcpReceiver = &rtcpreceiver.RTCPReceiver{
		ClockRate:       h264ClockRate,
		Period:          s.r.ReceiverReportPeriod,
		TimeNow:         s.r.TimeNow,
		WritePacketRTCP: s.writePacketRTCP,
	}
	err = s.rtcpReceiver.Initialize()
	if err != nil {
		s.source.Close() //nolint:errcheck
		return err
	}

	s.pipeline = &decodePipeline{
		queue:                       s.queue,
		tracker:                     s.tracker,
		deviceFactory:               s.r.DeviceFactory,
		sink:                        s.r.Sink,
		stats:                       s.stats,
		timeNow:                     s.r.TimeNow,
		idrTimeout:                  s.r.IDRTimeout,
		dequeueTimeout:              s.r.DequeueTimeout,
		parameterSetsWarningTimeout: s.r.ParameterSetsWarningTimeout,
		lastKeyframe:                &s.lastKeyframe,
		onStateChange:               s.onStateChange,
		onDecodeError:               s.r.OnDecodeError,
		onWarning:                   s.r.OnWarning,
	}
	s.pipeline.initialize()

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	return nil
}

func (s *receiverSession) start() {
	go s.run()
}

// close stops the session and waits for its resources to be released.
func (s *receiverSession) close() {
	s.ctxCancel()
	<-s.done
}

func (s *receiverSession) run() {
	defer close(s.done)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()
		errs <- s.source.Run(s.ctx, s.onDatagram)
	}()

	go func() {
		defer wg.Done()
		errs <- s.pipeline.run(s.ctx)
	}()

	statsTicker := time.NewTicker(s.r.StatsPeriod)
	defer statsTicker.Stop()

	var err error

outer:
	for {
		select {
		case err = <-errs:
			if err != nil {
				break outer
			}

		case <-statsTicker.C:
			s.r.OnStats(s.statsSnapshot(true))

		case <-s.ctx.Done():
			break outer
		}
	}

	s.ctxCancel()
	s.queue.Close()
	wg.Wait()

	s.rtcpReceiver.Close()
	s.source.Close() //nolint:errcheck

	if err != nil {
		s.r.sessionFailed(s, err)
	}
}

func (s *receiverSession) onStateChange(state PipelineState) {
	s.r.OnStateChange(state)

	if state == PipelineStateDecoding {
		s.r.setSessionStatus(s, StatusDecoding)
	}
}

func (s *receiverSession) statsSnapshot(tick bool) StatsSnapshot {
	var snap StatsSnapshot
	if tick {
		snap = s.stats.tick(s.r.TimeNow())
	} else {
		snap = s.stats.snapshot()
	}

	snap.QueueDepth = s.queue.Len()

	if rs, ok := s.rtcpReceiver.Stats(); ok {
		snap.Jitter = time.Duration(rs.Jitter * float64(time.Second) / h264ClockRate)
	}

	return snap
}

func (s *receiverSession) writePacketRTCP(pkt rtcp.Packet) {
	if s.r.RTCPPort == 0 {
		return
	}

	ip := s.sourceIP
	if ip == nil {
		addr := s.remoteAddr.Load()
		if addr == nil {
			return
		}
		ip = addr.IP
	}

	byts, err := pkt.Marshal()
	if err != nil {
		s.r.OnWarning(liberrors.ErrRTCPWrite{Err: err})
		return
	}

	err = s.source.WriteTo(byts, &net.UDPAddr{IP: ip, Port: s.r.RTCPPort})
	if err != nil {
		s.r.OnWarning(liberrors.ErrRTCPWrite{Err: err})
	}
}

func (s *receiverSession) onDatagram(buf []byte, from *net.UDPAddr) {
	now := s.r.TimeNow()

	if prev := s.remoteAddr.Load(); prev == nil || !prev.IP.Equal(from.IP) || prev.Port != from.Port {
		addr := *from
		s.remoteAddr.Store(&addr)
	}

	if isRTCP(buf) {
		s.onPacketRTCP(buf, now)
		return
	}

	atomic.AddUint64(&s.stats.packetsReceived, 1)

	var pkt rtp.Packet
	err := rtpheader.Unmarshal(buf, &pkt)
	if err != nil {
		atomic.AddUint64(&s.stats.packetsMalformed, 1)
		s.r.OnDecodeError(err)
		return
	}

	if s.r.sdp != nil && pkt.PayloadType != s.r.sdp.PayloadType {
		atomic.AddUint64(&s.stats.packetsIgnored, 1)
		return
	}

	switch {
	case s.ssrc == nil:
		v := pkt.SSRC
		s.ssrc = &v

	case *s.ssrc != pkt.SSRC:
		// the camera restarted its encoder: sequence numbers and timestamps start over.
		*s.ssrc = pkt.SSRC
		s.lossDetector.Reset()
		s.timeDecoder.Reset()
		s.rtpDecoder.Reset()
	}

	lost := s.lossDetector.Process(&pkt)
	if lost != 0 {
		atomic.AddUint64(&s.stats.packetsLost, lost)
		s.r.OnPacketsLost(lost)
	}

	s.rtcpReceiver.ProcessPacket(&pkt, now)

	nalu, err := s.rtpDecoder.Decode(&pkt)
	if err != nil {
		s.onRTPDecodeError(err)
		return
	}

	s.onNALU(nalu, &pkt, now)
}

func (s *receiverSession) onRTPDecodeError(err error) {
	var unsupported liberrors.ErrUnsupportedNALUType

	switch {
	case errors.Is(err, rtph264.ErrMorePacketsNeeded):
		return

	case errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious),
		errors.Is(err, rtph264.ErrFragmentDiscarded),
		errors.Is(err, rtph264.ErrNALUTooBig):
		atomic.AddUint64(&s.stats.fragmentsDiscarded, 1)

	case errors.As(err, &unsupported):
		atomic.AddUint64(&s.stats.nalusUnsupported, 1)

	default:
		atomic.AddUint64(&s.stats.packetsMalformed, 1)
	}

	s.r.OnDecodeError(err)
}

func (s *receiverSession) onNALU(nalu []byte, pkt *rtp.Packet, now time.Time) {
	consumed, err := s.tracker.Process(nalu)
	if err != nil {
		s.r.OnDecodeError(err)
		return
	}
	if consumed {
		return
	}

	typ := h264.NALUType(nalu[rtph264.StartCodeSize] & 0x1F)

	if typ == h264.NALUTypeIDR {
		atomic.AddUint64(&s.stats.keyframes, 1)
		atomic.StoreInt64(&s.lastKeyframe, now.UnixNano())
	}

	u := &Unit{
		NALU:      nalu,
		Type:      typ,
		Timestamp: pkt.Timestamp,
		PTS:       s.timeDecoder.Decode(pkt.Timestamp),
		Received:  now,
	}

	atomic.AddUint64(&s.stats.unitsQueued, 1)

	if s.queue.Push(u) {
		atomic.AddUint64(&s.stats.unitsDropped, 1)
	}
}

func (s *receiverSession) onPacketRTCP(buf []byte, now time.Time) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		atomic.AddUint64(&s.stats.packetsMalformed, 1)
		s.r.OnDecodeError(err)
		return
	}

	for _, pkt := range pkts {
		if sr, ok := pkt.(*rtcp.SenderReport); ok {
			s.rtcpReceiver.ProcessSenderReport(sr, now)
		}
	}
}
