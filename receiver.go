/*
Package videorecv is a low-latency receiver of H264 streams carried by RTP over UDP.

Examples are available at https://github.com/dronecam/videorecv/tree/main/examples
*/
package videorecv

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/google/uuid"

	"github.com/dronecam/videorecv/pkg/description"
	"github.com/dronecam/videorecv/pkg/device"
	"github.com/dronecam/videorecv/pkg/liberrors"
)

// Receiver receives a H264 stream and feeds a decode device.
type Receiver struct {
	//
	// decoding parameters
	//
	// function that creates a decode device from the parameter sets.
	// It is mandatory.
	DeviceFactory device.Factory
	// receiver of decoded frames.
	// It defaults to device.DiscardSink.
	Sink device.Sink
	// SDP description of the stream (optional).
	// It provides payload type, port and out-of-band parameter sets.
	SDP []byte

	//
	// transport parameters (all optional)
	//
	// address to listen on.
	// It defaults to the port in SDP or to ":5000".
	ListenAddress string
	// name of the interface used to join multicast groups.
	// It defaults to all multicast-capable interfaces.
	MulticastInterface string
	// size of the socket read buffer.
	// It defaults to the operating system default.
	ReadBufferSize int
	// read timeout, after which the stop signal is checked again.
	// It defaults to 100ms.
	ReadTimeout time.Duration
	// maximum size of a datagram.
	// It defaults to 2048.
	MaxPacketSize int
	// port of the source where RTCP receiver reports are sent.
	// It defaults to 0, that disables receiver reports.
	RTCPPort int
	// period of RTCP receiver reports.
	// It defaults to 10 seconds.
	ReceiverReportPeriod time.Duration

	//
	// pipeline parameters (all optional)
	//
	// capacity of the frame queue.
	// When full, the oldest unit is dropped.
	// It defaults to 3.
	QueueCapacity int
	// maximum size of a reassembled NALU.
	// It defaults to 200000.
	MaxNALUSize int
	// maximum time without IDR after which the frame queue is flushed.
	// It defaults to 5 seconds.
	IDRTimeout time.Duration
	// maximum time the pipeline waits for a unit.
	// It defaults to 200ms.
	DequeueTimeout time.Duration
	// time after which a warning is emitted if SPS and PPS are still missing.
	// It defaults to 3 seconds.
	ParameterSetsWarningTimeout time.Duration
	// period of OnStats calls.
	// It defaults to 1 second.
	StatsPeriod time.Duration

	//
	// system functions (all optional)
	//
	// function used to open the socket.
	// It defaults to net.ListenPacket.
	ListenPacket func(network, address string) (net.PacketConn, error)
	// function used to get the current time.
	// It defaults to time.Now.
	TimeNow func() time.Time

	//
	// callbacks (all optional)
	//
	// called when the status changes.
	OnStatus func(Status)
	// called when the state of the decode pipeline changes.
	OnStateChange func(PipelineState)
	// called periodically with statistics.
	OnStats func(StatsSnapshot)
	// called when the SPS or the PPS changes.
	OnParameterSetChange func(h264.NALUType)
	// called when packets are lost.
	OnPacketsLost func(uint64)
	// called when there's a non-fatal decoding error.
	OnDecodeError func(error)
	// called when there's a non-fatal anomaly, like a missing IDR.
	OnWarning func(error)
	// called when a session halts because of a fatal error.
	OnError func(error)

	//
	// private
	//

	sdp          *description.H264
	controlMutex sync.Mutex // serializes SetSource, Stop and Close
	mutex        sync.Mutex // protects the fields below
	status       Status
	sess         *receiverSession
	closing      *receiverSession
	retired      StatsSnapshot
	lastErr      error
	terminated   bool
}

// Initialize checks and fills the configuration.
func (r *Receiver) Initialize() error {
	if r.DeviceFactory == nil {
		return liberrors.ErrReceiverMissingDeviceFactory{}
	}
	if r.Sink == nil {
		r.Sink = device.DiscardSink{}
	}

	if r.SDP != nil {
		var d description.H264
		err := d.Unmarshal(r.SDP)
		if err != nil {
			return err
		}
		r.sdp = &d

		if r.ListenAddress == "" && d.Port != 0 {
			host := ""
			if ip := net.ParseIP(d.ConnectionAddress); ip != nil && ip.IsMulticast() {
				host = d.ConnectionAddress
			}
			r.ListenAddress = net.JoinHostPort(host, strconv.FormatInt(int64(d.Port), 10))
		}
	}

	if r.ListenAddress == "" {
		r.ListenAddress = defaultListenAddress
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = defaultReadTimeout
	}
	if r.MaxPacketSize == 0 {
		r.MaxPacketSize = defaultMaxPacketSize
	}
	if r.ReceiverReportPeriod == 0 {
		r.ReceiverReportPeriod = defaultReceiverReportPeriod
	}
	if r.QueueCapacity == 0 {
		r.QueueCapacity = defaultQueueCapacity
	}
	if r.QueueCapacity < 1 {
		return liberrors.ErrReceiverInvalidQueueCapacity{Capacity: r.QueueCapacity}
	}
	if r.MaxNALUSize == 0 {
		r.MaxNALUSize = defaultMaxNALUSize
	}
	if r.IDRTimeout == 0 {
		r.IDRTimeout = defaultIDRTimeout
	}
	if r.DequeueTimeout == 0 {
		r.DequeueTimeout = defaultDequeueTimeout
	}
	if r.ParameterSetsWarningTimeout == 0 {
		r.ParameterSetsWarningTimeout = defaultParameterSetsWarningTimeout
	}
	if r.StatsPeriod == 0 {
		r.StatsPeriod = defaultStatsPeriod
	}

	// system functions
	if r.ListenPacket == nil {
		r.ListenPacket = net.ListenPacket
	}
	if r.TimeNow == nil {
		r.TimeNow = time.Now
	}

	// callbacks
	if r.OnStatus == nil {
		r.OnStatus = func(Status) {
		}
	}
	if r.OnStateChange == nil {
		r.OnStateChange = func(PipelineState) {
		}
	}
	if r.OnStats == nil {
		r.OnStats = func(StatsSnapshot) {
		}
	}
	if r.OnParameterSetChange == nil {
		r.OnParameterSetChange = func(h264.NALUType) {
		}
	}
	if r.OnPacketsLost == nil {
		r.OnPacketsLost = func(uint64) {
		}
	}
	if r.OnDecodeError == nil {
		r.OnDecodeError = func(error) {
		}
	}
	if r.OnWarning == nil {
		r.OnWarning = func(error) {
		}
	}
	if r.OnError == nil {
		r.OnError = func(error) {
		}
	}

	r.status = StatusDisconnected

	return nil
}

func parseSourceAddress(address string) (net.IP, error) {
	if address == "" {
		return nil, nil
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, err
	}

	return addr.IP, nil
}

// SetSource starts receiving from the given host, with or without port.
// Datagrams from other hosts are discarded. An empty address accepts any host.
// Any running session is stopped first and statistics start from zero.
func (r *Receiver) SetSource(address string) error {
	r.controlMutex.Lock()
	defer r.controlMutex.Unlock()

	r.mutex.Lock()
	terminated := r.terminated
	r.mutex.Unlock()

	if terminated {
		return liberrors.ErrReceiverTerminated{}
	}

	ip, err := parseSourceAddress(address)
	if err != nil {
		return liberrors.ErrReceiverInvalidSource{Address: address, Err: err}
	}

	r.stopSession()

	sess := &receiverSession{
		r:        r,
		id:       uuid.New(),
		sourceIP: ip,
	}

	err = sess.initialize()
	if err != nil {
		r.mutex.Lock()
		r.lastErr = err
		r.mutex.Unlock()
		r.setStatus(StatusError)
		return err
	}

	r.mutex.Lock()
	r.sess = sess
	r.lastErr = nil
	r.mutex.Unlock()

	r.setStatus(StatusAwaitingConfiguration)

	sess.start()

	return nil
}

// Stop stops the current session, if any.
func (r *Receiver) Stop() {
	r.controlMutex.Lock()
	defer r.controlMutex.Unlock()

	r.stopSession()
	r.setStatus(StatusDisconnected)
}

// Close stops the current session and prevents new ones from starting.
func (r *Receiver) Close() {
	r.controlMutex.Lock()
	defer r.controlMutex.Unlock()

	r.mutex.Lock()
	r.terminated = true
	r.mutex.Unlock()

	r.stopSession()
	r.setStatus(StatusDisconnected)
}

func (r *Receiver) stopSession() {
	r.mutex.Lock()
	sess := r.sess
	r.sess = nil
	r.closing = sess
	r.mutex.Unlock()

	if sess != nil {
		sess.close()

		r.mutex.Lock()
		r.retired = addCounters(r.retired, sess.stats.counters())
		r.closing = nil
		r.mutex.Unlock()
	}
}

// Status returns the current status.
func (r *Receiver) Status() Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.status
}

// PipelineState returns the state of the decode pipeline.
func (r *Receiver) PipelineState() PipelineState {
	r.mutex.Lock()
	sess := r.sess
	r.mutex.Unlock()

	if sess == nil {
		return PipelineStateUninitialized
	}
	return sess.pipeline.State()
}

// Err returns the error that halted the last session, if any.
func (r *Receiver) Err() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.lastErr
}

// SessionID returns the identifier of the current session.
// It returns an empty string when no source is set.
func (r *Receiver) SessionID() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.sess == nil {
		return ""
	}
	return r.sess.id.String()
}

// LocalAddr returns the address of the socket of the current session.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.sess == nil {
		return nil
	}
	return r.sess.source.LocalAddr()
}

// Stats returns the statistics of the current session.
func (r *Receiver) Stats() StatsSnapshot {
	r.mutex.Lock()
	sess := r.sess
	r.mutex.Unlock()

	if sess == nil {
		return StatsSnapshot{}
	}
	return sess.statsSnapshot(false)
}

// Totals returns the counters accumulated over all sessions,
// that never decrease. Rates and gauges are left empty.
func (r *Receiver) Totals() StatsSnapshot {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	t := r.retired
	for _, sess := range []*receiverSession{r.closing, r.sess} {
		if sess != nil {
			t = addCounters(t, sess.stats.counters())
		}
	}
	return t
}

func (r *Receiver) setStatus(s Status) {
	r.mutex.Lock()
	changed := r.status != s
	r.status = s
	r.mutex.Unlock()

	if changed {
		r.OnStatus(s)
	}
}

// setSessionStatus sets the status on behalf of a session,
// unless the session has been replaced or stopped.
func (r *Receiver) setSessionStatus(sess *receiverSession, s Status) {
	r.mutex.Lock()
	if r.sess != sess || r.status == s {
		r.mutex.Unlock()
		return
	}
	r.status = s
	r.mutex.Unlock()

	r.OnStatus(s)
}

func (r *Receiver) sessionFailed(sess *receiverSession, err error) {
	r.mutex.Lock()
	current := r.sess == sess
	if current {
		r.lastErr = err
	}
	r.mutex.Unlock()

	if current {
		r.setSessionStatus(sess, StatusError)
		r.OnError(err)
	}
}
