package videorecv

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/dronecam/videorecv/pkg/description"
	"github.com/dronecam/videorecv/pkg/device"
	"github.com/dronecam/videorecv/pkg/liberrors"
	"github.com/dronecam/videorecv/pkg/rtph264"
	"github.com/dronecam/videorecv/pkg/rtpheader"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}

	testSPS2 = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6c, 0x80, 0x00, 0x00, 0x03,
		0x00, 0x80, 0x00, 0x00, 0x1e, 0x07, 0x8c, 0x18,
		0xcb,
	}

	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
)

func withStartCode(nalu []byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nalu...)
}

type fakeDevice struct {
	conf      device.Config
	submitErr error

	mutex     sync.Mutex
	submitted [][]byte
	pending   []*device.FrameReady
	released  bool
}

func (d *fakeDevice) Submit(nalu []byte, pts time.Duration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.released {
		return device.ErrReleased
	}
	if d.submitErr != nil {
		return d.submitErr
	}

	d.submitted = append(d.submitted, nalu)
	d.pending = append(d.pending, &device.FrameReady{
		Data:     nalu,
		PTS:      pts,
		Keyframe: h264.NALUType(nalu[4]&0x1F) == h264.NALUTypeIDR,
	})
	return nil
}

func (d *fakeDevice) PollOutput() (*device.FrameReady, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return nil, false
	}

	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, true
}

func (d *fakeDevice) Release() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.released = true
}

func (d *fakeDevice) Submitted() [][]byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([][]byte(nil), d.submitted...)
}

func (d *fakeDevice) Released() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.released
}

type fakeFactory struct {
	err       error
	submitErr error

	mutex   sync.Mutex
	devices []*fakeDevice
}

func (f *fakeFactory) create(conf device.Config) (device.Device, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	d := &fakeDevice{conf: conf, submitErr: f.submitErr}
	f.devices = append(f.devices, d)

	return d, nil
}

func (f *fakeFactory) Devices() []*fakeDevice {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*fakeDevice(nil), f.devices...)
}

type testSender struct {
	conn *net.UDPConn
	dest *net.UDPAddr
	enc  *rtph264.Encoder
}

func newTestSender(t *testing.T, dest *net.UDPAddr) *testSender {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	enc := &rtph264.Encoder{
		PayloadType:    96,
		PayloadMaxSize: 1200,
	}
	err = enc.Init()
	require.NoError(t, err)

	return &testSender{conn: conn, dest: dest, enc: enc}
}

func (s *testSender) send(t *testing.T, au [][]byte, ts uint32) {
	pkts, err := s.enc.Encode(au, ts)
	require.NoError(t, err)

	for _, pkt := range pkts {
		byts, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = s.conn.WriteTo(byts, s.dest)
		require.NoError(t, err)
	}
}

func newTestReceiver(t *testing.T, f *fakeFactory, statuses chan Status) *Receiver {
	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		StatsPeriod:   50 * time.Millisecond,
		OnStatus: func(s Status) {
			if statuses != nil {
				statuses <- s
			}
		},
	}
	err := r.Initialize()
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestReceiverInitializeErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		r    *Receiver
		err  string
	}{
		{
			"missing device factory",
			&Receiver{},
			"DeviceFactory is not set",
		},
		{
			"invalid queue capacity",
			&Receiver{
				DeviceFactory: (&fakeFactory{}).create,
				QueueCapacity: -1,
			},
			"invalid queue capacity (-1), it must be at least 1",
		},
		{
			"invalid sdp",
			&Receiver{
				DeviceFactory: (&fakeFactory{}).create,
				SDP:           []byte("v=0\r\n"),
			},
			"no H264 media found",
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			err := ca.r.Initialize()
			require.Error(t, err)
			require.Contains(t, err.Error(), ca.err)
		})
	}
}

func TestReceiverDefaults(t *testing.T) {
	r := &Receiver{DeviceFactory: (&fakeFactory{}).create}
	err := r.Initialize()
	require.NoError(t, err)

	require.Equal(t, ":5000", r.ListenAddress)
	require.Equal(t, 3, r.QueueCapacity)
	require.Equal(t, 5*time.Second, r.IDRTimeout)
	require.Equal(t, 100*time.Millisecond, r.ReadTimeout)
	require.Equal(t, 200*time.Millisecond, r.DequeueTimeout)
	require.Equal(t, 200000, r.MaxNALUSize)
	require.Equal(t, StatusDisconnected, r.Status())
	require.Equal(t, PipelineStateUninitialized, r.PipelineState())
	require.Equal(t, "", r.SessionID())
	require.Equal(t, StatsSnapshot{}, r.Stats())
}

func TestReceiverDecode(t *testing.T) {
	f := &fakeFactory{}
	statuses := make(chan Status, 16)
	statsCh := make(chan StatsSnapshot, 64)

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		StatsPeriod:   50 * time.Millisecond,
		OnStatus: func(s Status) {
			statuses <- s
		},
		OnStats: func(s StatsSnapshot) {
			select {
			case statsCh <- s:
			default:
			}
		},
	}
	err := r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingConfiguration, <-statuses)
	require.NotEqual(t, "", r.SessionID())

	s := newTestSender(t, r.LocalAddr())
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 1000)...)
	s.send(t, [][]byte{testSPS, testPPS, idr}, 0)

	require.Equal(t, StatusDecoding, <-statuses)

	require.Eventually(t, func() bool {
		devs := f.Devices()
		return len(devs) == 1 && len(devs[0].Submitted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dev := f.Devices()[0]
	require.Equal(t, 352, dev.conf.Width)
	require.Equal(t, 288, dev.conf.Height)
	require.Equal(t, testSPS, dev.conf.SPS)
	require.Equal(t, testPPS, dev.conf.PPS)
	require.Equal(t, [][]byte{withStartCode(idr)}, dev.Submitted())
	require.Equal(t, PipelineStateDecoding, r.PipelineState())

	<-statsCh

	var st StatsSnapshot
	require.Eventually(t, func() bool {
		st = r.Stats()
		return st.FramesDecoded == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), st.Keyframes)
	require.Equal(t, uint64(1), st.UnitsQueued)
	require.Equal(t, uint64(0), st.PacketsLost)
	require.Equal(t, uint64(0), st.PacketsMalformed)

	r.Stop()
	require.Equal(t, StatusDisconnected, <-statuses)
	require.True(t, dev.Released())
	require.Equal(t, "", r.SessionID())
}

func TestReceiverReconfigure(t *testing.T) {
	f := &fakeFactory{}
	changes := make(chan h264.NALUType, 16)

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		OnParameterSetChange: func(typ h264.NALUType) {
			changes <- typ
		},
	}
	err := r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("")
	require.NoError(t, err)

	s := newTestSender(t, r.LocalAddr())
	s.send(t, [][]byte{testSPS, testPPS, {0x65, 0x88, 0x84}}, 0)

	require.Eventually(t, func() bool {
		devs := f.Devices()
		return len(devs) == 1 && len(devs[0].Submitted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.send(t, [][]byte{testSPS2, {0x65, 0x88, 0x85}}, 3000)

	require.Eventually(t, func() bool {
		devs := f.Devices()
		return len(devs) == 2 && len(devs[1].Submitted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	devs := f.Devices()
	require.True(t, devs[0].Released())
	require.False(t, devs[1].Released())
	require.Equal(t, 1280, devs[1].conf.Width)
	require.Equal(t, 720, devs[1].conf.Height)
	require.Equal(t, uint64(1), r.Stats().Reconfigurations)

	require.Equal(t, h264.NALUTypeSPS, <-changes)
	require.Equal(t, h264.NALUTypePPS, <-changes)
	require.Equal(t, h264.NALUTypeSPS, <-changes)
}

func newTestSenderWithSSRC(t *testing.T, dest *net.UDPAddr, ssrc uint32, seq uint16) *testSender {
	s := newTestSender(t, dest)
	s.enc = &rtph264.Encoder{
		PayloadType:           96,
		PayloadMaxSize:        1200,
		SSRC:                  &ssrc,
		InitialSequenceNumber: &seq,
	}
	err := s.enc.Init()
	require.NoError(t, err)
	return s
}

func TestReceiverSSRCChange(t *testing.T) {
	f := &fakeFactory{}
	r := newTestReceiver(t, f, nil)

	err := r.SetSource("")
	require.NoError(t, err)

	s1 := newTestSenderWithSSRC(t, r.LocalAddr(), 0x11111111, 100)
	s1.send(t, [][]byte{testSPS, testPPS, {0x65, 0x88, 0x84}}, 0)

	require.Eventually(t, func() bool {
		devs := f.Devices()
		return len(devs) == 1 && len(devs[0].Submitted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the camera restarts its encoder
	s2 := newTestSenderWithSSRC(t, r.LocalAddr(), 0x22222222, 20000)
	s2.send(t, [][]byte{{0x65, 0x88, 0x85}}, 500000)
	s2.send(t, [][]byte{{0x41, 0x9a, 0x01}}, 503000)

	require.Eventually(t, func() bool {
		return len(f.Devices()[0].Submitted()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	st := r.Stats()
	require.Equal(t, uint64(5), st.PacketsReceived)
	require.Equal(t, uint64(0), st.PacketsLost)
}

func TestReceiverTotals(t *testing.T) {
	f := &fakeFactory{}
	r := newTestReceiver(t, f, nil)

	for i := 0; i < 2; i++ {
		err := r.SetSource("")
		require.NoError(t, err)
		require.Equal(t, uint64(0), r.Stats().PacketsReceived)

		s := newTestSender(t, r.LocalAddr())
		s.send(t, [][]byte{testSPS, testPPS, {0x65, 0x88, 0x84}}, 0)

		require.Eventually(t, func() bool {
			devs := f.Devices()
			return len(devs) == i+1 && len(devs[i].Submitted()) == 1
		}, 2*time.Second, 10*time.Millisecond)

		require.Equal(t, uint64(3), r.Stats().PacketsReceived)
		require.Equal(t, uint64(3*(i+1)), r.Totals().PacketsReceived)
		require.Equal(t, uint64(i+1), r.Totals().Keyframes)
	}

	r.Stop()
	require.Equal(t, StatsSnapshot{}, r.Stats())
	require.Equal(t, uint64(6), r.Totals().PacketsReceived)
}

func TestReceiverSDP(t *testing.T) {
	sdp, err := description.H264{
		PayloadType:       97,
		SPS:               testSPS,
		PPS:               testPPS,
		PacketizationMode: 1,
	}.Marshal()
	require.NoError(t, err)

	f := &fakeFactory{}

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		SDP:           sdp,
	}
	err = r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("127.0.0.1:5000")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Status() == StatusDecoding
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, f.Devices(), 1)

	s := newTestSender(t, r.LocalAddr())

	// wrong payload type
	s.send(t, [][]byte{{0x65, 0x01}}, 0)

	s.enc.PayloadType = 97
	s.send(t, [][]byte{{0x65, 0x02}}, 3000)

	require.Eventually(t, func() bool {
		return len(f.Devices()[0].Submitted()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, [][]byte{withStartCode([]byte{0x65, 0x02})}, f.Devices()[0].Submitted())
	require.Equal(t, uint64(1), r.Stats().PacketsIgnored)
}

func TestReceiverConfigureError(t *testing.T) {
	f := &fakeFactory{err: errors.New("no codec available")}
	statuses := make(chan Status, 16)
	fatal := make(chan error, 1)

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		OnStatus: func(s Status) {
			statuses <- s
		},
		OnError: func(err error) {
			fatal <- err
		},
	}
	err := r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingConfiguration, <-statuses)

	s := newTestSender(t, r.LocalAddr())
	s.send(t, [][]byte{testSPS, testPPS}, 0)

	err = <-fatal
	var cerr liberrors.ErrDeviceConfigure
	require.ErrorAs(t, err, &cerr)
	require.EqualError(t, err, "unable to configure decode device: no codec available")

	require.Equal(t, StatusError, <-statuses)
	require.Equal(t, StatusError, r.Status())
	require.Equal(t, err, r.Err())

	// a new source restarts the pipeline
	f.mutex.Lock()
	f.err = nil
	f.mutex.Unlock()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingConfiguration, <-statuses)
	require.NoError(t, r.Err())

	s = newTestSender(t, r.LocalAddr())
	s.send(t, [][]byte{testSPS, testPPS}, 0)

	require.Equal(t, StatusDecoding, <-statuses)
}

func TestReceiverSubmitError(t *testing.T) {
	f := &fakeFactory{submitErr: device.ErrNotReady}
	decodeErrs := make(chan error, 16)

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		OnDecodeError: func(err error) {
			decodeErrs <- err
		},
	}
	err := r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)

	s := newTestSender(t, r.LocalAddr())
	s.send(t, [][]byte{testSPS, testPPS, {0x65, 0x88}}, 0)

	err = <-decodeErrs
	require.ErrorIs(t, err, device.ErrNotReady)
	var serr liberrors.ErrSubmit
	require.ErrorAs(t, err, &serr)
	require.Equal(t, h264.NALUTypeIDR, serr.Type)
	require.Equal(t, uint64(1), r.Stats().SubmitFailures)
	require.Equal(t, StatusDecoding, r.Status())
}

func TestReceiverDecodeErrors(t *testing.T) {
	f := &fakeFactory{}
	decodeErrs := make(chan error, 16)

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		OnDecodeError: func(err error) {
			decodeErrs <- err
		},
	}
	err := r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("")
	require.NoError(t, err)

	s := newTestSender(t, r.LocalAddr())

	// too short
	_, err = s.conn.WriteTo([]byte{0x80, 0x60, 0x00}, r.LocalAddr())
	require.NoError(t, err)
	require.ErrorIs(t, <-decodeErrs, rtpheader.ErrPacketTooShort)

	// STAP-A
	s.send(t, [][]byte{{0x18, 0x00, 0x02, 0x09, 0xf0}}, 0)
	var unsupported liberrors.ErrUnsupportedNALUType
	require.ErrorAs(t, <-decodeErrs, &unsupported)
	require.Equal(t, h264.NALUTypeSTAPA, unsupported.Type)

	st := r.Stats()
	require.Equal(t, uint64(2), st.PacketsReceived)
	require.Equal(t, uint64(1), st.PacketsMalformed)
	require.Equal(t, uint64(1), st.NALUsUnsupported)
}

func TestReceiverReceiverReports(t *testing.T) {
	f := &fakeFactory{}

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sender.Close()

	r := &Receiver{
		ListenAddress:        "127.0.0.1:0",
		DeviceFactory:        f.create,
		RTCPPort:             sender.LocalAddr().(*net.UDPAddr).Port,
		ReceiverReportPeriod: 100 * time.Millisecond,
	}
	err = r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)

	enc := &rtph264.Encoder{
		PayloadType: 96,
	}
	err = enc.Init()
	require.NoError(t, err)

	pkts, err := enc.Encode([][]byte{{0x41, 0x9a}}, 0)
	require.NoError(t, err)
	byts, err := pkts[0].Marshal()
	require.NoError(t, err)
	_, err = sender.WriteTo(byts, r.LocalAddr())
	require.NoError(t, err)

	sr := &rtcp.SenderReport{
		SSRC:    *enc.SSRC,
		NTPTime: 0xe363887a17ced916,
	}
	byts, err = sr.Marshal()
	require.NoError(t, err)
	_, err = sender.WriteTo(byts, r.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 1500)

	for {
		err = sender.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, err)

		n, _, err := sender.ReadFrom(buf)
		require.NoError(t, err)

		pkts, err := rtcp.Unmarshal(buf[:n])
		require.NoError(t, err)

		rr, ok := pkts[0].(*rtcp.ReceiverReport)
		require.True(t, ok)
		require.Len(t, rr.Reports, 1)
		require.Equal(t, *enc.SSRC, rr.Reports[0].SSRC)

		if rr.Reports[0].LastSenderReport != 0 {
			require.Equal(t, uint32(0x887a17ce), rr.Reports[0].LastSenderReport)
			break
		}
	}
}

func TestReceiverClose(t *testing.T) {
	r := newTestReceiver(t, &fakeFactory{}, nil)

	err := r.SetSource("127.0.0.1")
	require.NoError(t, err)

	r.Close()
	require.Equal(t, StatusDisconnected, r.Status())

	err = r.SetSource("127.0.0.1")
	require.Equal(t, liberrors.ErrReceiverTerminated{}, err)
}

func TestReceiverSetSourceRestartsSession(t *testing.T) {
	r := newTestReceiver(t, &fakeFactory{}, nil)

	err := r.SetSource("127.0.0.1")
	require.NoError(t, err)
	id1 := r.SessionID()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)
	id2 := r.SessionID()

	require.NotEqual(t, id1, id2)
	require.Equal(t, StatusAwaitingConfiguration, r.Status())
}

// 200 packets, 2% uniform random loss.
func TestReceiverLossyStream(t *testing.T) {
	sdp, err := description.H264{
		PayloadType:       96,
		SPS:               testSPS,
		PPS:               testPPS,
		PacketizationMode: 1,
	}.Marshal()
	require.NoError(t, err)

	f := &fakeFactory{}

	r := &Receiver{
		ListenAddress: "127.0.0.1:0",
		DeviceFactory: f.create,
		SDP:           sdp,
		QueueCapacity: 256,
	}
	err = r.Initialize()
	require.NoError(t, err)
	defer r.Close()

	err = r.SetSource("127.0.0.1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Status() == StatusDecoding
	}, 2*time.Second, 10*time.Millisecond)

	s := newTestSender(t, r.LocalAddr())
	rnd := rand.New(rand.NewSource(1))

	original := make(map[string]struct{})
	complete := 0
	sent := 0
	total := 0

	for frame := 0; total < 200; frame++ {
		typ := byte(0x41)
		if frame%10 == 0 {
			typ = 0x65
		}

		nalu := make([]byte, 200+rnd.Intn(3000))
		nalu[0] = typ
		for i := 1; i < len(nalu); i++ {
			nalu[i] = byte(rnd.Intn(256))
		}
		original[string(withStartCode(nalu))] = struct{}{}

		pkts, err := s.enc.Encode([][]byte{nalu}, uint32(frame*3000))
		require.NoError(t, err)

		intact := true

		for _, pkt := range pkts {
			total++

			if rnd.Float64() < 0.02 {
				intact = false
				continue
			}

			byts, err := pkt.Marshal()
			require.NoError(t, err)
			_, err = s.conn.WriteTo(byts, s.dest)
			require.NoError(t, err)
			sent++

			time.Sleep(200 * time.Microsecond)
		}

		if intact {
			complete++
		}
	}

	dev := f.Devices()[0]

	require.Eventually(t, func() bool {
		st := r.Stats()
		return st.PacketsReceived == uint64(sent) &&
			uint64(len(dev.Submitted())) == st.UnitsQueued-st.UnitsDropped
	}, 5*time.Second, 10*time.Millisecond)

	submitted := dev.Submitted()
	require.LessOrEqual(t, len(submitted), complete)

	for _, nalu := range submitted {
		_, ok := original[string(nalu)]
		require.True(t, ok, "a malformed unit reached the device")
	}

	st := r.Stats()
	require.LessOrEqual(t, st.FramesDecoded, uint64(complete))
	require.LessOrEqual(t, st.PacketsLost, uint64(total-sent))
}
