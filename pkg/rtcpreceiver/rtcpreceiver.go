// Package rtcpreceiver contains a utility to generate RTCP receiver reports.
package rtcpreceiver

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

func randUint32() (uint32, error) {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// Stats are statistics computed from received RTP packets.
type Stats struct {
	RemoteSSRC uint32
	TotalLost  uint32
	// interarrival jitter, in clock units.
	Jitter float64
}

// RTCPReceiver is a utility to generate RTCP receiver reports.
type RTCPReceiver struct {
	// clock rate of the stream.
	// It defaults to 90000.
	ClockRate int

	// local SSRC (optional).
	// It defaults to a random value.
	LocalSSRC *uint32

	// period of receiver reports.
	Period time.Duration

	// time.Now function (optional).
	TimeNow func() time.Time

	// called when a receiver report is ready to be written.
	WritePacketRTCP func(rtcp.Packet)

	mutex sync.Mutex

	// data from RTP packets
	firstRTPPacketReceived bool
	sequenceNumberCycles   uint16
	lastSequenceNumber     uint16
	remoteSSRC             uint32
	lastTimeRTP            uint32
	lastTimeSystem         time.Time
	totalLost              uint32
	totalLostSinceReport   uint32
	totalSinceReport       uint32
	jitter                 float64

	// data from RTCP packets
	firstSenderReportReceived  bool
	lastSenderReportTimeNTP    uint64
	lastSenderReportTimeSystem time.Time

	terminate chan struct{}
	done      chan struct{}
}

// Initialize initializes RTCPReceiver.
// Reports are generated in a dedicated routine until Close is called.
func (rr *RTCPReceiver) Initialize() error {
	if rr.ClockRate == 0 {
		rr.ClockRate = 90000
	}

	if rr.Period <= 0 {
		return fmt.Errorf("invalid Period")
	}

	if rr.LocalSSRC == nil {
		v, err := randUint32()
		if err != nil {
			return err
		}
		rr.LocalSSRC = &v
	}

	if rr.TimeNow == nil {
		rr.TimeNow = time.Now
	}

	if rr.WritePacketRTCP == nil {
		rr.WritePacketRTCP = func(rtcp.Packet) {}
	}

	rr.terminate = make(chan struct{})
	rr.done = make(chan struct{})

	go rr.run()

	return nil
}

// Close closes the RTCPReceiver.
func (rr *RTCPReceiver) Close() {
	close(rr.terminate)
	<-rr.done
}

func (rr *RTCPReceiver) run() {
	defer close(rr.done)

	t := time.NewTicker(rr.Period)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			report := rr.Report()
			if report != nil {
				rr.WritePacketRTCP(report)
			}

		case <-rr.terminate:
			return
		}
	}
}

// Report generates a receiver report.
// It returns nil if no RTP packet has been received yet.
func (rr *RTCPReceiver) Report() rtcp.Packet {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	if !rr.firstRTPPacketReceived {
		return nil
	}

	system := rr.TimeNow()

	report := &rtcp.ReceiverReport{
		SSRC: *rr.LocalSSRC,
		Reports: []rtcp.ReceptionReport{
			{
				SSRC:               rr.remoteSSRC,
				LastSequenceNumber: uint32(rr.sequenceNumberCycles)<<16 | uint32(rr.lastSequenceNumber),
				// equivalent to taking the integer part after multiplying the
				// loss fraction by 256
				FractionLost: uint8(float64(rr.totalLostSinceReport*256) / float64(rr.totalSinceReport)),
				TotalLost:    rr.totalLost,
				Jitter:       uint32(rr.jitter),
			},
		},
	}

	if rr.firstSenderReportReceived {
		// middle 32 bits out of 64 in the NTP timestamp of last sender report
		report.Reports[0].LastSenderReport = uint32(rr.lastSenderReportTimeNTP >> 16)

		// delay, expressed in units of 1/65536 seconds, between
		// receiving the last SR packet from source SSRC_n and sending this
		// reception report block
		report.Reports[0].Delay = uint32(system.Sub(rr.lastSenderReportTimeSystem).Seconds() * 65536)
	}

	rr.totalLostSinceReport = 0
	rr.totalSinceReport = 0

	return report
}

func (rr *RTCPReceiver) resetRTP(pkt *rtp.Packet, system time.Time) {
	rr.firstRTPPacketReceived = true
	rr.sequenceNumberCycles = 0
	rr.lastSequenceNumber = pkt.SequenceNumber
	rr.remoteSSRC = pkt.SSRC
	rr.lastTimeRTP = pkt.Timestamp
	rr.lastTimeSystem = system
	rr.totalLost = 0
	rr.totalLostSinceReport = 0
	rr.totalSinceReport = 1
	rr.jitter = 0
}

// ProcessPacket extracts the needed data from RTP packets.
// A SSRC change, that happens when the camera restarts its encoder,
// resets all statistics.
func (rr *RTCPReceiver) ProcessPacket(pkt *rtp.Packet, system time.Time) {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	if !rr.firstRTPPacketReceived {
		rr.resetRTP(pkt, system)
		return
	}

	if pkt.SSRC != rr.remoteSSRC {
		rr.resetRTP(pkt, system)
		rr.firstSenderReportReceived = false
		return
	}

	diff := int32(pkt.SequenceNumber) - int32(rr.lastSequenceNumber)

	// late or duplicate packets are ignored.
	if uint16(diff) >= 0x8000 || diff == 0 {
		return
	}

	// overflow
	if diff < -0x0FFF {
		rr.sequenceNumberCycles++
	}

	// detect lost packets
	if pkt.SequenceNumber != (rr.lastSequenceNumber + 1) {
		rr.totalLost += uint32(uint16(diff) - 1)
		rr.totalLostSinceReport += uint32(uint16(diff) - 1)

		// allow up to 24 bits
		if rr.totalLost > 0xFFFFFF {
			rr.totalLost = 0xFFFFFF
		}
		if rr.totalLostSinceReport > 0xFFFFFF {
			rr.totalLostSinceReport = 0xFFFFFF
		}
	}

	rr.totalSinceReport += uint32(uint16(diff))
	rr.lastSequenceNumber = pkt.SequenceNumber

	// update jitter
	// https://tools.ietf.org/html/rfc3550#page-39
	// packets of the same access unit share the timestamp and are skipped.
	if pkt.Timestamp != rr.lastTimeRTP {
		D := system.Sub(rr.lastTimeSystem).Seconds()*float64(rr.ClockRate) -
			(float64(pkt.Timestamp) - float64(rr.lastTimeRTP))
		if D < 0 {
			D = -D
		}
		rr.jitter += (D - rr.jitter) / 16

		rr.lastTimeRTP = pkt.Timestamp
		rr.lastTimeSystem = system
	}
}

// ProcessSenderReport extracts the needed data from RTCP sender reports.
func (rr *RTCPReceiver) ProcessSenderReport(sr *rtcp.SenderReport, system time.Time) {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	if rr.firstRTPPacketReceived && sr.SSRC != rr.remoteSSRC {
		return
	}

	rr.firstSenderReportReceived = true
	rr.lastSenderReportTimeNTP = sr.NTPTime
	rr.lastSenderReportTimeSystem = system
}

// Stats returns statistics.
func (rr *RTCPReceiver) Stats() (Stats, bool) {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	if !rr.firstRTPPacketReceived {
		return Stats{}, false
	}

	return Stats{
		RemoteSSRC: rr.remoteSSRC,
		TotalLost:  rr.totalLost,
		Jitter:     rr.jitter,
	}, true
}
