// Package rtplossdetector implements an algorithm that detects lost packets.
package rtplossdetector

import (
	"github.com/pion/rtp"
)

// LossDetector detects lost packets.
// Packets that arrive late (sequence number behind the last one, modulo 2^16)
// are not counted as lost and don't move the expected sequence number.
type LossDetector struct {
	initialized bool
	expected    uint16
}

// Process processes a RTP packet.
// It returns the number of packets lost between this packet and the previous one.
func (d *LossDetector) Process(pkt *rtp.Packet) uint64 {
	if !d.initialized {
		d.initialized = true
		d.expected = pkt.SequenceNumber + 1
		return 0
	}

	diff := pkt.SequenceNumber - d.expected

	// late or duplicate packet
	if diff >= 0x8000 {
		return 0
	}

	d.expected = pkt.SequenceNumber + 1
	return uint64(diff)
}

// Reset makes the detector forget the previous packet.
func (d *LossDetector) Reset() {
	d.initialized = false
}
