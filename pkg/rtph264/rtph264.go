// Package rtph264 contains a RTP/H264 decoder and encoder.
// Specification: https://datatracker.ietf.org/doc/html/rfc6184
package rtph264

const (
	// ClockRate is the RTP clock rate of H264.
	ClockRate = 90000
)

// startCode is the Annex-B prefix of every NALU emitted by the decoder.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// StartCodeSize is the size of the Annex-B prefix.
const StartCodeSize = 4
