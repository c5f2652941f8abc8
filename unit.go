package videorecv

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// Unit is a reassembled NALU waiting to be submitted to the decode device.
type Unit struct {
	// NALU with start code.
	NALU []byte

	// NALU type.
	Type h264.NALUType

	// RTP timestamp of the packet that completed the NALU.
	Timestamp uint32

	// presentation timestamp, relative to the first packet of the session.
	PTS time.Duration

	// time of reception of the packet that completed the NALU.
	Received time.Time
}
