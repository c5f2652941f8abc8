package rtph264

import (
	"errors"

	"github.com/pion/rtp"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/dronecam/videorecv/pkg/liberrors"
)

const (
	// large enough for an IDR frame of a 1080p stream.
	defaultMaxNALUSize = 200000
)

// ErrMorePacketsNeeded is returned when more packets are needed.
var ErrMorePacketsNeeded = errors.New("need more packets")

// ErrNonStartingPacketAndNoPrevious is returned when we received a non-starting
// packet of a fragmented NALU and we didn't received anything before.
// It's normal to receive this when decoding a stream that has been already
// running for some time.
var ErrNonStartingPacketAndNoPrevious = errors.New(
	"received a non-starting fragment without any previous starting fragment")

// ErrFragmentDiscarded is returned when a non-starting fragment doesn't belong
// to the NALU that is being assembled.
var ErrFragmentDiscarded = errors.New("discarding fragment since it doesn't belong to the current NALU")

// ErrInvalidFUA is returned in case of a FU-A packet without FU header.
var ErrInvalidFUA = errors.New("invalid FU-A packet (invalid size)")

// ErrEmptyPayload is returned in case of a packet without payload.
var ErrEmptyPayload = errors.New("payload is empty")

// ErrNALUTooBig is returned when a fragmented NALU exceeds the accumulation buffer.
var ErrNALUTooBig = errors.New("NALU is too big")

// Decoder is a RTP/H264 decoder.
// It emits NALUs one by one, each prefixed with an Annex-B start code.
type Decoder struct {
	// maximum size of a reassembled NALU, start code included (optional).
	// It defaults to 200000.
	MaxNALUSize int

	buffer       []byte
	assembling   bool
	fragmentType h264.NALUType
	initialized  bool
	prevSeqNum   uint16
	everStarted  bool
}

// Init initializes the decoder.
func (d *Decoder) Init() error {
	if d.MaxNALUSize == 0 {
		d.MaxNALUSize = defaultMaxNALUSize
	}
	if d.MaxNALUSize <= StartCodeSize+1 {
		return errors.New("MaxNALUSize is too small")
	}

	d.buffer = make([]byte, 0, d.MaxNALUSize)
	return nil
}

// Reset discards the NALU that is being assembled, if any.
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.assembling = false
}

// Assembling returns whether a fragmented NALU is being assembled.
func (d *Decoder) Assembling() bool {
	return d.assembling
}

func (d *Decoder) appendFragment(fragment []byte) bool {
	if (len(d.buffer) + len(fragment)) > d.MaxNALUSize {
		d.Reset()
		return false
	}

	d.buffer = append(d.buffer, fragment...)
	return true
}

// Decode decodes a NALU from a RTP packet.
// The returned NALU doesn't share memory with the packet or with the decoder.
func (d *Decoder) Decode(pkt *rtp.Packet) ([]byte, error) {
	// any discontinuity invalidates the NALU that is being assembled.
	if d.initialized && pkt.SequenceNumber != (d.prevSeqNum+1) {
		d.Reset()
	}
	d.initialized = true
	d.prevSeqNum = pkt.SequenceNumber

	if len(pkt.Payload) < 1 {
		d.Reset()
		return nil, ErrEmptyPayload
	}

	typ := h264.NALUType(pkt.Payload[0] & 0x1F)

	switch {
	case typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeReserved23:
		d.Reset()

		nalu := make([]byte, StartCodeSize+len(pkt.Payload))
		copy(nalu, startCode)
		copy(nalu[StartCodeSize:], pkt.Payload)
		return nalu, nil

	case typ == h264.NALUTypeFUA:
		return d.decodeFUA(pkt.Payload)

	default:
		d.Reset()
		return nil, liberrors.ErrUnsupportedNALUType{Type: typ}
	}
}

func (d *Decoder) decodeFUA(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		d.Reset()
		return nil, ErrInvalidFUA
	}

	indicator := payload[0]
	header := payload[1]
	start := (header >> 7) == 1
	end := ((header >> 6) & 0x01) == 1
	typ := h264.NALUType(header & 0x1F)

	if start {
		d.Reset()
		d.buffer = append(d.buffer, startCode...)
		d.buffer = append(d.buffer, (indicator&0xE0)|uint8(typ))

		if !d.appendFragment(payload[2:]) {
			return nil, ErrNALUTooBig
		}

		d.assembling = true
		d.fragmentType = typ
		d.everStarted = true

		// RFC 6184 forbids setting both the Start bit and the End bit;
		// some cameras do it anyway for small P-frames.
		if !end {
			return nil, ErrMorePacketsNeeded
		}

		return d.finalize(), nil
	}

	if !d.assembling || d.fragmentType != typ {
		d.Reset()

		if !d.everStarted {
			return nil, ErrNonStartingPacketAndNoPrevious
		}
		return nil, ErrFragmentDiscarded
	}

	if !d.appendFragment(payload[2:]) {
		return nil, ErrNALUTooBig
	}

	if !end {
		return nil, ErrMorePacketsNeeded
	}

	return d.finalize(), nil
}

func (d *Decoder) finalize() []byte {
	nalu := make([]byte, len(d.buffer))
	copy(nalu, d.buffer)
	d.Reset()
	return nalu
}
