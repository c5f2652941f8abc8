// Package rtpheader contains a RTP header parser.
// Specification: https://datatracker.ietf.org/doc/html/rfc3550#section-5.1
package rtpheader

import (
	"encoding/binary"
	"errors"

	"github.com/pion/rtp"
)

const (
	// HeaderSize is the size of the fixed part of a RTP header.
	HeaderSize = 12

	rtpVersion         = 2
	csrcSize           = 4
	extensionFixedSize = 4
)

// ErrPacketTooShort is returned when a packet is shorter than the fixed RTP header.
var ErrPacketTooShort = errors.New("packet is shorter than the RTP header")

// ErrInvalidVersion is returned when the RTP version is not 2.
var ErrInvalidVersion = errors.New("invalid RTP version")

// ErrInvalidExtension is returned when the header extension does not fit into the packet.
var ErrInvalidExtension = errors.New("header extension exceeds packet size")

// ErrInvalidPayloadOffset is returned when, after CSRCs, extension and padding
// are taken into account, the packet does not contain any payload.
var ErrInvalidPayloadOffset = errors.New("payload offset exceeds packet size")

// Unmarshal decodes a RTP packet.
// The payload of pkt points into buf, that must not be modified until the packet
// has been processed.
// Header extension contents are skipped; only the profile is kept.
func Unmarshal(buf []byte, pkt *rtp.Packet) error {
	l := len(buf)
	if l < HeaderSize {
		return ErrPacketTooShort
	}

	version := buf[0] >> 6
	if version != rtpVersion {
		return ErrInvalidVersion
	}

	padding := (buf[0] & 0x20) != 0
	extension := (buf[0] & 0x10) != 0
	csrcCount := int(buf[0] & 0x0F)

	offset := HeaderSize + csrcCount*csrcSize
	if offset >= l {
		return ErrInvalidPayloadOffset
	}

	var csrc []uint32
	if csrcCount != 0 {
		csrc = make([]uint32, csrcCount)
		for i := range csrc {
			csrc[i] = binary.BigEndian.Uint32(buf[HeaderSize+i*csrcSize:])
		}
	}

	var extensionProfile uint16
	if extension {
		if (offset + extensionFixedSize) > l {
			return ErrInvalidExtension
		}

		extensionProfile = binary.BigEndian.Uint16(buf[offset:])
		extensionLen := int(binary.BigEndian.Uint16(buf[offset+2:]))
		offset += extensionFixedSize + extensionLen*4
	}

	end := l
	if padding {
		end -= int(buf[l-1])
	}

	if offset >= end {
		return ErrInvalidPayloadOffset
	}

	pkt.Header = rtp.Header{
		Version:          version,
		Padding:          padding,
		Extension:        extension,
		Marker:           (buf[1] >> 7) == 1,
		PayloadType:      buf[1] & 0x7F,
		SequenceNumber:   binary.BigEndian.Uint16(buf[2:]),
		Timestamp:        binary.BigEndian.Uint32(buf[4:]),
		SSRC:             binary.BigEndian.Uint32(buf[8:]),
		CSRC:             csrc,
		ExtensionProfile: extensionProfile,
	}
	pkt.Payload = buf[offset:end]

	return nil
}
