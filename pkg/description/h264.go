package description

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	psdp "github.com/pion/sdp/v3"
)

var startCode = []byte{0, 0, 0, 1}

// H264 is the description of a H264 stream.
type H264 struct {
	// payload type of RTP packets.
	PayloadType uint8

	// port of the media, when present.
	Port int

	// connection address, when present.
	ConnectionAddress string

	// out-of-band parameter sets (optional).
	SPS []byte
	PPS []byte

	// packetization mode.
	PacketizationMode int
}

// Unmarshal decodes the first H264 media of a SDP description.
func (d *H264) Unmarshal(byts []byte) error {
	var sd psdp.SessionDescription
	err := sd.Unmarshal(byts)
	if err != nil {
		return fmt.Errorf("invalid SDP: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}

		for _, payloadType := range md.MediaName.Formats {
			tmp, err := strconv.ParseUint(payloadType, 10, 7)
			if err != nil {
				return fmt.Errorf("invalid payload type '%s'", payloadType)
			}
			payloadTypeInt := uint8(tmp)

			if !isH264(getFormatAttribute(md.Attributes, payloadTypeInt, "rtpmap")) {
				continue
			}

			*d = H264{
				PayloadType: payloadTypeInt,
				Port:        md.MediaName.Port.Value,
			}

			switch {
			case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
				d.ConnectionAddress = md.ConnectionInformation.Address.Address

			case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
				d.ConnectionAddress = sd.ConnectionInformation.Address.Address
			}

			return d.unmarshalFMTP(decodeFMTP(getFormatAttribute(md.Attributes, payloadTypeInt, "fmtp")))
		}
	}

	return fmt.Errorf("no H264 media found")
}

func (d *H264) unmarshalFMTP(fmtp map[string]string) error {
	for key, val := range fmtp {
		switch key {
		case "sprop-parameter-sets":
			tmp := strings.Split(val, ",")
			if len(tmp) < 2 {
				continue
			}

			sps, err := base64.StdEncoding.DecodeString(tmp[0])
			if err != nil {
				return fmt.Errorf("invalid sprop-parameter-sets (%v)", val)
			}

			// some cameras ship parameters with Annex-B prefix
			sps = bytes.TrimPrefix(sps, startCode)

			pps, err := base64.StdEncoding.DecodeString(tmp[1])
			if err != nil {
				return fmt.Errorf("invalid sprop-parameter-sets (%v)", val)
			}

			pps = bytes.TrimPrefix(pps, startCode)

			var spsp h264.SPS
			err = spsp.Unmarshal(sps)
			if err != nil {
				continue
			}

			d.SPS = sps
			d.PPS = pps

		case "packetization-mode":
			tmp, err := strconv.ParseUint(val, 10, 31)
			if err != nil {
				return fmt.Errorf("invalid packetization-mode (%v)", val)
			}

			d.PacketizationMode = int(tmp)
		}
	}

	if d.PacketizationMode > 1 {
		return fmt.Errorf("unsupported packetization-mode (%d)", d.PacketizationMode)
	}

	return nil
}

func (d H264) fmtp() string {
	tmp := []string{"packetization-mode=" + strconv.FormatInt(int64(d.PacketizationMode), 10)}

	if d.SPS != nil && d.PPS != nil {
		tmp = append(tmp, "sprop-parameter-sets="+
			base64.StdEncoding.EncodeToString(d.SPS)+","+base64.StdEncoding.EncodeToString(d.PPS))

		if len(d.SPS) >= 4 {
			tmp = append(tmp, "profile-level-id="+strings.ToUpper(fmt.Sprintf("%x", d.SPS[1:4])))
		}
	}

	return strings.Join(tmp, "; ")
}

// Marshal encodes the description in SDP.
func (d H264) Marshal() ([]byte, error) {
	address := d.ConnectionAddress
	if address == "" {
		address = "0.0.0.0"
	}

	typ := strconv.FormatInt(int64(d.PayloadType), 10)

	sout := &psdp.SessionDescription{
		// RFC 4566: If a session has no meaningful name, the
		// value "s= " SHOULD be used (i.e., a single space as the session name).
		SessionName: psdp.SessionName(" "),
		Origin: psdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: address},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "video",
					Port:    psdp.RangedPort{Value: d.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{typ},
				},
				Attributes: []psdp.Attribute{
					{
						Key:   "rtpmap",
						Value: typ + " H264/90000",
					},
					{
						Key:   "fmtp",
						Value: typ + " " + d.fmtp(),
					},
				},
			},
		},
	}

	return sout.Marshal()
}
