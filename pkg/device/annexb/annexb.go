// Package annexb contains a decode device that outputs an Annex-B byte stream,
// that can be played or decoded by external tools.
package annexb

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/dronecam/videorecv/pkg/device"
)

const (
	// DefaultMaxPending is the default number of outputs that can wait to be polled.
	DefaultMaxPending = 16
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Device is a decode device that passes NALUs through, prefixing the first output
// after configuration with SPS and PPS.
type Device struct {
	// maximum number of outputs that can wait to be polled.
	// When reached, Submit returns device.ErrNotReady.
	// It defaults to DefaultMaxPending.
	MaxPending int

	// configuration.
	Config device.Config

	mutex         sync.Mutex
	pending       []*device.FrameReady
	headerWritten bool
	released      bool
}

// Initialize initializes the device.
func (d *Device) Initialize() error {
	if d.MaxPending == 0 {
		d.MaxPending = DefaultMaxPending
	}

	if len(d.Config.SPS) == 0 || len(d.Config.PPS) == 0 {
		return fmt.Errorf("SPS or PPS not provided")
	}

	if d.Config.Width <= 0 || d.Config.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", d.Config.Width, d.Config.Height)
	}

	return nil
}

// New is a device.Factory that creates a Device.
func New(conf device.Config) (device.Device, error) {
	d := &Device{
		Config: conf,
	}
	err := d.Initialize()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func withStartCode(nalu []byte) []byte {
	if bytes.HasPrefix(nalu, startCode) {
		return nalu
	}
	return append(append([]byte(nil), startCode...), nalu...)
}

// Submit implements device.Device.
func (d *Device) Submit(nalu []byte, pts time.Duration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.released {
		return device.ErrReleased
	}

	if len(d.pending) >= d.MaxPending {
		return device.ErrNotReady
	}

	nalu = withStartCode(nalu)
	if len(nalu) <= len(startCode) {
		return fmt.Errorf("empty NALU")
	}

	typ := h264.NALUType(nalu[len(startCode)] & 0x1F)

	var data []byte

	if !d.headerWritten {
		d.headerWritten = true
		data = make([]byte, 0, 2*len(startCode)+len(d.Config.SPS)+len(d.Config.PPS)+len(nalu))
		data = append(data, withStartCode(d.Config.SPS)...)
		data = append(data, withStartCode(d.Config.PPS)...)
		data = append(data, nalu...)
	} else {
		data = make([]byte, len(nalu))
		copy(data, nalu)
	}

	d.pending = append(d.pending, &device.FrameReady{
		Data:     data,
		PTS:      pts,
		Keyframe: typ == h264.NALUTypeIDR,
	})

	return nil
}

// PollOutput implements device.Device.
func (d *Device) PollOutput() (*device.FrameReady, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.released || len(d.pending) == 0 {
		return nil, false
	}

	f := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]

	return f, true
}

// Release implements device.Device.
func (d *Device) Release() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.released = true
	d.pending = nil
}
