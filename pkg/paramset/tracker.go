// Package paramset contains a tracker of H264 parameter sets.
package paramset

import (
	"bytes"
	"errors"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrInvalidSPS is returned when a SPS can't be parsed.
var ErrInvalidSPS = errors.New("invalid SPS")

// ErrEmptyPPS is returned when a PPS has no payload.
var ErrEmptyPPS = errors.New("empty PPS")

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Snapshot is an immutable copy of the current parameter sets.
type Snapshot struct {
	SPS    []byte
	PPS    []byte
	Width  int
	Height int
}

// Tracker caches the most recent SPS and PPS and detects their changes.
// It is safe for concurrent use.
type Tracker struct {
	// called when the SPS or the PPS changes (optional).
	OnChange func(typ h264.NALUType)

	mutex         sync.Mutex
	sps           []byte
	pps           []byte
	width         int
	height        int
	sessionActive bool
	reconfigure   bool
	ready         chan struct{}
	readyClosed   bool
}

// Initialize initializes the tracker.
func (t *Tracker) Initialize() {
	if t.OnChange == nil {
		t.OnChange = func(h264.NALUType) {}
	}

	t.ready = make(chan struct{})
}

// Process processes a NALU, with or without start code.
// It returns true when the NALU is a parameter set, that must not be forwarded.
func (t *Tracker) Process(nalu []byte) (bool, error) {
	nalu = bytes.TrimPrefix(nalu, startCode)
	if len(nalu) == 0 {
		return false, nil
	}

	typ := h264.NALUType(nalu[0] & 0x1F)

	switch typ {
	case h264.NALUTypeSPS:
		return true, t.updateSPS(nalu)

	case h264.NALUTypePPS:
		return true, t.updatePPS(nalu)
	}

	return false, nil
}

// Seed fills the cache with out-of-band parameter sets, without raising events.
func (t *Tracker) Seed(sps []byte, pps []byte) error {
	sps = bytes.TrimPrefix(sps, startCode)
	pps = bytes.TrimPrefix(pps, startCode)

	width, height, err := parseSPS(sps)
	if err != nil {
		return err
	}
	if len(pps) < 2 {
		return ErrEmptyPPS
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.sps = bytes.Clone(sps)
	t.pps = bytes.Clone(pps)
	t.width = width
	t.height = height
	t.checkReady()

	return nil
}

func parseSPS(sps []byte) (int, int, error) {
	var s h264.SPS
	err := s.Unmarshal(sps)
	if err != nil {
		return 0, 0, ErrInvalidSPS
	}

	return s.Width(), s.Height(), nil
}

func (t *Tracker) updateSPS(sps []byte) error {
	t.mutex.Lock()
	unchanged := bytes.Equal(sps, t.sps)
	t.mutex.Unlock()

	if unchanged {
		return nil
	}

	width, height, err := parseSPS(sps)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	t.sps = bytes.Clone(sps)
	t.width = width
	t.height = height
	t.changed()
	t.mutex.Unlock()

	t.OnChange(h264.NALUTypeSPS)

	return nil
}

func (t *Tracker) updatePPS(pps []byte) error {
	if len(pps) < 2 {
		return ErrEmptyPPS
	}

	t.mutex.Lock()

	if bytes.Equal(pps, t.pps) {
		t.mutex.Unlock()
		return nil
	}

	t.pps = bytes.Clone(pps)
	t.changed()
	t.mutex.Unlock()

	t.OnChange(h264.NALUTypePPS)

	return nil
}

func (t *Tracker) changed() {
	if t.sessionActive {
		t.reconfigure = true
	}
	t.checkReady()
}

func (t *Tracker) checkReady() {
	if !t.readyClosed && t.sps != nil && t.pps != nil {
		t.readyClosed = true
		close(t.ready)
	}
}

// Ready returns a channel that is closed once both SPS and PPS are available.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Snapshot returns the current parameter sets.
// It returns false if the SPS or the PPS is missing.
func (t *Tracker) Snapshot() (*Snapshot, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.sps == nil || t.pps == nil {
		return nil, false
	}

	return &Snapshot{
		SPS:    t.sps,
		PPS:    t.pps,
		Width:  t.width,
		Height: t.height,
	}, true
}

// SetSessionActive sets whether a decode session is configured.
// Changes are turned into reconfiguration requests only while a session is active.
// Any pending request is discarded: the caller must activate the session
// before taking the snapshot used to configure it.
func (t *Tracker) SetSessionActive(v bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.sessionActive = v
	t.reconfigure = false
}

// ReconfigurePending returns whether a reconfiguration has been requested.
func (t *Tracker) ReconfigurePending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.reconfigure
}

// TakeReconfigure returns and clears the reconfiguration request.
func (t *Tracker) TakeReconfigure() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	v := t.reconfigure
	t.reconfigure = false
	return v
}
