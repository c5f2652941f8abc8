// Package device contains the contract of decode devices.
package device

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrNotReady is returned by Submit when the device has no input buffer available.
var ErrNotReady = errors.New("decode device is not ready")

// ErrReleased is returned when a released device is used.
var ErrReleased = errors.New("decode device has been released")

// FrameReady is an output of a decode device.
type FrameReady struct {
	Data     []byte
	PTS      time.Duration
	Keyframe bool
}

// Sink receives the outputs of a decode device.
type Sink interface {
	WriteFrame(*FrameReady) error
}

// Config is the configuration of a decode device.
type Config struct {
	Width  int
	Height int
	SPS    []byte
	PPS    []byte
	Sink   Sink
}

// Device is a decode device.
// Submit must not block.
type Device interface {
	Submit(nalu []byte, pts time.Duration) error
	PollOutput() (*FrameReady, bool)
	Release()
}

// Factory creates and starts a decode device.
type Factory func(Config) (Device, error)

// WriterSink is a Sink that writes frame data into a io.Writer.
type WriterSink struct {
	W io.Writer

	mutex sync.Mutex
}

// WriteFrame implements Sink.
func (s *WriterSink) WriteFrame(f *FrameReady) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.W.Write(f.Data)
	return err
}

// DiscardSink is a Sink that discards frames.
type DiscardSink struct{}

// WriteFrame implements Sink.
func (DiscardSink) WriteFrame(*FrameReady) error {
	return nil
}
