// Package liberrors contains errors returned by the library.
package liberrors

import (
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrReceiverTerminated is returned in case of a terminated receiver.
type ErrReceiverTerminated struct{}

// Error implements the error interface.
func (e ErrReceiverTerminated) Error() string {
	return "terminated"
}

// ErrReceiverInvalidSource is returned in case of an invalid source address.
type ErrReceiverInvalidSource struct {
	Address string
	Err     error
}

// Error implements the error interface.
func (e ErrReceiverInvalidSource) Error() string {
	return fmt.Sprintf("invalid source address '%s': %v", e.Address, e.Err)
}

// Unwrap returns the underlying error.
func (e ErrReceiverInvalidSource) Unwrap() error {
	return e.Err
}

// ErrReceiverMissingDeviceFactory is returned when no decode device factory is set.
type ErrReceiverMissingDeviceFactory struct{}

// Error implements the error interface.
func (e ErrReceiverMissingDeviceFactory) Error() string {
	return "DeviceFactory is not set"
}

// ErrReceiverInvalidQueueCapacity is returned in case of an invalid frame queue capacity.
type ErrReceiverInvalidQueueCapacity struct {
	Capacity int
}

// Error implements the error interface.
func (e ErrReceiverInvalidQueueCapacity) Error() string {
	return fmt.Sprintf("invalid queue capacity (%d), it must be at least 1", e.Capacity)
}

// ErrUnsupportedNALUType is returned when a RTP payload carries a NALU type
// that cannot be decoded.
type ErrUnsupportedNALUType struct {
	Type h264.NALUType
}

// Error implements the error interface.
func (e ErrUnsupportedNALUType) Error() string {
	return fmt.Sprintf("unsupported NALU type (%v)", e.Type)
}

// ErrDeviceConfigure is returned when the decode device cannot be configured.
// It terminates the current session.
type ErrDeviceConfigure struct {
	Err error
}

// Error implements the error interface.
func (e ErrDeviceConfigure) Error() string {
	return fmt.Sprintf("unable to configure decode device: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e ErrDeviceConfigure) Unwrap() error {
	return e.Err
}

// ErrSubmit is returned when an access unit cannot be submitted to the decode device.
type ErrSubmit struct {
	Type h264.NALUType
	Err  error
}

// Error implements the error interface.
func (e ErrSubmit) Error() string {
	return fmt.Sprintf("unable to submit %v unit: %v", e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e ErrSubmit) Unwrap() error {
	return e.Err
}

// ErrSourceRead is returned when the datagram source fails repeatedly.
type ErrSourceRead struct {
	Count int
	Err   error
}

// Error implements the error interface.
func (e ErrSourceRead) Error() string {
	return fmt.Sprintf("%d consecutive read errors, last one: %v", e.Count, e.Err)
}

// Unwrap returns the underlying error.
func (e ErrSourceRead) Unwrap() error {
	return e.Err
}

// ErrKeyframeTimeout is reported when no IDR has been received for some time.
type ErrKeyframeTimeout struct {
	Elapsed time.Duration
	Flushed int
}

// Error implements the error interface.
func (e ErrKeyframeTimeout) Error() string {
	return fmt.Sprintf("no IDR received in %v, flushed %d queued units", e.Elapsed.Truncate(time.Second), e.Flushed)
}

// ErrParameterSetsTimeout is reported when SPS and PPS are still missing after some time.
type ErrParameterSetsTimeout struct {
	Elapsed time.Duration
}

// Error implements the error interface.
func (e ErrParameterSetsTimeout) Error() string {
	return fmt.Sprintf("SPS and PPS not received after %v, check that the source is streaming", e.Elapsed)
}

// ErrRTCPWrite is reported when a receiver report cannot be sent.
type ErrRTCPWrite struct {
	Err error
}

// Error implements the error interface.
func (e ErrRTCPWrite) Error() string {
	return fmt.Sprintf("unable to write RTCP packet: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e ErrRTCPWrite) Unwrap() error {
	return e.Err
}
