// Package rtptimedec contains a RTP timestamp decoder.
package rtptimedec

import (
	"time"
)

// Decoder converts RTP timestamps into durations relative to the first timestamp,
// handling wraparound of the 32-bit counter in both directions.
type Decoder struct {
	// clock rate of the stream.
	// It defaults to 90000.
	ClockRate int

	initialized bool
	overall     int64
	prev        uint32
}

// Initialize initializes the decoder.
func (d *Decoder) Initialize() {
	if d.ClockRate == 0 {
		d.ClockRate = 90000
	}
}

// Decode decodes a RTP timestamp.
func (d *Decoder) Decode(ts uint32) time.Duration {
	if !d.initialized {
		d.initialized = true
		d.prev = ts
		return 0
	}

	// the signed difference handles wraparound and slightly late timestamps.
	d.overall += int64(int32(ts - d.prev))
	d.prev = ts

	return multiplyAndDivide(time.Duration(d.overall), time.Second, time.Duration(d.ClockRate))
}

// Reset makes the next timestamp the new origin.
func (d *Decoder) Reset() {
	d.initialized = false
	d.overall = 0
}

// avoid an int64 overflow and preserve resolution by splitting division into two parts:
// first add the integer part, then the decimal part.
func multiplyAndDivide(v, m, d time.Duration) time.Duration {
	secs := v / d
	dec := v % d
	return (secs*m + dec*m/d)
}
