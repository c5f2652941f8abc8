package videorecv

import (
	"fmt"
)

// Status is the status of a Receiver, as shown to users.
type Status int

const (
	// StatusDisconnected means that no source is set.
	StatusDisconnected Status = iota

	// StatusAwaitingConfiguration means that a source is set
	// and SPS and PPS have not been received yet.
	StatusAwaitingConfiguration

	// StatusDecoding means that the decode device is configured and fed.
	StatusDecoding

	// StatusError means that the session halted because of a fatal error.
	// A new call to SetSource is needed.
	StatusError
)

var statusLabels = map[Status]string{
	StatusDisconnected:          "disconnected",
	StatusAwaitingConfiguration: "awaiting-configuration",
	StatusDecoding:              "decoding",
	StatusError:                 "error",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for k, l := range statusLabels {
		if l == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("invalid status '%s'", b)
}

// PipelineState is the state of the decode pipeline.
type PipelineState int

// pipeline states.
const (
	PipelineStateUninitialized PipelineState = iota
	PipelineStateAwaitingParameterSets
	PipelineStateConfiguring
	PipelineStateDecoding
	PipelineStateReconfiguring
	PipelineStateStopped
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateUninitialized:
		return "uninitialized"
	case PipelineStateAwaitingParameterSets:
		return "awaitingParameterSets"
	case PipelineStateConfiguring:
		return "configuring"
	case PipelineStateDecoding:
		return "decoding"
	case PipelineStateReconfiguring:
		return "reconfiguring"
	case PipelineStateStopped:
		return "stopped"
	}
	return "unknown"
}
