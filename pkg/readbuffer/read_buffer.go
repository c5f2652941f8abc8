// Package readbuffer sets and verifies the receive buffer of the datagram socket.
package readbuffer

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrUnsupported is returned by ReadBuffer on operating systems where
// the receive buffer size cannot be read back.
var ErrUnsupported = errors.New("reading the receive buffer size is not supported on this operating system")

// ErrNotApplied is returned when the operating system capped the receive buffer.
type ErrNotApplied struct {
	Requested int
	Actual    int
}

// Error implements the error interface.
func (e ErrNotApplied) Error() string {
	return fmt.Sprintf("receive buffer size is %d instead of %d, "+
		"increase net.core.rmem_max or use a smaller size", e.Actual, e.Requested)
}

// PacketConn is a datagram socket whose receive buffer can be configured.
type PacketConn interface {
	net.PacketConn
	SyscallConn() (syscall.RawConn, error)
	SetReadBuffer(bytes int) error
}

// SetReadBuffer sets the receive buffer size and checks that the whole size was granted.
// On operating systems that don't allow reading the size back, the check is skipped.
func SetReadBuffer(pc PacketConn, size int) error {
	err := pc.SetReadBuffer(size)
	if err != nil {
		return err
	}

	v, err := ReadBuffer(pc)
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}

	if v < size {
		return ErrNotApplied{Requested: size, Actual: v}
	}

	return nil
}
