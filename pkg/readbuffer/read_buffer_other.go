//go:build !linux && !windows

package readbuffer

// ReadBuffer returns the receive buffer size.
func ReadBuffer(PacketConn) (int, error) {
	return 0, ErrUnsupported
}
