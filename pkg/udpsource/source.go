// Package udpsource contains a datagram source that reads RTP packets from a UDP socket.
package udpsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/dronecam/videorecv/pkg/bytecounter"
	"github.com/dronecam/videorecv/pkg/liberrors"
	"github.com/dronecam/videorecv/pkg/multicast"
	"github.com/dronecam/videorecv/pkg/readbuffer"
)

const (
	defaultAddress        = ":5000"
	defaultReadTimeout    = 100 * time.Millisecond
	defaultMaxPayloadSize = 2048
	maxConsecutiveErrors  = 10
)

// HandlerFunc is called for each received datagram.
// The buffer is reused after the function returns.
type HandlerFunc func(buf []byte, from *net.UDPAddr)

// Source is a datagram source.
type Source struct {
	// address to listen on.
	// It defaults to ":5000".
	// Multicast group addresses are joined.
	Address string

	// name of the interface used to join multicast groups (optional).
	// It defaults to all multicast-capable interfaces.
	MulticastInterface string

	// size of the socket read buffer (optional).
	// It defaults to the operating system default.
	ReadBufferSize int

	// read timeout, after which the stop signal is checked again.
	// It defaults to 100ms.
	ReadTimeout time.Duration

	// maximum size of a datagram.
	// Bigger datagrams are discarded.
	// It defaults to 2048.
	MaxPayloadSize int

	// if set, datagrams from other hosts are discarded.
	SourceIP net.IP

	// function used to open the socket (optional).
	// It defaults to net.ListenPacket.
	ListenPacket func(network, address string) (net.PacketConn, error)

	// counter of received bytes (optional).
	BytesReceived *uint64

	// counter of sent bytes (optional).
	BytesSent *uint64

	bc        *bytecounter.ByteCounter
	discarded *uint64
}

// Initialize opens the socket.
func (s *Source) Initialize() error {
	if s.Address == "" {
		s.Address = defaultAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = defaultReadTimeout
	}
	if s.MaxPayloadSize == 0 {
		s.MaxPayloadSize = defaultMaxPayloadSize
	}
	if s.ListenPacket == nil {
		s.ListenPacket = net.ListenPacket
	}

	pc, err := s.listen()
	if err != nil {
		return err
	}

	if s.ReadBufferSize != 0 {
		err = readbuffer.SetReadBuffer(pc, s.ReadBufferSize)
		if err != nil {
			pc.Close() //nolint:errcheck
			return err
		}
	}

	s.bc = bytecounter.New(pc, s.BytesReceived, s.BytesSent, nil, nil)
	s.discarded = new(uint64)

	return nil
}

func (s *Source) listen() (readbuffer.PacketConn, error) {
	if multicast.IsMulticast(s.Address) {
		mc, err := multicast.Listen(s.Address, s.MulticastInterface, s.ListenPacket)
		if err != nil {
			return nil, err
		}
		return mc, nil
	}

	tmp, err := s.ListenPacket("udp", s.Address)
	if err != nil {
		return nil, err
	}

	pc, ok := tmp.(readbuffer.PacketConn)
	if !ok {
		tmp.Close() //nolint:errcheck
		return nil, fmt.Errorf("unsupported connection type %T", tmp)
	}

	return pc, nil
}

// Close closes the socket.
func (s *Source) Close() error {
	return s.bc.Close()
}

// LocalAddr returns the address the socket is bound to.
func (s *Source) LocalAddr() *net.UDPAddr {
	return s.bc.LocalAddr().(*net.UDPAddr)
}

// Discarded returns the number of datagrams discarded because of their size or their origin.
func (s *Source) Discarded() uint64 {
	return atomic.LoadUint64(s.discarded)
}

// Run reads datagrams until the context is canceled, the socket is closed
// or the socket fails repeatedly.
// It returns nil when the context is canceled or the socket is closed.
func (s *Source) Run(ctx context.Context, onDatagram HandlerFunc) error {
	// one more byte to detect oversized datagrams
	buf := make([]byte, s.MaxPayloadSize+1)

	var consecutiveErrors int

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := s.bc.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		if err != nil {
			return err
		}

		n, addr, err := s.bc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			consecutiveErrors++
			if consecutiveErrors > maxConsecutiveErrors {
				return liberrors.ErrSourceRead{Count: consecutiveErrors, Err: err}
			}
			continue
		}

		consecutiveErrors = 0

		uaddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		if n > s.MaxPayloadSize || (s.SourceIP != nil && !s.SourceIP.Equal(uaddr.IP)) {
			atomic.AddUint64(s.discarded, 1)
			continue
		}

		onDatagram(buf[:n], uaddr)
	}
}

// WriteTo writes a datagram.
func (s *Source) WriteTo(buf []byte, addr *net.UDPAddr) error {
	_, err := s.bc.WriteTo(buf, addr)
	return err
}
