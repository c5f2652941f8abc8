// Package bytecounter contains a net.PacketConn wrapper that allows to count
// received and sent bytes, datagrams and errors.
package bytecounter

import (
	"net"
	"sync/atomic"
)

// PacketConn is the connection wrapped by ByteCounter.
type PacketConn interface {
	net.PacketConn
}

// ByteCounter is a net.PacketConn wrapper that allows to count received and sent bytes and errors.
type ByteCounter struct {
	PacketConn

	received  *uint64
	sent      *uint64
	datagrams *uint64

	readErrors  *uint64
	writeErrors *uint64
}

// New allocates a ByteCounter.
// Counters are optional and are allocated when nil.
func New(pc PacketConn, received *uint64, sent *uint64, readErrors *uint64, writeErrors *uint64) *ByteCounter {
	if received == nil {
		received = new(uint64)
	}
	if sent == nil {
		sent = new(uint64)
	}
	if readErrors == nil {
		readErrors = new(uint64)
	}
	if writeErrors == nil {
		writeErrors = new(uint64)
	}

	return &ByteCounter{
		PacketConn:  pc,
		received:    received,
		sent:        sent,
		datagrams:   new(uint64),
		readErrors:  readErrors,
		writeErrors: writeErrors,
	}
}

// ReadFrom implements net.PacketConn.
// Timeouts are not counted as errors.
func (bc *ByteCounter) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := bc.PacketConn.ReadFrom(p)
	if err == nil {
		atomic.AddUint64(bc.received, uint64(n))
		atomic.AddUint64(bc.datagrams, 1)
	} else if !isTimeout(err) {
		atomic.AddUint64(bc.readErrors, 1)
	}

	return n, addr, err
}

// WriteTo implements net.PacketConn.
func (bc *ByteCounter) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := bc.PacketConn.WriteTo(p, addr)
	if err == nil {
		atomic.AddUint64(bc.sent, uint64(n))
	} else {
		atomic.AddUint64(bc.writeErrors, 1)
	}
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// BytesReceived returns the number of bytes received.
func (bc *ByteCounter) BytesReceived() uint64 {
	return atomic.LoadUint64(bc.received)
}

// BytesSent returns the number of bytes sent.
func (bc *ByteCounter) BytesSent() uint64 {
	return atomic.LoadUint64(bc.sent)
}

// DatagramsReceived returns the number of datagrams received.
func (bc *ByteCounter) DatagramsReceived() uint64 {
	return atomic.LoadUint64(bc.datagrams)
}

// ReadErrors returns the number of read errors.
func (bc *ByteCounter) ReadErrors() uint64 {
	return atomic.LoadUint64(bc.readErrors)
}

// WriteErrors returns the number of write errors.
func (bc *ByteCounter) WriteErrors() uint64 {
	return atomic.LoadUint64(bc.writeErrors)
}
