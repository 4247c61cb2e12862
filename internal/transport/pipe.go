package transport

import "net"

// NewPipe returns a connected pair of in-process Transports, backed by
// net.Pipe. Used by the connection, relay, room and transport tests,
// where no real network hop is needed.
func NewPipe() (Transport, Transport) {
	a, b := net.Pipe()
	return newStreamTransport(a), newStreamTransport(b)
}
