// Package transport defines the abstract duplex byte-stream the
// connection core runs over (spec section 4.3) and provides three
// concrete implementations: an in-process pipe (tests), a websocket
// adapter (the HTTP surface's join upgrade), and a libp2p stream
// adapter (adapted from the teacher's peer-to-peer transport).
package transport

import "io"

// Transport is a duplex byte stream plus lifecycle notifications.
// Read/Write behave like io.Reader/io.Writer: Read blocks until at
// least one byte is available or the transport is closed, at which
// point it returns a non-nil error (io.EOF from the pipe adapter once
// the remote end has closed).
type Transport interface {
	io.Reader
	io.Writer

	// OnDisconnect registers a callback fired exactly once when the
	// transport closes, whether initiated locally or remotely.
	OnDisconnect(func())

	// OnError registers a callback fired for transport-level errors
	// that do not themselves close the connection (best effort; many
	// implementations only ever report disconnects).
	OnError(func(error))

	// Dispose closes the transport. Idempotent.
	Dispose() error
}
