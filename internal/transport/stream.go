package transport

import (
	"io"
	"sync"
)

// streamTransport adapts any io.ReadWriteCloser (a net.Conn, a
// libp2p network.Stream, or a websocket message bridge) into a
// Transport, handling the OnDisconnect/OnError/Dispose bookkeeping
// once so each concrete adapter only has to supply the underlying
// stream. Grounded on the close-once, fire-all-waiters shape of the
// teacher's peerSession.failAll in peer.go.
type streamTransport struct {
	rwc io.ReadWriteCloser

	mu           sync.Mutex
	disposed     bool
	disconnected bool
	onDisconnect []func()
	onError      []func(error)
}

func newStreamTransport(rwc io.ReadWriteCloser) *streamTransport {
	return &streamTransport{rwc: rwc}
}

func (t *streamTransport) Read(p []byte) (int, error) {
	n, err := t.rwc.Read(p)
	if err != nil {
		t.fireDisconnect()
	}
	return n, err
}

func (t *streamTransport) Write(p []byte) (int, error) {
	n, err := t.rwc.Write(p)
	if err != nil {
		t.fireError(err)
	}
	return n, err
}

func (t *streamTransport) OnDisconnect(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, f)
}

func (t *streamTransport) OnError(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, f)
}

func (t *streamTransport) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	t.mu.Unlock()

	err := t.rwc.Close()
	t.fireDisconnect()
	return err
}

func (t *streamTransport) fireDisconnect() {
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	callbacks := t.onDisconnect
	t.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

func (t *streamTransport) fireError(err error) {
	t.mu.Lock()
	callbacks := t.onError
	t.mu.Unlock()

	for _, f := range callbacks {
		f(err)
	}
}

var _ Transport = (*streamTransport)(nil)
