// Package connection implements the shared RPC engine used by both
// the collaboration server and peer clients: handler registry,
// outbound request map with timeouts, encrypted dispatch, and
// Constructing/Ready/Disposing/Disposed lifecycle (spec section 4.4).
//
// Grounded on the teacher's peerSession in peer.go (mutex-guarded
// pending map, atomic dead flag, one reader goroutine per connection)
// generalized from a single fixed outbound session into a full duplex
// engine that also serves inbound requests, notifications and
// broadcasts.
package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/keycache"
	"github.com/sealedroom/server/internal/transport"
	"github.com/sealedroom/server/internal/wire"
)

// DefaultRequestTimeout is the 60-second bound spec section 4.4 and
// 5 put on sendRequest.
const DefaultRequestTimeout = 60 * time.Second

// contentKeyReuseCount bounds how many consecutive outbound sends may
// share one content key before Connection rotates to a fresh one.
// Spec section 4.2 leaves the rotation cadence to the sender; this
// repo's choice (recorded as an Open Question resolution in
// DESIGN.md) trades a little forward secrecy for letting the
// encryption cache actually skip repeated asymmetric seals.
const contentKeyReuseCount = 20

// State is one of the four lifecycle states from spec section 4.4.
type State int32

const (
	StateConstructing State = iota
	StateReady
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "Constructing"
	case StateReady:
		return "Ready"
	case StateDisposing:
		return "Disposing"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

var (
	ErrTimeout     = errors.New("connection: request timed out")
	ErrDisconnected = errors.New("connection: disconnected")
	ErrDisposed    = errors.New("connection: disposed")
)

// RemoteError wraps the stringified error a remote handler returned,
// carried back as a ResponseError envelope.
type RemoteError struct{ Message string }

func (e *RemoteError) Error() string { return "connection: remote error: " + e.Message }

// PeerRef is one entry in a PeerDirectory: a peer id paired with its
// durable public key.
type PeerRef struct {
	ID     string
	Public crypto.PublicKey
}

// PeerDirectory resolves peer ids to public keys and enumerates the
// known peer set for broadcast sealing. The room package supplies the
// server-side implementation (a single-entry directory holding the one
// peer at the far end of the connection) and pkg/peerclient a
// full-room roster for the peer side; tests can use a plain map.
type PeerDirectory interface {
	Lookup(peerID string) (crypto.PublicKey, bool)
	Peers() []PeerRef
}

// RequestHandler answers a Request envelope. Returning an error sends
// ResponseError{stringify(err)} to the origin.
type RequestHandler func(ctx context.Context, origin string, params []byte) ([]byte, error)

// NotificationHandler and BroadcastHandler consume fire-and-forget
// envelopes; their return value, if any, is ignored (spec 4.4).
type NotificationHandler func(origin string, params []byte)
type BroadcastHandler func(origin string, params []byte)

type pendingRequest struct {
	resultCh chan pendingResult
	timer    *clock.Timer
}

type pendingResult struct {
	payload []byte
	err     error
}

// Connection is one end of an encrypted duplex RPC channel: either a
// peer's connection to the server, or the server's connection to a
// peer, depending on which side constructed it. Safe for concurrent
// use.
type Connection struct {
	selfID    string
	remoteID  string
	self      crypto.PrivateKey
	directory PeerDirectory
	t         transport.Transport
	clock     clock.Clock
	timeout   time.Duration
	logger    *zap.Logger

	state    atomic.Int32
	readyCh  chan struct{}
	readyErr error

	disposeOnce sync.Once
	disposed    chan struct{}

	handlersMu    sync.RWMutex
	requestH      map[string]RequestHandler
	notificationH map[string]NotificationHandler
	broadcastH    map[string]BroadcastHandler

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest

	outboundMu    sync.Mutex
	outboundKey   crypto.ContentKey
	outboundGen   uint64
	outboundUses  int
	haveOutbound  bool

	encryptionCache *keycache.Cache[[]byte]
	decryptionCache *keycache.Cache[crypto.ContentKey]

	onErrorFns      []func(error)
	onDisconnectFns []func()
	onConnErrorFns  []func(error)
	eventsMu        sync.Mutex

	relayHook RelayHook

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// RelayHook lets the owner of a server-held Connection intercept an
// inbound envelope before decryption, for forwarding to some other
// peer's connection instead of dispatching locally (spec section
// 4.7: the relay never holds recipients' private keys and must not
// attempt to decrypt traffic that isn't addressed to this side).
// Returning true means the hook consumed the envelope; dispatch does
// nothing further with it. Returning false means "this is addressed
// to me", and ordinary decrypt-and-dispatch proceeds.
type RelayHook func(e wire.Envelope) (handled bool)

// SetRelayHook installs fn as this connection's relay hook. Only the
// collaboration server's message relay calls this; a peer-side
// Connection has no hook and dispatches every inbound envelope
// locally.
func (c *Connection) SetRelayHook(fn RelayHook) {
	c.relayHook = fn
}

// ForwardRaw writes an already-encrypted envelope verbatim to this
// connection's transport, bypassing the normal Send* encryption
// pipeline. The relay uses this to deliver an envelope it intercepted
// on one peer's connection onto the recipient peer's connection
// without ever touching the ciphertext (spec section 4.7).
func (c *Connection) ForwardRaw(e wire.Envelope) error {
	return c.writeEnvelope(e)
}

// Options configures a new Connection. Clock and Logger default to
// the real clock and a no-op logger when nil; Timeout defaults to
// DefaultRequestTimeout when zero.
type Options struct {
	SelfID         string
	Self           crypto.PrivateKey
	Directory      PeerDirectory
	Transport      transport.Transport
	Clock          clock.Clock
	Timeout        time.Duration
	Logger         *zap.Logger
	KnownPeerCount int

	// RemoteID is the authenticated identity of the peer at the other
	// end of this connection, established out of band (the join token
	// redemption, for a server-held connection) rather than taken from
	// the wire. When set, dispatch overwrites every inbound envelope's
	// Origin with it before the envelope reaches a relay hook or any
	// local handler (spec section 4.7: "origin on inbound messages at
	// the server is authoritative"). Left empty on a peer client's own
	// Connection, which has no independent way to authenticate the
	// server and simply trusts what it already decrypted.
	RemoteID string
}

// New constructs a Connection in the Constructing state. Call Start
// to begin draining the transport, then Ready once handshake
// completes.
func New(opts Options) *Connection {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Connection{
		selfID:          opts.SelfID,
		remoteID:        opts.RemoteID,
		self:            opts.Self,
		directory:       opts.Directory,
		t:               opts.Transport,
		clock:           opts.Clock,
		timeout:         opts.Timeout,
		logger:          opts.Logger,
		readyCh:         make(chan struct{}),
		disposed:        make(chan struct{}),
		requestH:        make(map[string]RequestHandler),
		notificationH:   make(map[string]NotificationHandler),
		broadcastH:      make(map[string]BroadcastHandler),
		pending:         make(map[uint64]*pendingRequest),
		encryptionCache: keycache.New[[]byte](opts.KnownPeerCount),
		decryptionCache: keycache.New[crypto.ContentKey](opts.KnownPeerCount),
	}
	c.baseCtx, c.cancelBase = context.WithCancel(context.Background())
	c.state.Store(int32(StateConstructing))
	return c
}

// State reports the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// SelfID reports the identity this connection's local side presents
// as (the server's own id for a server-held connection to a peer, or
// the peer's own id for a peer-side connection to the server).
func (c *Connection) SelfID() string { return c.selfID }

// InvalidatePeerSet drops both key caches and resizes them to
// knownPeerCount+50, to be called by the owning Peer/Room whenever
// room membership changes (spec section 4.3: "drop also whenever the
// peer set changes, to avoid stale entries for rekeyed peers").
func (c *Connection) InvalidatePeerSet(knownPeerCount int) {
	c.encryptionCache.Reset()
	c.decryptionCache.Reset()
	c.encryptionCache.Resize(knownPeerCount)
	c.decryptionCache.Resize(knownPeerCount)
}

// Start launches the single reader goroutine that drains the
// transport and dispatches inbound envelopes, matching the "one
// reader task per connection" scheduling model of spec section 5.
func (c *Connection) Start() {
	go c.readLoop()
}

// Ready transitions Constructing -> Ready, releasing any outbound
// sends and inbound responses that were queued awaiting the barrier
// (spec section 4.4). Calling Ready on an already-ready or disposed
// connection is a no-op.
func (c *Connection) Ready() {
	if c.state.CompareAndSwap(int32(StateConstructing), int32(StateReady)) {
		close(c.readyCh)
	}
}

// OnRequest, OnNotification and OnBroadcast register a single handler
// per method; registering the same method twice replaces the prior
// handler (spec section 4.4).
func (c *Connection) OnRequest(method string, h RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.requestH[method] = h
}

func (c *Connection) OnNotification(method string, h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notificationH[method] = h
}

func (c *Connection) OnBroadcast(method string, h BroadcastHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.broadcastH[method] = h
}

// OnError, OnDisconnect and OnConnectionError register observers for
// the connection's event streams (spec section 4.4). Callbacks may be
// added at any time, including after disposal (in which case
// OnDisconnect fires immediately).
func (c *Connection) OnError(f func(error)) {
	c.eventsMu.Lock()
	c.onErrorFns = append(c.onErrorFns, f)
	c.eventsMu.Unlock()
}

func (c *Connection) OnDisconnect(f func()) {
	c.eventsMu.Lock()
	if c.State() == StateDisposed {
		c.eventsMu.Unlock()
		f()
		return
	}
	c.onDisconnectFns = append(c.onDisconnectFns, f)
	c.eventsMu.Unlock()
}

func (c *Connection) OnConnectionError(f func(error)) {
	c.eventsMu.Lock()
	c.onConnErrorFns = append(c.onConnErrorFns, f)
	c.eventsMu.Unlock()
}

func (c *Connection) emitError(err error) {
	c.eventsMu.Lock()
	fns := append([]func(error){}, c.onErrorFns...)
	c.eventsMu.Unlock()
	for _, f := range fns {
		f(err)
	}
}

func (c *Connection) emitConnectionError(err error) {
	c.eventsMu.Lock()
	fns := append([]func(error){}, c.onConnErrorFns...)
	c.eventsMu.Unlock()
	for _, f := range fns {
		f(err)
	}
}

// waitReady blocks until Ready() has been called or the connection is
// disposed, whichever comes first.
func (c *Connection) waitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.disposed:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fingerprintHex(pub crypto.PublicKey) string {
	return hex.EncodeToString(crypto.Fingerprint(pub))
}

// Dispose fires onDisconnect, clears handlers, disposes the
// transport, and fails every pending request with ErrDisconnected.
// Idempotent (spec section 4.4, 4.7).
func (c *Connection) Dispose() error {
	var disposeErr error
	c.disposeOnce.Do(func() {
		c.state.Store(int32(StateDisposing))
		close(c.disposed)
		c.cancelBase()

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[uint64]*pendingRequest)
		c.pendingMu.Unlock()
		for id, p := range pending {
			p.timer.Stop()
			p.resultCh <- pendingResult{err: ErrDisconnected}
			close(p.resultCh)
			delete(pending, id)
		}

		c.handlersMu.Lock()
		c.requestH = map[string]RequestHandler{}
		c.notificationH = map[string]NotificationHandler{}
		c.broadcastH = map[string]BroadcastHandler{}
		c.handlersMu.Unlock()

		disposeErr = c.t.Dispose()
		c.state.Store(int32(StateDisposed))

		c.eventsMu.Lock()
		fns := append([]func(){}, c.onDisconnectFns...)
		c.eventsMu.Unlock()
		for _, f := range fns {
			f()
		}
	})
	return disposeErr
}
