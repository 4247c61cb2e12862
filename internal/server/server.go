// Package server implements the collaboration server from spec
// section 4.8: the top-level orchestrator binding the HTTP/WS surface
// to the room manager, credentials manager, and user manager. It owns
// the server's own identity and issues one room.Peer (and one
// connection.Connection) per accepted duplex transport.
//
// There is no single teacher file this is grounded on; it is the
// explicit constructor-wiring "ServerContext" design notes section 9
// asks for in place of the source's DI container, assembled from the
// pieces the teacher and the rest of the pack already demonstrate:
// accept-loop-per-connection (server.go), libp2p host/stream dialing
// (internal/p2p, pool.go), and gorilla/websocket as the HTTP-facing
// Transport (see internal/transport).
package server

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/credentials"
	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/metrics"
	"github.com/sealedroom/server/internal/relay"
	"github.com/sealedroom/server/internal/room"
	"github.com/sealedroom/server/internal/users"
)

// ServerID is the collaboration server's own peer identity, the
// Target every client-originated control request (peer.init,
// peer.onJoinRequest's reply) addresses. It is not a secret — the
// server's durable public key, which clients seal control requests
// against, is published alongside it (see Server.PublicKey).
const ServerID = "server"

// Server is the collaboration server (spec section 4.8): the
// top-level ServerContext singleton binding the HTTP surface to the
// room/credentials/user managers.
type Server struct {
	identity crypto.PrivateKey

	Rooms       *room.Manager
	Credentials *credentials.Manager
	Users       *users.Manager
	Relay       *relay.Relay
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	Clock       clock.Clock

	requestTimeout time.Duration
}

// Options configures a new Server.
type Options struct {
	Identity       crypto.PrivateKey
	Logger         *zap.Logger
	Clock          clock.Clock
	Metrics        *metrics.Registry
	JoinApproval   time.Duration
	RequestTimeout time.Duration
}

// New wires a Server's singletons: one room.Manager, one
// credentials.Manager, one users.Manager, one relay.Relay, all
// sharing the same clock/logger/metrics, exactly the "root
// ServerContext struct owns the singletons" shape design notes
// section 9 calls for.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	rooms := room.NewManager(room.Options{
		Clock:               opts.Clock,
		Logger:              opts.Logger,
		Metrics:             opts.Metrics,
		JoinApprovalTimeout: opts.JoinApproval,
	})

	return &Server{
		identity:       opts.Identity,
		Rooms:          rooms,
		Credentials:    credentials.NewManager(opts.Clock),
		Users:          users.NewManager(nil),
		Relay:          relay.New(rooms, ServerID, opts.Logger, opts.Metrics),
		Metrics:        opts.Metrics,
		Logger:         opts.Logger,
		Clock:          opts.Clock,
		requestTimeout: opts.RequestTimeout,
	}
}

// PublicKey is the server's durable public key, published out of band
// so clients can seal peer.init and other server-addressed control
// traffic before the duplex transport even opens.
func (s *Server) PublicKey() crypto.PublicKey { return s.identity.Public }
