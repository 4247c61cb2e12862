package server

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/credentials"
	"github.com/sealedroom/server/internal/transport"
	"github.com/sealedroom/server/internal/wire"
)

// ServeLibp2p accepts duplex sessions over h, the second pluggable
// transport alongside the HTTP/websocket surface (spec section 5's
// transport-agnostic connection core): a thin client that already
// holds a libp2p host can join a room without an HTTP round trip.
//
// Grounded on the teacher's internal/p2p.NewHost + the stream-handler
// registration pattern used by its discovery node's server.go; unlike
// the HTTP path there is no URL to carry the join token, so the first
// frame on the stream (using wire's own length-prefix framing) is the
// join token, sent once, before the duplex RPC traffic begins.
func (s *Server) ServeLibp2p(ctx context.Context, h host.Host) {
	for t := range transport.ListenLibp2p(ctx, h) {
		go s.acceptLibp2p(t)
	}
}

func (s *Server) acceptLibp2p(t transport.Transport) {
	tokenFrame, err := wire.ReadFrame(t)
	if err != nil {
		s.Logger.Warn("libp2p: failed to read join token frame", zap.Error(err))
		_ = t.Dispose()
		return
	}

	claim, err := s.Credentials.RedeemJoin(credentials.JoinToken(tokenFrame))
	if err != nil {
		s.Logger.Info("libp2p: join token rejected", zap.Error(err))
		_ = t.Dispose()
		return
	}

	user, ok := s.Users.Resolve(claim.User.ID)
	if !ok {
		s.Logger.Warn("libp2p: unknown user for redeemed token", zap.String("user", claim.User.ID))
		_ = t.Dispose()
		return
	}

	s.completeUpgrade(t, user, claim)
}
