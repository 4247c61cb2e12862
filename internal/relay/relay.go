// Package relay implements the message relay from spec section 4.7:
// the routing layer above the room catalogue that forwards ciphertext
// between room members without ever decrypting it. It hooks into each
// peer's server-side connection.Connection via SetRelayHook, so an
// envelope not addressed to the server itself never reaches
// Connection's own decrypt-and-dispatch path.
//
// There is no teacher analog for ciphertext forwarding (the teacher's
// discovery node only ever relays its own control messages); the
// fan-out shape — iterate current members, skip the sender, forward,
// ignore per-recipient failures — is grounded on conn-pool.go's
// errgroup-based Broadcast.
package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/metrics"
	"github.com/sealedroom/server/internal/room"
	"github.com/sealedroom/server/internal/wire"
)

// Relay routes envelopes between the members of a room. By the time
// an envelope reaches a hook, connection.dispatch has already
// overwritten its Origin with the authenticated peer identity bound
// to the connection it arrived on (spec section 4.7: "never trust the
// wire") — the relay only needs the same identity, originID, to look
// up the sender's room membership.
type Relay struct {
	rooms    *room.Manager
	serverID string
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New constructs a Relay bound to rooms. serverID is the collaboration
// server's own peer id; envelopes addressed to it are left for the
// connection's own local handler registry instead of being relayed.
func New(rooms *room.Manager, serverID string, logger *zap.Logger, metrics *metrics.Registry) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{rooms: rooms, serverID: serverID, logger: logger, metrics: metrics}
}

// HookFor returns a connection.RelayHook bound to originID, the
// authenticated identity of the peer at the other end of the
// connection this hook is installed on.
func (rl *Relay) HookFor(originID string) func(e wire.Envelope) bool {
	return func(e wire.Envelope) bool {
		return rl.handle(originID, e)
	}
}

func (rl *Relay) handle(originID string, e wire.Envelope) bool {
	// Broadcasts never target the server; Request/Notification/
	// Response/ResponseError addressed to the server itself are left
	// for local dispatch.
	if e.Kind != wire.KindBroadcast && e.Target == rl.serverID {
		return false
	}

	r, ok := rl.rooms.RoomOf(originID)
	if !ok {
		rl.logger.Debug("relay: origin has no room, dropping", zap.String("origin", originID))
		return true
	}

	if e.Kind == wire.KindBroadcast || e.Target == "" {
		rl.fanout(r, originID, e)
		return true
	}

	target, ok := r.Peer(e.Target)
	if !ok {
		origin, originKnown := r.Peer(originID)
		if originKnown {
			if err := origin.Conn.SendError(context.Background(), originID, "no such recipient"); err != nil {
				rl.logger.Debug("relay: failed to report missing recipient", zap.Error(err))
			}
		}
		return true
	}

	if err := target.Conn.ForwardRaw(e); err != nil {
		rl.logger.Warn("relay: forward failed", zap.String("target", e.Target), zap.Error(err))
	} else {
		rl.count(e.Kind)
	}
	return true
}

func (rl *Relay) fanout(r *room.Room, originID string, e wire.Envelope) {
	for _, member := range r.Members() {
		if member.ID == originID {
			continue
		}
		if err := member.Conn.ForwardRaw(e); err != nil {
			rl.logger.Warn("relay: fanout failed", zap.String("target", member.ID), zap.Error(err))
			continue
		}
		rl.count(e.Kind)
	}
}

func (rl *Relay) count(kind wire.Kind) {
	if rl.metrics == nil {
		return
	}
	rl.metrics.EnvelopesRelayed.WithLabelValues(kind.String()).Inc()
}
