// Package room implements the room catalogue, the peer handle, and
// the join-approval workflow from spec sections 3, 4.6: admission of
// new peers with host-is-source-of-truth semantics, broadcast fanout
// on membership change, and teardown when a room loses its host.
//
// There is no teacher analog for rooms (the teacher's discovery node
// has a single flat peer namespace, no host/guest distinction). The
// membership bookkeeping shape — a mutex-guarded map, broadcast on
// join, removal-then-broadcast on disconnect — is grounded on the
// teacher's internal/node/server.go (Server.online/streams,
// broadcastJoined/broadcastLeft, removePeer).
package room

import (
	"github.com/sealedroom/server/internal/connection"
	"github.com/sealedroom/server/internal/crypto"
)

// Peer is the server-side handle for one connected client (spec
// section 3): its identity, durable public key, room membership, and
// the Connection carrying its encrypted RPC traffic. Exactly one Peer
// exists per connection; it is created on successful join and
// destroyed on disconnect or eviction.
type Peer struct {
	ID        string
	Name      string
	Email     string
	PublicKey crypto.PublicKey
	Host      bool
	RoomID    string
	Conn      *connection.Connection
}

// directory is the connection.PeerDirectory a server-held per-peer
// Connection addresses mail through. Each server-side Connection
// speaks to exactly one remote peer, so its directory only ever needs
// to resolve that one id — unlike a peer client's own directory,
// which must track the whole room roster to pre-seal broadcasts for
// every member (spec section 4.2 step 3).
type directory struct {
	id  string
	pub crypto.PublicKey
}

func (d directory) Lookup(peerID string) (crypto.PublicKey, bool) {
	if peerID != d.id {
		return crypto.PublicKey{}, false
	}
	return d.pub, true
}

func (d directory) Peers() []connection.PeerRef {
	return []connection.PeerRef{{ID: d.id, Public: d.pub}}
}

// NewPeerDirectory builds the PeerDirectory for a server-side
// Connection whose other end is the peer identified by id/pub.
func NewPeerDirectory(id string, pub crypto.PublicKey) connection.PeerDirectory {
	return directory{id: id, pub: pub}
}
