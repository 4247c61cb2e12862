package peerclient

import (
	"sync"

	"github.com/sealedroom/server/internal/connection"
	"github.com/sealedroom/server/internal/crypto"
)

// roster is the connection.PeerDirectory a peer client's own
// Connection addresses mail through. Unlike the collaboration
// server's single-entry directory (internal/room.directory), a peer
// client must track the whole room roster so it can pre-seal
// broadcasts for every member (spec section 4.2 step 3) and keep the
// server itself addressable for control requests.
type roster struct {
	mu      sync.RWMutex
	members map[string]crypto.PublicKey
}

func newRoster(serverID string, serverPub crypto.PublicKey) *roster {
	return &roster{members: map[string]crypto.PublicKey{serverID: serverPub}}
}

func (r *roster) Lookup(peerID string) (crypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.members[peerID]
	return pub, ok
}

func (r *roster) Peers() []connection.PeerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connection.PeerRef, 0, len(r.members))
	for id, pub := range r.members {
		out = append(out, connection.PeerRef{ID: id, Public: pub})
	}
	return out
}

// put adds or replaces a member's public key (room.onJoin, and the
// initial roster carried in peer.onInfo).
func (r *roster) put(id string, pub crypto.PublicKey) {
	r.mu.Lock()
	r.members[id] = pub
	r.mu.Unlock()
}

// remove drops a member (room.onLeave).
func (r *roster) remove(id string) {
	r.mu.Lock()
	delete(r.members, id)
	r.mu.Unlock()
}

// size reports the current member count, used to resize the
// connection's key caches after a membership change (spec section
// 4.3: knownPeerCount+50).
func (r *roster) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
