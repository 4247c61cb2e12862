package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	mockclock "github.com/benbjohnson/clock"

	"github.com/sealedroom/server/internal/connection"
	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/room"
	"github.com/sealedroom/server/internal/transport"
)

type testIdentity struct {
	id   string
	priv crypto.PrivateKey
}

func newTestIdentity(t *testing.T, id string) testIdentity {
	t.Helper()
	_, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	sealPub, sealPriv, err := crypto.KEMScheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate HPKE key: %v", err)
	}
	sealBytes, err := sealPub.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal seal pubkey: %v", err)
	}
	pub := crypto.PublicKey{Sign: signPriv.Public().(ed25519.PublicKey), Seal: sealPub, SealBytes: sealBytes}
	priv := crypto.PrivateKey{Sign: signPriv, Seal: sealPriv, Public: pub}
	return testIdentity{id: id, priv: priv}
}

// roster is a fixed PeerDirectory test double standing in for a peer
// client's own full-room-roster directory (see pkg/peerclient).
type roster struct {
	mu    sync.RWMutex
	peers map[string]crypto.PublicKey
}

func newRoster() *roster { return &roster{peers: make(map[string]crypto.PublicKey)} }

func (r *roster) add(id string, pub crypto.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = pub
}

func (r *roster) Lookup(id string) (crypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.peers[id]
	return pub, ok
}

func (r *roster) Peers() []connection.PeerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connection.PeerRef, 0, len(r.peers))
	for id, pub := range r.peers {
		out = append(out, connection.PeerRef{ID: id, Public: pub})
	}
	return out
}

// rig wires up one room member's pair of connections: the server-held
// connection (what room.Peer.Conn holds, relay-hooked) and the
// peer-side connection standing in for a real client, joined by an
// in-process pipe. This mirrors the real topology: the relay only ever
// talks to the server-held halves, and ciphertext in transit is sealed
// for whichever real identity the peer-side half presents.
type rig struct {
	id        testIdentity
	serverEnd *connection.Connection // what room.Peer.Conn holds
	peerEnd   *connection.Connection // stands in for the real peer client
	peerDir   *roster
}

func newRig(t *testing.T, clk mockclock.Clock, id testIdentity) *rig {
	t.Helper()
	serverTransport, peerTransport := transport.NewPipe()

	serverEnd := connection.New(connection.Options{
		SelfID:    "server",
		RemoteID:  id.id,
		Directory: room.NewPeerDirectory(id.id, id.priv.Public),
		Transport: serverTransport,
		Clock:     clk,
	})
	dir := newRoster()
	// The peer-side connection self-reports a different id than the
	// one the server actually authenticated it as (id.id), exactly
	// like a real client whose SelfID is a fingerprint-derived guess
	// made before the server-assigned peer id is known. Were the
	// server to trust that self-reported Origin instead of
	// overwriting it with RemoteID, every reply addressed back to
	// e.Origin would miss the server-held directory (keyed by id.id)
	// and silently drop.
	peerEnd := connection.New(connection.Options{
		SelfID:    id.id + "-self-reported",
		Self:      id.priv,
		Directory: dir,
		Transport: peerTransport,
		Clock:     clk,
	})
	return &rig{id: id, serverEnd: serverEnd, peerEnd: peerEnd, peerDir: dir}
}

func (r *rig) start() {
	r.serverEnd.Start()
	r.peerEnd.Start()
	r.serverEnd.Ready()
	r.peerEnd.Ready()
}

func setupRoom(t *testing.T, clk mockclock.Clock, ids ...testIdentity) (*room.Manager, *Relay, []*rig) {
	t.Helper()
	mgr := room.NewManager(room.Options{Clock: clk})
	rl := New(mgr, "server", nil, nil)

	rigs := make([]*rig, len(ids))
	for i, id := range ids {
		rigs[i] = newRig(t, clk, id)
		rigs[i].serverEnd.SetRelayHook(rl.HookFor(id.id))
	}
	// every peer-side connection needs every other member's real
	// public key to seal for them directly, exactly as pkg/peerclient's
	// roster would after processing peer.onInfo/room.onJoin.
	for _, r := range rigs {
		for _, other := range rigs {
			if r == other {
				continue
			}
			r.peerDir.add(other.id.id, other.id.priv.Public)
		}
		r.start()
	}

	host := &room.Peer{ID: ids[0].id, PublicKey: ids[0].priv.Public, Conn: rigs[0].serverEnd}
	r, err := mgr.CreateRoom(host, room.Permissions{})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	for i := 1; i < len(rigs); i++ {
		guest := &room.Peer{ID: ids[i].id, PublicKey: ids[i].priv.Public, Conn: rigs[i].serverEnd}
		if err := mgr.Admit(r, guest); err != nil {
			t.Fatalf("Admit(%s): %v", ids[i].id, err)
		}
	}
	return mgr, rl, rigs
}

func TestRelayForwardsUnicastWithoutDecrypting(t *testing.T) {
	clk := mockclock.New()
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	_, _, rigs := setupRoom(t, clk, alice, bob)
	a, b := rigs[0], rigs[1]
	defer a.serverEnd.Dispose()
	defer a.peerEnd.Dispose()
	defer b.serverEnd.Dispose()
	defer b.peerEnd.Dispose()

	b.peerEnd.OnRequest("ping", func(_ context.Context, origin string, params []byte) ([]byte, error) {
		if origin != "alice" {
			t.Errorf("origin = %q, want alice", origin)
		}
		return append([]byte("pong:"), params...), nil
	})

	result, err := a.peerEnd.SendRequest(context.Background(), "ping", "bob", []byte("hi"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(result) != "pong:hi" {
		t.Fatalf("result = %q, want %q", result, "pong:hi")
	}
}

func TestRelayBroadcastFanout(t *testing.T) {
	clk := mockclock.New()
	host := newTestIdentity(t, "host")
	g1 := newTestIdentity(t, "g1")
	g2 := newTestIdentity(t, "g2")
	_, _, rigs := setupRoom(t, clk, host, g1, g2)
	for _, r := range rigs {
		defer r.serverEnd.Dispose()
		defer r.peerEnd.Dispose()
	}

	got1 := make(chan string, 1)
	got2 := make(chan string, 1)
	rigs[1].peerEnd.OnBroadcast("note", func(_ string, params []byte) { got1 <- string(params) })
	rigs[2].peerEnd.OnBroadcast("note", func(_ string, params []byte) { got2 <- string(params) })

	if err := rigs[0].peerEnd.SendBroadcast(context.Background(), "note", []byte("hello room")); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}

	for name, ch := range map[string]chan string{"g1": got1, "g2": got2} {
		select {
		case v := <-ch:
			if v != "hello room" {
				t.Fatalf("%s got %q, want %q", name, v, "hello room")
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never received broadcast", name)
		}
	}
}

func TestRelayUnknownRecipientReportsError(t *testing.T) {
	clk := mockclock.New()
	alice := newTestIdentity(t, "alice")
	_, _, rigs := setupRoom(t, clk, alice)
	a := rigs[0]
	defer a.serverEnd.Dispose()
	defer a.peerEnd.Dispose()

	// alice addresses someone who was never admitted to the room.
	a.peerDir.add("ghost", newTestIdentity(t, "ghost").priv.Public)

	errCh := make(chan error, 1)
	a.peerEnd.OnError(func(err error) { errCh <- err })

	if err := a.peerEnd.SendNotification(context.Background(), "whisper", "ghost", []byte("hey")); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	select {
	case err := <-errCh:
		if err.Error() != "no such recipient" {
			t.Fatalf("err = %v, want %q", err, "no such recipient")
		}
	case <-time.After(time.Second):
		t.Fatal("origin never received a routing error")
	}
}
