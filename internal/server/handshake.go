package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/connection"
	"github.com/sealedroom/server/internal/credentials"
	"github.com/sealedroom/server/internal/room"
	"github.com/sealedroom/server/internal/transport"
	"github.com/sealedroom/server/internal/users"
)

// upgrader accepts any origin: the collaboration server sits behind
// whatever reverse proxy terminates TLS and enforces origin policy for
// the surrounding application (out of scope for this repo), mirroring
// the corpus's habit of leaving that policy to the deployment layer.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type peerInitParams struct {
	Protocol string `json:"protocol"`
}

// ProtocolVersion is the handshake version exchanged in peer.init
// (spec section 6).
const ProtocolVersion = "0.0.1"

type workspaceDescriptor struct {
	RoomID      string             `json:"roomId"`
	PeerID      string             `json:"peerId"`
	Permissions room.Permissions   `json:"permissions"`
	Members     []roomRosterMember `json:"members"`
}

type roomRosterMember struct {
	PeerID  string `json:"peerId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Host    bool   `json:"host"`
	SignPub []byte `json:"signPub"`
	SealPub []byte `json:"sealPub"`
}

// handleUpgrade implements GET /api/session/join/{joinToken} (spec
// sections 4.5, 4.8): redeems the join token, upgrades to a duplex
// websocket transport, constructs the peer's Connection and relay
// hook, and — for guests — runs the host-approval workflow before
// admitting the peer into its room.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	joinToken := r.PathValue("joinToken")

	claim, err := s.Credentials.RedeemJoin(credentials.JoinToken(joinToken))
	if err != nil {
		writeError(w, statusForCredentialError(err), err.Error())
		return
	}

	user, ok := s.Users.Resolve(claim.User.ID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	t := transport.NewWebSocket(wsConn)

	s.completeUpgrade(t, user, claim)
}

// completeUpgrade is the transport-agnostic second half of the duplex
// upgrade, shared by the websocket path above and the libp2p accept
// loop in libp2p.go: build the Connection, wire the relay hook, and
// run the host-or-guest admission workflow.
func (s *Server) completeUpgrade(t transport.Transport, user users.User, claim credentials.JoinClaim) {
	peerID := uuid.NewString()
	peer := &room.Peer{
		ID:        peerID,
		Name:      user.Name,
		Email:     user.Email,
		PublicKey: user.PublicKey,
	}

	conn := connection.New(connection.Options{
		SelfID:         ServerID,
		RemoteID:       peerID,
		Self:           s.identity,
		Directory:      room.NewPeerDirectory(peerID, user.PublicKey),
		Transport:      t,
		Clock:          s.Clock,
		Timeout:        s.requestTimeout,
		Logger:         s.Logger,
		KnownPeerCount: 1,
	})
	peer.Conn = conn

	conn.OnRequest("peer.init", handlePeerInit)
	conn.SetRelayHook(s.Relay.HookFor(peerID))
	conn.OnDisconnect(func() { s.handleDisconnect(peer) })

	conn.Start()
	conn.Ready()

	if claim.RoomID == "" {
		s.admitHost(peer)
		return
	}
	s.admitGuest(peer, claim.RoomID)
}

func handlePeerInit(_ context.Context, _ string, params []byte) ([]byte, error) {
	var p peerInitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed peer.init params: %w", err)
	}
	if p.Protocol != ProtocolVersion {
		return nil, fmt.Errorf("protocol mismatch: server speaks %s, peer sent %s", ProtocolVersion, p.Protocol)
	}
	return json.Marshal(peerInitParams{Protocol: ProtocolVersion})
}

func (s *Server) admitHost(peer *room.Peer) {
	r, err := s.Rooms.CreateRoom(peer, room.Permissions{})
	if err != nil {
		s.Logger.Warn("host room creation failed", zap.String("peer", peer.ID), zap.Error(err))
		_ = peer.Conn.SendError(context.Background(), peer.ID, err.Error())
		_ = peer.Conn.Dispose()
		return
	}

	ws, err := json.Marshal(workspaceDescriptor{
		RoomID:      r.ID,
		PeerID:      peer.ID,
		Permissions: r.Permissions,
		Members:     rosterOf(r),
	})
	if err != nil {
		s.Logger.Error("encode workspace descriptor failed", zap.Error(err))
		return
	}
	if err := peer.Conn.SendNotification(context.Background(), "peer.onInfo", peer.ID, ws); err != nil {
		s.Logger.Warn("peer.onInfo send failed", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (s *Server) admitGuest(peer *room.Peer, roomID string) {
	r, ok := s.Rooms.RoomByID(roomID)
	if !ok {
		_ = peer.Conn.SendError(context.Background(), peer.ID, "no such room")
		_ = peer.Conn.Dispose()
		return
	}

	candidate := room.JoinCandidate{
		UserID:    peer.ID,
		Name:      peer.Name,
		Email:     peer.Email,
		PublicKey: peer.PublicKey,
	}
	outcome, err := s.Rooms.JoinRequest(context.Background(), roomID, candidate)
	if err != nil {
		s.Logger.Warn("join request failed", zap.String("room", roomID), zap.Error(err))
		_ = peer.Conn.SendError(context.Background(), peer.ID, "join request failed")
		_ = peer.Conn.Dispose()
		return
	}
	if !outcome.Admitted {
		_ = peer.Conn.SendError(context.Background(), peer.ID, "join denied: "+outcome.Reason)
		_ = peer.Conn.Dispose()
		return
	}

	if err := s.Rooms.Admit(r, peer); err != nil {
		s.Logger.Warn("admit failed", zap.String("room", roomID), zap.String("peer", peer.ID), zap.Error(err))
		_ = peer.Conn.SendError(context.Background(), peer.ID, err.Error())
		_ = peer.Conn.Dispose()
		return
	}

	ws, err := json.Marshal(workspaceDescriptor{
		RoomID:      r.ID,
		PeerID:      peer.ID,
		Permissions: r.Permissions,
		Members:     rosterOf(r),
	})
	if err != nil {
		s.Logger.Error("encode workspace descriptor failed", zap.Error(err))
		return
	}
	if err := peer.Conn.SendNotification(context.Background(), "peer.onInfo", peer.ID, ws); err != nil {
		s.Logger.Warn("peer.onInfo send failed", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (s *Server) handleDisconnect(peer *room.Peer) {
	if err := s.Rooms.Leave(peer); err != nil {
		s.Logger.Warn("leave notification failed", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func rosterOf(r *room.Room) []roomRosterMember {
	members := r.Members()
	out := make([]roomRosterMember, 0, len(members))
	for _, m := range members {
		out = append(out, roomRosterMember{
			PeerID:  m.ID,
			Name:    m.Name,
			Email:   m.Email,
			Host:    m.Host,
			SignPub: m.PublicKey.Sign,
			SealPub: m.PublicKey.SealBytes,
		})
	}
	return out
}
