package peerclient

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/connection"
	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/room"
	"github.com/sealedroom/server/internal/transport"
)

func decodeKey(signPub, sealPub []byte) (crypto.PublicKey, error) {
	return crypto.DecodePublicKey(signPub, sealPub)
}

type peerInitParams struct {
	Protocol string `json:"protocol"`
}

type rosterMember struct {
	PeerID  string `json:"peerId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Host    bool   `json:"host"`
	SignPub []byte `json:"signPub"`
	SealPub []byte `json:"sealPub"`
}

type workspaceDescriptor struct {
	RoomID      string           `json:"roomId"`
	PeerID      string           `json:"peerId"`
	Permissions room.Permissions `json:"permissions"`
	Members     []rosterMember   `json:"members"`
}

type joinNotice struct {
	PeerID  string `json:"peerId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	SignPub []byte `json:"signPub"`
	SealPub []byte `json:"sealPub"`
}

type leaveNotice struct {
	PeerID string `json:"peerId"`
}

// Session is one connected, admitted membership of a room: the
// underlying Connection, this peer's assigned id, the room it joined,
// and the live roster directory that room.onJoin/room.onLeave keep
// current.
type Session struct {
	Conn   *connection.Connection
	PeerID string
	RoomID string

	roster *roster
	logger *zap.Logger

	onMemberJoined func(peerID, name string)
	onMemberLeft   func(peerID string)
	onRoomClosed   func()
}

// JoinApprover decides whether to admit a join candidate, returning an
// opaque workspace payload on approval or an error (carried back to
// the requester as the denial reason) otherwise. Only meaningful for
// the peer that created the room (spec section 4.6:
// "host-is-source-of-truth").
type JoinApprover func(candidate room.JoinCandidate) ([]byte, error)

// OnJoinRequest registers approver as this session's handler for
// peer.onJoinRequest. Only the host's session ever receives this
// request; a guest session that registers one simply never has it
// invoked.
func (s *Session) OnJoinRequest(approver JoinApprover) {
	s.Conn.OnRequest("peer.onJoinRequest", func(_ context.Context, _ string, params []byte) ([]byte, error) {
		candidate, err := room.DecodeJoinCandidate(params)
		if err != nil {
			return nil, err
		}
		return approver(candidate)
	})
}

// OnMemberJoined registers a callback fired when room.onJoin reports a
// new member. Fires after the roster directory has already been
// updated, so SendBroadcast from within the callback reaches them.
func (s *Session) OnMemberJoined(fn func(peerID, name string)) { s.onMemberJoined = fn }

// OnMemberLeft registers a callback fired when room.onLeave reports a
// member's departure.
func (s *Session) OnMemberLeft(fn func(peerID string)) { s.onMemberLeft = fn }

// OnRoomClosed registers a callback fired when room.onClose arrives
// (the host disconnected and the room was torn down).
func (s *Session) OnRoomClosed(fn func()) { s.onRoomClosed = fn }

// Connect implements the duplex-upgrade leg of the handshake (spec
// sections 4.5, 4.8): dials the websocket, builds the Connection and
// roster directory, exchanges peer.init, and blocks until the
// server's peer.onInfo notification carries this peer's assigned id
// and room roster — which for a guest means the host has already
// approved the join (spec section 4.6's JoinRequest/Admit pair has
// already run server-side by the time peer.onInfo is sent).
func (c *Client) Connect(ctx context.Context, joinToken string) (*Session, error) {
	wsConn, _, err := wsDialer.DialContext(ctx, c.wsURL("/api/session/join/"+joinToken), nil)
	if err != nil {
		return nil, fmt.Errorf("peerclient: dial: %w", err)
	}
	t := transport.NewWebSocket(wsConn)
	return c.connectOver(ctx, t)
}

// connectOver is the transport-agnostic second half of Connect, shared
// with ConnectLibp2p in libp2p.go: build the Connection and roster
// directory, exchange peer.init, and block for peer.onInfo.
func (c *Client) connectOver(ctx context.Context, t transport.Transport) (*Session, error) {
	rost := newRoster(serverPeerID, c.serverPub)
	conn := connection.New(connection.Options{
		SelfID:    c.userID(),
		Self:      c.identity,
		Directory: rost,
		Transport: t,
		Clock:     c.clock,
		Logger:    c.logger,
	})

	sess := &Session{Conn: conn, roster: rost, logger: c.logger}

	infoCh := make(chan workspaceDescriptor, 1)
	conn.OnNotification("peer.onInfo", func(_ string, params []byte) {
		var ws workspaceDescriptor
		if err := json.Unmarshal(params, &ws); err != nil {
			c.logger.Warn("peerclient: malformed peer.onInfo", zap.Error(err))
			return
		}
		for _, m := range ws.Members {
			if m.PeerID == ws.PeerID {
				continue
			}
			pub, err := decodeMemberKey(m)
			if err != nil {
				continue
			}
			rost.put(m.PeerID, pub)
		}
		sess.PeerID = ws.PeerID
		sess.RoomID = ws.RoomID
		conn.InvalidatePeerSet(rost.size())
		select {
		case infoCh <- ws:
		default:
		}
	})

	conn.OnNotification("room.onJoin", func(_ string, params []byte) {
		var n joinNotice
		if err := json.Unmarshal(params, &n); err != nil {
			return
		}
		pub, err := decodeKey(n.SignPub, n.SealPub)
		if err != nil {
			return
		}
		rost.put(n.PeerID, pub)
		conn.InvalidatePeerSet(rost.size())
		if sess.onMemberJoined != nil {
			sess.onMemberJoined(n.PeerID, n.Name)
		}
	})

	conn.OnNotification("room.onLeave", func(_ string, params []byte) {
		var n leaveNotice
		if err := json.Unmarshal(params, &n); err != nil {
			return
		}
		rost.remove(n.PeerID)
		conn.InvalidatePeerSet(rost.size())
		if sess.onMemberLeft != nil {
			sess.onMemberLeft(n.PeerID)
		}
	})

	conn.OnNotification("room.onClose", func(_ string, _ []byte) {
		if sess.onRoomClosed != nil {
			sess.onRoomClosed()
		}
	})

	disconnected := make(chan struct{})
	conn.OnDisconnect(func() { close(disconnected) })

	conn.Start()
	conn.Ready()

	initParams, err := json.Marshal(peerInitParams{Protocol: ProtocolVersion})
	if err != nil {
		return nil, err
	}
	if _, err := conn.SendRequest(ctx, "peer.init", serverPeerID, initParams); err != nil {
		_ = conn.Dispose()
		return nil, fmt.Errorf("peerclient: peer.init: %w", err)
	}

	select {
	case ws := <-infoCh:
		sess.PeerID = ws.PeerID
		sess.RoomID = ws.RoomID
		return sess, nil
	case <-ctx.Done():
		_ = conn.Dispose()
		return nil, ctx.Err()
	case <-disconnected:
		return nil, connection.ErrDisconnected
	}
}

func decodeMemberKey(m rosterMember) (crypto.PublicKey, error) {
	return decodeKey(m.SignPub, m.SealPub)
}
