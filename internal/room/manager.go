package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sealedroom/server/internal/connection"
	"github.com/sealedroom/server/internal/crypto"
	"github.com/sealedroom/server/internal/metrics"
)

// DefaultJoinApprovalTimeout is the 2-minute deadline spec section
// 4.6/5 gives a host to answer a join request before it is treated as
// a denial.
const DefaultJoinApprovalTimeout = 2 * time.Minute

var (
	ErrRoomNotFound  = errors.New("room: no such room")
	ErrPeerNotHost   = errors.New("room: peer is not this room's host")
	ErrAlreadyInRoom = errors.New("room: peer already belongs to a room")
)

// JoinCandidate is the user requesting admission, as presented to the
// host's peer.onJoinRequest handler.
type JoinCandidate struct {
	UserID    string
	Name      string
	Email     string
	PublicKey crypto.PublicKey
}

type candidateWire struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	SignPub []byte `json:"signPub"`
	SealPub []byte `json:"sealPub"`
}

// EncodeJoinCandidate serializes a JoinCandidate for the
// peer.onJoinRequest request params.
func EncodeJoinCandidate(c JoinCandidate) ([]byte, error) {
	return json.Marshal(candidateWire{
		UserID:  c.UserID,
		Name:    c.Name,
		Email:   c.Email,
		SignPub: c.PublicKey.Sign,
		SealPub: c.PublicKey.SealBytes,
	})
}

// DecodeJoinCandidate reverses EncodeJoinCandidate; a peer client's
// peer.onJoinRequest handler calls this on the inbound params.
func DecodeJoinCandidate(data []byte) (JoinCandidate, error) {
	var w candidateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return JoinCandidate{}, fmt.Errorf("room: decode join candidate: %w", err)
	}
	pub, err := crypto.DecodePublicKey(w.SignPub, w.SealPub)
	if err != nil {
		return JoinCandidate{}, err
	}
	return JoinCandidate{UserID: w.UserID, Name: w.Name, Email: w.Email, PublicKey: pub}, nil
}

// JoinOutcome is what JoinRequest returns: either an approval carrying
// the host's workspace descriptor, or a denial reason (spec section
// 4.6's JoinOutcome).
type JoinOutcome struct {
	Admitted  bool
	Workspace []byte
	Reason    string
}

// Manager is the catalogue of rooms (spec section 4.6): room
// creation, join approval, admission, and teardown on host loss. A
// single mutex guards both membership maps, matching the "coarse
// lock per map, contention is low" concurrency model of spec
// section 5.
type Manager struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry

	joinApprovalTimeout time.Duration

	mu       sync.RWMutex
	rooms    map[string]*Room
	peerRoom map[string]string
}

// Options configures a new Manager.
type Options struct {
	Clock               clock.Clock
	Logger              *zap.Logger
	Metrics             *metrics.Registry
	JoinApprovalTimeout time.Duration
}

// NewManager constructs an empty room catalogue.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.JoinApprovalTimeout == 0 {
		opts.JoinApprovalTimeout = DefaultJoinApprovalTimeout
	}
	return &Manager{
		clock:               opts.Clock,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		joinApprovalTimeout: opts.JoinApprovalTimeout,
		rooms:               make(map[string]*Room),
		peerRoom:            make(map[string]string),
	}
}

// CreateRoom allocates a fresh room id and registers host as its
// sole member (spec section 4.6).
func (m *Manager) CreateRoom(host *Peer, perms Permissions) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.peerRoom[host.ID]; busy {
		return nil, ErrAlreadyInRoom
	}

	id := uuid.NewString()
	host.Host = true
	host.RoomID = id
	r := newRoom(id, host, m.clock.Now(), perms)
	m.rooms[id] = r
	m.peerRoom[host.ID] = id

	if m.metrics != nil {
		m.metrics.RoomsActive.Inc()
		m.metrics.PeersConnected.Inc()
	}
	m.logger.Info("room created", zap.String("room", id), zap.String("host", host.ID))
	return r, nil
}

// RoomByID looks up a room by id.
func (m *Manager) RoomByID(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// RoomOf returns the room a peer currently belongs to.
func (m *Manager) RoomOf(peerID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.peerRoom[peerID]
	if !ok {
		return nil, false
	}
	r, ok := m.rooms[id]
	return r, ok
}

// Peer looks up a connected member by id across every room.
func (m *Manager) Peer(id string) (*Peer, bool) {
	m.mu.RLock()
	roomID, ok := m.peerRoom[id]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	r := m.rooms[roomID]
	m.mu.RUnlock()
	if r == nil {
		return nil, false
	}
	return r.Peer(id)
}

// JoinRequest sends peer.onJoinRequest to roomID's host and awaits
// approval, denial, or timeout (spec section 4.6). It does not itself
// admit candidate; the caller (the collaboration server's handshake)
// calls Admit once JoinOutcome.Admitted is true and the candidate's
// Peer has been constructed.
func (m *Manager) JoinRequest(ctx context.Context, roomID string, candidate JoinCandidate) (JoinOutcome, error) {
	r, ok := m.RoomByID(roomID)
	if !ok {
		return JoinOutcome{}, ErrRoomNotFound
	}
	host := r.Host()

	params, err := EncodeJoinCandidate(candidate)
	if err != nil {
		return JoinOutcome{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.joinApprovalTimeout)
	defer cancel()

	result, err := host.Conn.SendRequest(reqCtx, "peer.onJoinRequest", host.ID, params)
	if err != nil {
		if m.metrics != nil {
			outcome := "timeout"
			var remote *connection.RemoteError
			if errors.As(err, &remote) {
				outcome = "denied"
			}
			m.metrics.JoinOutcomes.WithLabelValues(outcome).Inc()
		}
		m.logger.Info("join request denied", zap.String("room", roomID), zap.String("candidate", candidate.UserID), zap.Error(err))
		return JoinOutcome{Admitted: false, Reason: err.Error()}, nil
	}

	if m.metrics != nil {
		m.metrics.JoinOutcomes.WithLabelValues("admitted").Inc()
	}
	return JoinOutcome{Admitted: true, Workspace: result}, nil
}

type roomJoinNotice struct {
	PeerID  string `json:"peerId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	SignPub []byte `json:"signPub"`
	SealPub []byte `json:"sealPub"`
}

type roomLeaveNotice struct {
	PeerID string `json:"peerId"`
}

// Admit adds peer to room as a guest and notifies every existing
// member of the new arrival via room.onJoin (spec section 4.6).
// Join atomicity (spec section 8) is the caller's responsibility:
// Admit must only be called after the join token has been redeemed
// and the host has approved.
func (m *Manager) Admit(r *Room, peer *Peer) error {
	m.mu.Lock()
	if _, busy := m.peerRoom[peer.ID]; busy {
		m.mu.Unlock()
		return ErrAlreadyInRoom
	}
	peer.RoomID = r.ID
	peer.Host = false
	existing := r.Members()
	r.guests[peer.ID] = peer
	m.peerRoom[peer.ID] = r.ID
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PeersConnected.Inc()
	}
	m.logger.Info("peer admitted", zap.String("room", r.ID), zap.String("peer", peer.ID))

	notice, err := json.Marshal(roomJoinNotice{
		PeerID:  peer.ID,
		Name:    peer.Name,
		Email:   peer.Email,
		SignPub: peer.PublicKey.Sign,
		SealPub: peer.PublicKey.SealBytes,
	})
	if err != nil {
		return fmt.Errorf("room: encode join notice: %w", err)
	}

	var g errgroup.Group
	for _, member := range existing {
		member := member
		g.Go(func() error {
			return member.Conn.SendNotification(context.Background(), "room.onJoin", member.ID, notice)
		})
	}
	return g.Wait()
}

// Leave removes peer from its room. If peer is the host, the room is
// torn down and every guest disconnected (spec section 3: "loss of
// host tears the room down"); otherwise the remaining members are
// notified via room.onLeave.
func (m *Manager) Leave(peer *Peer) error {
	m.mu.RLock()
	roomID, ok := m.peerRoom[peer.ID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	r, ok := m.RoomByID(roomID)
	if !ok {
		return nil
	}

	if r.Host() != nil && r.Host().ID == peer.ID {
		return m.CloseRoom(r)
	}

	m.mu.Lock()
	delete(r.guests, peer.ID)
	delete(m.peerRoom, peer.ID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PeersConnected.Dec()
	}
	m.logger.Info("peer left", zap.String("room", r.ID), zap.String("peer", peer.ID))

	notice, err := json.Marshal(roomLeaveNotice{PeerID: peer.ID})
	if err != nil {
		return fmt.Errorf("room: encode leave notice: %w", err)
	}

	var g errgroup.Group
	for _, member := range r.Members() {
		member := member
		g.Go(func() error {
			return member.Conn.SendNotification(context.Background(), "room.onLeave", member.ID, notice)
		})
	}
	return g.Wait()
}

// CloseRoom tears down every member's connection and removes the room
// from the catalogue (spec section 4.6). Guests are told room.onClose
// before their connection is disposed so an honest client can surface
// the reason.
func (m *Manager) CloseRoom(r *Room) error {
	m.mu.Lock()
	if _, ok := m.rooms[r.ID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, r.ID)
	members := r.Members()
	for _, p := range members {
		delete(m.peerRoom, p.ID)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RoomsActive.Dec()
		m.metrics.PeersConnected.Sub(float64(len(members)))
	}
	m.logger.Info("room closed", zap.String("room", r.ID), zap.Int("members", len(members)))

	var errs error
	for _, p := range members {
		if p == r.Host() {
			continue
		}
		closeMsg, _ := json.Marshal(struct{}{})
		_ = p.Conn.SendNotification(context.Background(), "room.onClose", p.ID, closeMsg)
	}
	for _, p := range members {
		errs = multierr.Append(errs, p.Conn.Dispose())
	}
	return errs
}
