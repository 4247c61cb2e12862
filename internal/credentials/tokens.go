// Package credentials implements the opaque, TTL-bound, single-use
// login and join tokens exchanged during the handshake (spec section
// 4.5, 6): POST /api/login mints a LoginToken, POST /api/session
// mints a JoinToken, and the duplex-transport upgrade redeems it.
//
// There is no teacher analog for token minting; the TTL-map-plus-
// background-sweep shape is modeled on the timer/map bookkeeping the
// teacher uses for pending requests in peer.go, applied here to
// token expiry instead of request correlation.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// LoginTokenTTL is the ~10 minute window spec section 4.5 gives a
	// freshly minted login token before it expires unredeemed.
	LoginTokenTTL = 10 * time.Minute
	// JoinTokenTTL is the ~5 minute window for a join token.
	JoinTokenTTL = 5 * time.Minute

	tokenBytes = 24 // 192 bits, comfortably over the spec's 128-bit floor

	sweepInterval = time.Minute
)

var (
	ErrInvalidToken = errors.New("credentials: invalid or unknown token")
	ErrExpiredToken = errors.New("credentials: token expired")
	ErrAlreadyUsed  = errors.New("credentials: token already redeemed")
)

// LoginToken is the opaque credential returned by POST /api/login.
type LoginToken string

// JoinToken is the opaque credential returned by POST /api/session(/…).
type JoinToken string

// User is the minimal identity a login token resolves to once
// redeemed. The full profile (display name, durable public key) is
// the internal/users package's concern; credentials only needs
// enough to carry it from mint to redeem.
type User struct {
	ID string
}

type loginEntry struct {
	user      User
	expiresAt time.Time
	redeemed  bool
}

type joinEntry struct {
	user      User
	roomID    string
	expiresAt time.Time
	redeemed  bool
}

// Manager mints and redeems login/join tokens. Safe for concurrent
// use; Run must be started once to sweep expired entries.
type Manager struct {
	clock clock.Clock

	mu     sync.Mutex
	logins map[LoginToken]*loginEntry
	joins  map[JoinToken]*joinEntry
}

// NewManager constructs a Manager. A nil clock uses the real wall
// clock.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:  clk,
		logins: make(map[LoginToken]*loginEntry),
		joins:  make(map[JoinToken]*joinEntry),
	}
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("credentials: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MintLoginToken issues a fresh, single-use LoginToken for user,
// valid for LoginTokenTTL.
func (m *Manager) MintLoginToken(user User) (LoginToken, error) {
	raw, err := randomToken()
	if err != nil {
		return "", err
	}
	tok := LoginToken(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[tok] = &loginEntry{user: user, expiresAt: m.clock.Now().Add(LoginTokenTTL)}
	return tok, nil
}

// RedeemLogin validates, single-uses, and returns the User behind tok.
func (m *Manager) RedeemLogin(tok LoginToken) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.logins[tok]
	if !ok {
		return User{}, ErrInvalidToken
	}
	if entry.redeemed {
		return User{}, ErrAlreadyUsed
	}
	if m.clock.Now().After(entry.expiresAt) {
		delete(m.logins, tok)
		return User{}, ErrExpiredToken
	}
	entry.redeemed = true
	delete(m.logins, tok)
	return entry.user, nil
}

// MintJoinToken issues a fresh, single-use JoinToken binding user to
// roomID, valid for JoinTokenTTL.
func (m *Manager) MintJoinToken(user User, roomID string) (JoinToken, error) {
	raw, err := randomToken()
	if err != nil {
		return "", err
	}
	tok := JoinToken(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins[tok] = &joinEntry{user: user, roomID: roomID, expiresAt: m.clock.Now().Add(JoinTokenTTL)}
	return tok, nil
}

// JoinClaim is what RedeemJoin returns: the user and the room the join
// token authorizes them to enter.
type JoinClaim struct {
	User   User
	RoomID string
}

// RedeemJoin validates, single-uses, and returns the claim behind tok.
func (m *Manager) RedeemJoin(tok JoinToken) (JoinClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.joins[tok]
	if !ok {
		return JoinClaim{}, ErrInvalidToken
	}
	if entry.redeemed {
		return JoinClaim{}, ErrAlreadyUsed
	}
	if m.clock.Now().After(entry.expiresAt) {
		delete(m.joins, tok)
		return JoinClaim{}, ErrExpiredToken
	}
	entry.redeemed = true
	delete(m.joins, tok)
	return JoinClaim{User: entry.user, RoomID: entry.roomID}, nil
}

// Run sweeps expired, unredeemed tokens every sweepInterval until ctx
// is cancelled. Lookups re-check expiry themselves (RedeemLogin/
// RedeemJoin above), so the sweep is a memory-bound, not a
// correctness requirement: it just keeps long-lived servers from
// accumulating dead entries between redemptions.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, entry := range m.logins {
		if now.After(entry.expiresAt) {
			delete(m.logins, tok)
		}
	}
	for tok, entry := range m.joins {
		if now.After(entry.expiresAt) {
			delete(m.joins, tok)
		}
	}
}
