package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLoginMintRedeemRoundTrip(t *testing.T) {
	m := NewManager(nil)
	tok, err := m.MintLoginToken(User{ID: "alice"})
	if err != nil {
		t.Fatalf("MintLoginToken: %v", err)
	}

	user, err := m.RedeemLogin(tok)
	if err != nil {
		t.Fatalf("RedeemLogin: %v", err)
	}
	if user.ID != "alice" {
		t.Fatalf("user.ID = %q, want alice", user.ID)
	}
}

func TestLoginTokenSingleUse(t *testing.T) {
	m := NewManager(nil)
	tok, _ := m.MintLoginToken(User{ID: "alice"})

	if _, err := m.RedeemLogin(tok); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := m.RedeemLogin(tok); err != ErrInvalidToken {
		t.Fatalf("second redeem err = %v, want ErrInvalidToken (already deleted)", err)
	}
}

func TestLoginTokenExpiry(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk)
	tok, _ := m.MintLoginToken(User{ID: "alice"})

	clk.Add(LoginTokenTTL + time.Second)

	if _, err := m.RedeemLogin(tok); err != ErrExpiredToken {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestJoinMintRedeemRoundTrip(t *testing.T) {
	m := NewManager(nil)
	tok, err := m.MintJoinToken(User{ID: "bob"}, "room-1")
	if err != nil {
		t.Fatalf("MintJoinToken: %v", err)
	}

	claim, err := m.RedeemJoin(tok)
	if err != nil {
		t.Fatalf("RedeemJoin: %v", err)
	}
	if claim.User.ID != "bob" || claim.RoomID != "room-1" {
		t.Fatalf("claim = %+v, want {bob room-1}", claim)
	}
}

func TestJoinTokenExpiry(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk)
	tok, _ := m.MintJoinToken(User{ID: "bob"}, "room-1")

	clk.Add(JoinTokenTTL + time.Second)

	if _, err := m.RedeemJoin(tok); err != ErrExpiredToken {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestInvalidTokenIsRejected(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.RedeemLogin(LoginToken("not-a-real-token")); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := m.RedeemJoin(JoinToken("not-a-real-token")); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk)
	_, _ = m.MintLoginToken(User{ID: "alice"})
	_, _ = m.MintJoinToken(User{ID: "bob"}, "room-1")

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	clk.Add(LoginTokenTTL + time.Second)
	clk.Add(sweepInterval)

	// give the sweeper goroutine a moment to observe the advanced clock
	deadline := time.After(time.Second)
	for {
		m.mu.Lock()
		n := len(m.logins) + len(m.joins)
		m.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sweep did not remove expired entries in time, remaining=%d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
