package users

import (
	"crypto/ed25519"
	"crypto/rand"
	"reflect"
	"testing"

	"github.com/sealedroom/server/internal/crypto"
)

func testKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	signPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	sealPub, _, err := crypto.KEMScheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate HPKE key: %v", err)
	}
	sealBytes, err := sealPub.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal seal pubkey: %v", err)
	}
	return crypto.PublicKey{Sign: signPub, Seal: sealPub, SealBytes: sealBytes}
}

func TestAuthenticateCreatesOnFirstSight(t *testing.T) {
	m := NewManager(nil)
	pub := testKey(t)

	u := m.Authenticate("u1", "Alice", "alice@example.com", pub)
	if u.ID != "u1" || u.Name != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	got, ok := m.Resolve("u1")
	if !ok {
		t.Fatal("Resolve: not found after Authenticate")
	}
	if got.Name != "Alice" {
		t.Fatalf("Resolve name = %q, want Alice", got.Name)
	}
}

func TestAuthenticateIsIdempotentOnRepeatLogin(t *testing.T) {
	m := NewManager(nil)
	pub := testKey(t)

	first := m.Authenticate("u1", "Alice", "alice@example.com", pub)

	otherPub := testKey(t)
	second := m.Authenticate("u1", "Eve", "eve@example.com", otherPub)

	if !reflect.DeepEqual(second, first) {
		t.Fatalf("second Authenticate returned a different record: %+v vs %+v", second, first)
	}
}

func TestResolveUnknownUser(t *testing.T) {
	m := NewManager(nil)
	if _, ok := m.Resolve("nope"); ok {
		t.Fatal("Resolve returned ok for an id that was never authenticated")
	}
}
