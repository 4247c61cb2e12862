package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func generateKeypair(t *testing.T) PrivateKey {
	t.Helper()
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	sealPub, sealPriv, err := KEMScheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate HPKE key: %v", err)
	}
	sealBytes, err := sealPub.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal HPKE pub: %v", err)
	}
	pub := PublicKey{Sign: signPub, Seal: sealPub, SealBytes: sealBytes}
	return PrivateKey{Sign: signPriv, Seal: sealPriv, Public: pub}
}

func TestContentRoundTrip(t *testing.T) {
	key, err := NewContentKey()
	if err != nil {
		t.Fatalf("NewContentKey: %v", err)
	}
	nonce, ct, err := EncryptContent(key, []byte("hello room"))
	if err != nil {
		t.Fatalf("EncryptContent: %v", err)
	}
	pt, err := DecryptContent(key, nonce, ct)
	if err != nil {
		t.Fatalf("DecryptContent: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello room")) {
		t.Fatalf("got %q want %q", pt, "hello room")
	}
}

func TestDecryptContentRejectsTampering(t *testing.T) {
	key, _ := NewContentKey()
	nonce, ct, _ := EncryptContent(key, []byte("hello"))
	ct[0] ^= 0xff
	if _, err := DecryptContent(key, nonce, ct); err != ErrUnauthenticated {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestSealUnsealForEveryRecipientNotOthers(t *testing.T) {
	alice := generateKeypair(t)
	bob := generateKeypair(t)
	carol := generateKeypair(t)

	key, err := NewContentKey()
	if err != nil {
		t.Fatalf("NewContentKey: %v", err)
	}

	recipients := []PrivateKey{bob, carol}
	var sealed []SealedKeyRef
	for _, r := range recipients {
		wrap, err := SealKeyForRecipient(key, r.Public)
		if err != nil {
			t.Fatalf("SealKeyForRecipient: %v", err)
		}
		sealed = append(sealed, SealedKeyRef{Fingerprint: Fingerprint(r.Public), Wrap: wrap})
	}

	for _, r := range recipients {
		wrap, err := FindWrapForMe(sealed, Fingerprint(r.Public))
		if err != nil {
			t.Fatalf("FindWrapForMe: %v", err)
		}
		got, err := UnsealKeyForRecipient(r, wrap)
		if err != nil {
			t.Fatalf("UnsealKeyForRecipient: %v", err)
		}
		if got != key {
			t.Fatalf("recovered key does not match original")
		}
	}

	if _, err := FindWrapForMe(sealed, Fingerprint(alice.Public)); err != ErrNoKeyForMe {
		t.Fatalf("non-recipient: got %v, want ErrNoKeyForMe", err)
	}
}

func TestHandshakeSignVerify(t *testing.T) {
	peer := generateKeypair(t)
	challenge := []byte("random-challenge-bytes")

	sig := SignHandshake(peer, challenge, "alice")
	if err := VerifyHandshake(peer.Public, challenge, "alice", sig); err != nil {
		t.Fatalf("VerifyHandshake: %v", err)
	}
	if err := VerifyHandshake(peer.Public, challenge, "mallory", sig); err == nil {
		t.Fatal("expected verification failure for wrong claimed id")
	}
	other := generateKeypair(t)
	if err := VerifyHandshake(other.Public, challenge, "alice", sig); err == nil {
		t.Fatal("expected verification failure for wrong public key")
	}
}
