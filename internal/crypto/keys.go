// Package crypto implements the hybrid per-message encryption scheme
// described in spec section 4.2: one symmetric content key per
// message, sealed once per recipient under that recipient's public
// key, plus Ed25519 signing for handshake origin proofs.
//
// Key types and fingerprinting are grounded on the teacher's
// derivation.go and hello.go, generalized from a single pinned
// three-peer table to an arbitrary recipient set. The seal/unseal of
// the content key itself (seal.go) is grounded on conn-pool.go/
// pool.go/server.go's use of github.com/openpcc/twoway.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// Suite is the HPKE configuration shared by every peer and the
// server. X25519/HKDF-SHA256/AES-128-GCM, same as the teacher's
// main.go wiring of circl/hpke.
var Suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)

// KEMScheme is the key-encapsulation scheme backing Suite, used for
// key derivation and (un)marshaling of public keys.
var KEMScheme = hpke.KEM_X25519_HKDF_SHA256.Scheme()

var (
	ErrUnauthenticated = errors.New("crypto: message authentication failed")
	ErrNoKeyForMe      = errors.New("crypto: no sealed key copy for this recipient")
	ErrBadKey          = errors.New("crypto: unwrapped key is malformed")
)

// PublicKey is a peer's durable identity: an Ed25519 key for signing
// handshake proofs and an HPKE/X25519 key for content-key sealing.
type PublicKey struct {
	Sign      ed25519.PublicKey
	Seal      kem.PublicKey
	SealBytes []byte // Seal.MarshalBinary(), cached for fingerprinting and wire transport
}

// PrivateKey is the corresponding private material for one peer.
type PrivateKey struct {
	Sign   ed25519.PrivateKey
	Seal   kem.PrivateKey
	Public PublicKey
}

// Fingerprint identifies a public key for cache and routing purposes.
// It is the SHA-256 digest of the marshaled HPKE public key, matching
// the teacher's derivation.go use of sha256 over the HPKE pubkey bytes
// (there only truncated to a 1-byte keyID; we keep the full digest so
// distinct peers never collide).
func Fingerprint(pub PublicKey) []byte {
	sum := sha256.Sum256(pub.SealBytes)
	return sum[:]
}

// DecodePublicKey reconstructs a PublicKey from its wire-transmitted
// parts (as carried in the /api/login body and in the room membership
// payloads).
func DecodePublicKey(signPub, sealPubBytes []byte) (PublicKey, error) {
	if len(signPub) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("crypto: bad ed25519 public key size %d", len(signPub))
	}
	sealPub, err := KEMScheme.UnmarshalBinaryPublicKey(sealPubBytes)
	if err != nil {
		return PublicKey{}, fmt.Errorf("crypto: unmarshal HPKE public key: %w", err)
	}
	return PublicKey{
		Sign:      ed25519.PublicKey(signPub),
		Seal:      sealPub,
		SealBytes: append([]byte(nil), sealPubBytes...),
	}, nil
}
