// Package identity is a reference implementation of the "key-pair
// store" spec.md treats as an external collaborator: deterministic
// derivation of a peer's signing and sealing keys from a 32-byte
// seed, plus the libp2p transport identity derived from the same
// material. Production deployments may swap this for a real key
// vault; tests and the demo CLI use it directly.
//
// Adapted from the teacher's internal/identity/seed.go, generalized
// to derive crypto.PrivateKey directly instead of raw circl types and
// dropping the single-byte KeyID in favor of crypto.Fingerprint.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/sealedroom/server/internal/crypto"
)

const SeedSize = 32

// GenerateSeed creates a new 32-byte random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generate seed: %w", err)
	}
	return seed, nil
}

// SaveSeed writes a seed to file with 0600 permissions.
func SaveSeed(path string, seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("identity: invalid seed size: %d", len(seed))
	}
	return os.WriteFile(path, seed, 0600)
}

// LoadSeed reads a seed from file.
func LoadSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: load seed: %w", err)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("identity: invalid seed size: %d", len(seed))
	}
	return seed, nil
}

// Identity bundles the RPC keypair (crypto.PrivateKey) with the
// libp2p transport identity derived from the same seed, so a peer
// presents one consistent PeerID regardless of which Transport it
// dials with.
type Identity struct {
	Keys       crypto.PrivateKey
	Libp2pPriv libp2pcrypto.PrivKey
	Libp2pPub  libp2pcrypto.PubKey
	PeerID     peer.ID
}

// DeriveIdentity derives all cryptographic material from a seed.
// Deterministic: the same seed always yields the same PeerID and keys.
func DeriveIdentity(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("identity: invalid seed size: %d", len(seed))
	}

	signPriv := ed25519.NewKeyFromSeed(seed)
	signPub := signPriv.Public().(ed25519.PublicKey)

	sealPub, sealPriv := crypto.KEMScheme.DeriveKeyPair(seed)
	sealBytes, err := sealPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("identity: marshal HPKE public key: %w", err)
	}

	keys := crypto.PrivateKey{
		Sign: signPriv,
		Seal: sealPriv,
		Public: crypto.PublicKey{
			Sign:      signPub,
			Seal:      sealPub,
			SealBytes: sealBytes,
		},
	}

	libp2pPriv, libp2pPub, err := libp2pcrypto.KeyPairFromStdKey(&signPriv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive libp2p key: %w", err)
	}
	peerID, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}

	return &Identity{
		Keys:       keys,
		Libp2pPriv: libp2pPriv,
		Libp2pPub:  libp2pPub,
		PeerID:     peerID,
	}, nil
}
