package crypto

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
)

// SignHandshake signs a connection's handshake challenge together
// with the claimed peer id and public keys, proving control of Sign
// without a round trip through the symmetric scheme. Mirrors the
// teacher's hello.go helloSignInput/verifySignedHello, generalized
// from a fixed 1-byte keyID to the full public key encoding.
func SignHandshake(priv PrivateKey, challenge []byte, claimedID string) []byte {
	return ed25519.Sign(priv.Sign, handshakeSignInput(challenge, claimedID, priv.Public))
}

// VerifyHandshake checks a handshake signature produced by SignHandshake.
func VerifyHandshake(pub PublicKey, challenge []byte, claimedID string, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("crypto: bad signature length %d", len(sig))
	}
	if !ed25519.Verify(pub.Sign, handshakeSignInput(challenge, claimedID, pub), sig) {
		return fmt.Errorf("crypto: handshake signature invalid for %q", claimedID)
	}
	return nil
}

func handshakeSignInput(challenge []byte, claimedID string, pub PublicKey) []byte {
	var b bytes.Buffer
	b.Write(challenge)
	b.WriteString(claimedID)
	b.WriteByte(0)
	b.Write(pub.Sign)
	b.Write(pub.SealBytes)
	return b.Bytes()
}
