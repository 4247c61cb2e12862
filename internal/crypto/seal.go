package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openpcc/twoway"
	"golang.org/x/crypto/chacha20poly1305"
)

// wrapKeyID is the twoway receiver slot a MultiRequestReceiver binds
// to (the teacher's demo pins one per console peer so several local
// identities can share one listener). Every Connection here holds
// exactly one receiver, and a wrap is already routed to the right
// peer by the Fingerprint carried alongside it on the wire, so the
// slot id itself carries no meaning in this repo.
const wrapKeyID byte = 0

// keyWrapMediaType tags the sealed payload as a content-key wrap, the
// same way the teacher tags its request/response bodies with a media
// type string (conn-pool.go's reqMediaType/respMediaType).
var keyWrapMediaType = []byte("application/x-sealedroom-content-key")

// ContentKey is the per-message symmetric key K from spec section
// 4.2. A sender may reuse one ContentKey across several consecutive
// messages; rotation cadence is the sender's choice (spec Open
// Question, left unresolved here — see DESIGN.md).
type ContentKey struct {
	raw [chacha20poly1305.KeySize]byte
}

// NewContentKey generates a fresh random content key.
func NewContentKey() (ContentKey, error) {
	var k ContentKey
	if _, err := io.ReadFull(rand.Reader, k.raw[:]); err != nil {
		return ContentKey{}, fmt.Errorf("crypto: generate content key: %w", err)
	}
	return k, nil
}

// EncryptContent authenticate-encrypts plaintext once under K. The
// returned nonce must travel with the ciphertext on the wire.
func EncryptContent(key ContentKey, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key.raw[:])
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: build AEAD: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// DecryptContent reverses EncryptContent, failing with
// ErrUnauthenticated on any tampering.
func DecryptContent(key ContentKey, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.raw[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: build AEAD: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return pt, nil
}

// SealKeyForRecipient wraps K under one recipient's HPKE public key
// ("seal" in the glossary), built on twoway.MultiRequestSender the
// same way the teacher's conn-pool.go/pool.go build one request
// ciphertext and then encapsulate it per recipient: NewRequestSealer
// seals K once, EncapsulateKey wraps that same sealed K for
// recipient. Calling EncapsulateKey again on the same sealer for a
// second recipient reuses the one sealed blob — the "one encryption,
// N wraps" scheme of spec section 4.2. The wrap blob is
// self-contained: the HPKE encapsulated key followed by the sealed
// content key, so UnsealKeyForRecipient needs only the recipient's
// private key and this one byte string.
func SealKeyForRecipient(key ContentKey, recipient PublicKey) ([]byte, error) {
	sender := twoway.NewMultiRequestSender(Suite, rand.Reader)
	sealer, err := sender.NewRequestSealer(bytes.NewReader(key.raw[:]), keyWrapMediaType)
	if err != nil {
		return nil, fmt.Errorf("crypto: new request sealer: %w", err)
	}
	ct, err := io.ReadAll(sealer)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal content key: %w", err)
	}
	enc, _, err := sealer.EncapsulateKey(wrapKeyID, recipient.Seal)
	if err != nil {
		return nil, fmt.Errorf("crypto: encapsulate content key: %w", err)
	}

	wrap := make([]byte, 2+len(enc)+len(ct))
	binary.BigEndian.PutUint16(wrap[:2], uint16(len(enc)))
	copy(wrap[2:], enc)
	copy(wrap[2+len(enc):], ct)
	return wrap, nil
}

// UnsealKeyForRecipient reverses SealKeyForRecipient using the
// recipient's private HPKE key, the receiving half of
// twoway.MultiRequestReceiver mirrored from the teacher's server.go.
func UnsealKeyForRecipient(priv PrivateKey, wrap []byte) (ContentKey, error) {
	if len(wrap) < 2 {
		return ContentKey{}, ErrBadKey
	}
	encLen := int(binary.BigEndian.Uint16(wrap[:2]))
	if encLen < 0 || 2+encLen > len(wrap) {
		return ContentKey{}, ErrBadKey
	}
	enc := wrap[2 : 2+encLen]
	ct := wrap[2+encLen:]

	receiver, err := twoway.NewMultiRequestReceiver(Suite, wrapKeyID, priv.Seal, rand.Reader)
	if err != nil {
		return ContentKey{}, fmt.Errorf("crypto: new request receiver: %w", err)
	}
	opener, err := receiver.NewRequestOpener(enc, bytes.NewReader(ct), keyWrapMediaType)
	if err != nil {
		return ContentKey{}, ErrBadKey
	}
	pt, err := io.ReadAll(opener)
	if err != nil {
		return ContentKey{}, ErrUnauthenticated
	}
	if len(pt) != chacha20poly1305.KeySize {
		return ContentKey{}, ErrBadKey
	}
	var k ContentKey
	copy(k.raw[:], pt)
	return k, nil
}

// FindWrapForMe scans sealed key copies for the one matching myFingerprint.
func FindWrapForMe(recipients []SealedKeyRef, myFingerprint []byte) ([]byte, error) {
	for _, r := range recipients {
		if bytes.Equal(r.Fingerprint, myFingerprint) {
			return r.Wrap, nil
		}
	}
	return nil, ErrNoKeyForMe
}

// SealedKeyRef mirrors wire.SealedKey without importing the wire
// package here, keeping crypto free of wire-format concerns.
type SealedKeyRef struct {
	Fingerprint []byte
	Wrap        []byte
}
