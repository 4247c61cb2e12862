package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind discriminates the six envelope variants on the wire, matching
// the numbering the spec assigns them.
type Kind byte

const (
	KindRequest       Kind = 1
	KindResponse      Kind = 2
	KindResponseError Kind = 3
	KindNotification  Kind = 4
	KindBroadcast     Kind = 5
	KindError         Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindResponseError:
		return "ResponseError"
	case KindNotification:
		return "Notification"
	case KindBroadcast:
		return "Broadcast"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// SealedKey is one recipient's wrapped copy of a message's symmetric
// content key, indexed by that recipient's public-key fingerprint.
type SealedKey struct {
	Fingerprint []byte
	Wrap        []byte
}

// Envelope is the decoded form of one wire frame. Origin and Target
// are peer ids; Origin is empty only on the pre-handshake cleartext
// control message. Target carries routing information for every kind
// (including Response/ResponseError, which the relay needs in order
// to forward a reply to its originator without keeping per-id state).
type Envelope struct {
	Kind       Kind
	Encrypted  bool
	ID         uint64
	Origin     string
	Target     string
	Method     string
	Recipients []SealedKey
	Nonce      []byte
	Content    []byte
}

// Encode serializes an envelope to its wire payload (without the
// 4-byte frame length prefix; pair with WriteFrame).
func Encode(e Envelope) []byte {
	buf := make([]byte, 0, 64+len(e.Content))
	buf = append(buf, byte(e.Kind))
	if e.Encrypted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], e.ID)
	buf = append(buf, idBytes[:]...)
	buf = writeBlob(buf, []byte(e.Origin))
	buf = writeBlob(buf, []byte(e.Target))
	buf = writeBlob(buf, []byte(e.Method))

	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(e.Recipients)))
	buf = append(buf, countBytes[:]...)
	for _, sk := range e.Recipients {
		buf = writeBlob(buf, sk.Fingerprint)
		buf = writeBlob(buf, sk.Wrap)
	}

	buf = writeBlob(buf, e.Nonce)
	buf = writeBlob(buf, e.Content)
	return buf
}

// Decode parses a wire payload into an Envelope. It never panics;
// any structural problem yields ErrMalformedFrame.
func Decode(payload []byte) (Envelope, error) {
	r := &byteReader{b: payload}

	kindByte, err := r.readByte()
	if err != nil {
		return Envelope{}, err
	}
	kind := Kind(kindByte)
	switch kind {
	case KindRequest, KindResponse, KindResponseError, KindNotification, KindBroadcast, KindError:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, kindByte)
	}

	encByte, err := r.readByte()
	if err != nil {
		return Envelope{}, err
	}
	if encByte > 1 {
		return Envelope{}, fmt.Errorf("%w: bad encrypted flag", ErrMalformedFrame)
	}

	id, err := r.readUint64()
	if err != nil {
		return Envelope{}, err
	}

	originB, err := r.readBlob()
	if err != nil {
		return Envelope{}, err
	}
	targetB, err := r.readBlob()
	if err != nil {
		return Envelope{}, err
	}
	methodB, err := r.readBlob()
	if err != nil {
		return Envelope{}, err
	}

	count, err := r.readUint32()
	if err != nil {
		return Envelope{}, err
	}
	if count > 1<<16 {
		return Envelope{}, fmt.Errorf("%w: implausible recipient count %d", ErrMalformedFrame, count)
	}
	recipients := make([]SealedKey, 0, count)
	for i := uint32(0); i < count; i++ {
		fp, err := r.readBlob()
		if err != nil {
			return Envelope{}, err
		}
		wrap, err := r.readBlob()
		if err != nil {
			return Envelope{}, err
		}
		recipients = append(recipients, SealedKey{Fingerprint: clone(fp), Wrap: clone(wrap)})
	}

	nonce, err := r.readBlob()
	if err != nil {
		return Envelope{}, err
	}
	content, err := r.readBlob()
	if err != nil {
		return Envelope{}, err
	}
	if !r.atEnd() {
		return Envelope{}, fmt.Errorf("%w: trailing bytes", ErrMalformedFrame)
	}

	return Envelope{
		Kind:       kind,
		Encrypted:  encByte == 1,
		ID:         id,
		Origin:     string(originB),
		Target:     string(targetB),
		Method:     string(methodB),
		Recipients: recipients,
		Nonce:      clone(nonce),
		Content:    clone(content),
	}, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *byteReader) readUint32() (uint32, error) {
	if len(r.b)-r.pos < 4 {
		return 0, ErrMalformedFrame
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}
