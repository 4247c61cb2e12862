// Package wire implements the length-prefixed, kind-tagged binary
// envelope format exchanged between peers and the server.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned for any frame the codec cannot parse.
// The codec is total: it never panics on attacker-controlled input.
var ErrMalformedFrame = errors.New("wire: malformed frame")

const maxFrameLen = 64 << 20 // 64MiB, generous upper bound on a single envelope

// WriteFrame writes a length-prefixed payload: u32(BE len) || payload,
// as a single Write call so message-oriented transports (websocket)
// see exactly one frame per underlying message.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. io.EOF (or
// io.ErrUnexpectedEOF) propagates unchanged so callers can tell a
// clean disconnect from a malformed stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedFrame, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}

func writeBlob(dst []byte, b []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, b...)
	return dst
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) readBlob() ([]byte, error) {
	if len(r.b)-r.pos < 4 {
		return nil, ErrMalformedFrame
	}
	n := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	if n > maxFrameLen || uint64(r.pos)+uint64(n) > uint64(len(r.b)) {
		return nil, ErrMalformedFrame
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) readByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, ErrMalformedFrame
	}
	b := r.b[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readUint64() (uint64, error) {
	if len(r.b)-r.pos < 8 {
		return 0, ErrMalformedFrame
	}
	v := binary.BigEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) atEnd() bool { return r.pos == len(r.b) }
