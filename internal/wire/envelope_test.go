package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{
			Kind: KindRequest, Encrypted: true, ID: 7,
			Origin: "alice", Target: "bob", Method: "echo",
			Recipients: []SealedKey{{Fingerprint: []byte{1, 2, 3}, Wrap: []byte{4, 5}}},
			Nonce:      []byte{9, 9, 9},
			Content:    []byte("ciphertext"),
		},
		{
			Kind: KindBroadcast, Encrypted: true, Origin: "host", Target: "",
			Method: "note",
			Recipients: []SealedKey{
				{Fingerprint: []byte{1}, Wrap: []byte{2}},
				{Fingerprint: []byte{3}, Wrap: []byte{4}},
			},
			Nonce:   []byte{1},
			Content: []byte("x"),
		},
		{
			Kind: KindError, Encrypted: false, Origin: "", Target: "",
			Content: []byte(`{"protocol":"0.0.1"}`),
		},
		{
			Kind: KindResponse, Encrypted: true, ID: 42, Origin: "bob", Target: "alice",
			Content: []byte("resp"),
		},
	}

	for i, orig := range cases {
		data := Encode(orig)
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("case %d: decode failed: %v", i, err)
		}
		if got.Kind != orig.Kind || got.Encrypted != orig.Encrypted || got.ID != orig.ID ||
			got.Origin != orig.Origin || got.Target != orig.Target || got.Method != orig.Method {
			t.Fatalf("case %d: header mismatch: got %+v want %+v", i, got, orig)
		}
		if !bytes.Equal(got.Nonce, orig.Nonce) || !bytes.Equal(got.Content, orig.Content) {
			t.Fatalf("case %d: body mismatch", i)
		}
		if len(got.Recipients) != len(orig.Recipients) {
			t.Fatalf("case %d: recipient count mismatch", i)
		}
		for j := range got.Recipients {
			if !bytes.Equal(got.Recipients[j].Fingerprint, orig.Recipients[j].Fingerprint) ||
				!bytes.Equal(got.Recipients[j].Wrap, orig.Recipients[j].Wrap) {
				t.Fatalf("case %d: recipient %d mismatch", i, j)
			}
		}
	}
}

func TestDecodeMalformedNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{1},
		{1, 0},
		{1, 2, 0, 0, 0, 0, 0, 0, 0, 0}, // bad encrypted flag
		{255, 0, 0, 0, 0, 0, 0, 0, 0},  // unknown kind
		{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff}, // truncated blob length
	}
	for i, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("input %d: Decode panicked: %v", i, r)
				}
			}()
			if _, err := Decode(in); err == nil {
				t.Fatalf("input %d: expected error, got nil", i)
			}
		}()
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}
