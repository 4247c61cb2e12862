package transport

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sealedroom/server/internal/wire"
)

func TestPipeReadWrite(t *testing.T) {
	a, b := NewPipe()
	defer a.Dispose()
	defer b.Dispose()

	done := make(chan error, 1)
	go func() {
		done <- wire.WriteFrame(a, []byte("hello"))
	}()

	got, err := wire.ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func TestPipeDisposeFiresOnDisconnectOnce(t *testing.T) {
	a, b := NewPipe()
	defer b.Dispose()

	var mu sync.Mutex
	var fired int
	a.OnDisconnect(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	if err := a.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := a.Dispose(); err != nil {
		t.Fatalf("second Dispose should be a no-op, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("OnDisconnect fired %d times, want 1", fired)
	}
}

func TestPipeRemoteCloseFiresOnDisconnect(t *testing.T) {
	a, b := NewPipe()
	defer a.Dispose()

	disconnected := make(chan struct{})
	a.OnDisconnect(func() { close(disconnected) })

	if err := b.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := a.Read(buf); err != io.EOF && err != io.ErrClosedPipe {
		t.Fatalf("expected EOF-like error after remote close, got %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was not called after remote close")
	}
}

func TestPipeMultipleFrames(t *testing.T) {
	a, b := NewPipe()
	defer a.Dispose()
	defer b.Dispose()

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}

	go func() {
		for _, m := range msgs {
			if err := wire.WriteFrame(a, m); err != nil {
				return
			}
		}
	}()

	for _, want := range msgs {
		got, err := wire.ReadFrame(b)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}
