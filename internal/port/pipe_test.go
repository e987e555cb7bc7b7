package port

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipeTransfersBytes(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	// Writes must not block even though nobody reads yet.
	for range 100 {
		if _, err := a.Write([]byte("0123456789")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	buf := make([]byte, 1000)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(buf[:10]) != "0123456789" {
		t.Errorf("unexpected data %q", buf[:10])
	}
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	a, b := Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read(make([]byte, 1))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Errorf("got %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}

	if _, err := b.Write([]byte{1}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write after Close: got %v, want io.ErrClosedPipe", err)
	}
}

func TestPipeSendAllowed(t *testing.T) {
	a, _ := Pipe()
	if !a.SendAllowed() {
		t.Fatal("new pipe should allow sending")
	}
	a.SetSendAllowed(false)
	if a.SendAllowed() {
		t.Error("SetSendAllowed(false) had no effect")
	}
}
