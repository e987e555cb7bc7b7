package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/newtdock/internal/link"
	"github.com/1ureka/newtdock/internal/mnp"
	"github.com/1ureka/newtdock/internal/port"
)

// progress records command listener callbacks in order.
type progress struct {
	mu       sync.Mutex
	events   []string
	sending  [][2]int
	received []*Command
	sentCh   chan *Command
	recvCh   chan *Command
	eofCh    chan error
}

func newProgress() *progress {
	return &progress{
		sentCh: make(chan *Command, 4),
		recvCh: make(chan *Command, 4),
		eofCh:  make(chan error, 4),
	}
}

func (p *progress) CommandReceived(cmd *Command) {
	p.mu.Lock()
	p.received = append(p.received, cmd)
	p.mu.Unlock()
	p.recvCh <- cmd
}

func (p *progress) CommandSending(_ *Command, sent, total int) {
	p.mu.Lock()
	p.events = append(p.events, "sending")
	p.sending = append(p.sending, [2]int{sent, total})
	p.mu.Unlock()
}

func (p *progress) CommandSent(cmd *Command) {
	p.mu.Lock()
	p.events = append(p.events, "sent")
	p.mu.Unlock()
	p.sentCh <- cmd
}

func (p *progress) CommandEOF(err error) { p.eofCh <- err }

// startLayer builds a started engine and layer on one end of a pipe and
// returns the other end.
func startLayer(t *testing.T) (*Layer, *progress, *port.MemPort) {
	t.Helper()
	a, b := port.Pipe()
	e := link.New(context.Background(), a, link.Config{Name: t.Name(), AckTimeout: time.Second})
	l := NewLayer(e)
	p := newProgress()
	l.AddListener(p)
	l.Start()
	e.Start()
	t.Cleanup(func() { l.Close() })
	return l, p, b
}

func TestWriteMultiChunkCommand(t *testing.T) {
	l, p, peer := startLayer(t)

	// 16-byte header + 584 octets = 600 octets on the link.
	cmd := New("dinf", bytes.Repeat([]byte{0x5A}, 584))
	if err := l.Write(cmd); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := bufio.NewReader(peer)
	var sizes []int
	var reassembled []byte
	for len(sizes) < 3 {
		payload, err := mnp.ReadFrame(r)
		if err != nil {
			t.Fatalf("peer ReadFrame failed: %v", err)
		}
		pkt, err := mnp.Decode(payload)
		if err != nil {
			t.Fatalf("peer Decode failed: %v", err)
		}
		lt, ok := pkt.(*mnp.LinkTransfer)
		if !ok {
			continue
		}
		sizes = append(sizes, len(lt.Data))
		reassembled = append(reassembled, lt.Data...)
		mnp.WriteFrame(peer, mnp.Encode(&mnp.LinkAck{Seq: lt.Seq, Credit: 8}))
	}

	if want := []int{256, 256, 88}; sizes[0] != want[0] || sizes[1] != want[1] || sizes[2] != want[2] {
		t.Errorf("transfer sizes: got %v, want %v", sizes, want)
	}
	if !bytes.Equal(reassembled, cmd.Bytes()) {
		t.Error("transfers do not reassemble into the command")
	}

	select {
	case got := <-p.sentCh:
		if got != cmd {
			t.Errorf("CommandSent for %v, want %v", got, cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("CommandSent not fired")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) != 3 || p.events[0] != "sending" || p.events[1] != "sending" || p.events[2] != "sent" {
		t.Fatalf("events: got %v, want [sending sending sent]", p.events)
	}
	if p.sending[0] != [2]int{256, 600} || p.sending[1] != [2]int{512, 600} {
		t.Errorf("progress: got %v, want [[256 600] [512 600]]", p.sending)
	}
}

func TestRenegotiationDropsUnacknowledgedCommand(t *testing.T) {
	l, p, peer := startLayer(t)

	old := New("dinf", bytes.Repeat([]byte{0x5A}, 584))
	if err := l.Write(old); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := bufio.NewReader(peer)
	readTransfer := func() *mnp.LinkTransfer {
		t.Helper()
		for {
			payload, err := mnp.ReadFrame(r)
			if err != nil {
				t.Fatalf("peer ReadFrame failed: %v", err)
			}
			pkt, err := mnp.Decode(payload)
			if err != nil {
				t.Fatalf("peer Decode failed: %v", err)
			}
			if lt, ok := pkt.(*mnp.LinkTransfer); ok {
				return lt
			}
		}
	}

	readTransfer() // never acknowledged
	mnp.WriteFrame(peer, mnp.Encode(&mnp.LinkRequest{FramingMode: 2, MaxOutstanding: 1, MaxInfoLength: 256, DataPhaseOptions: 3}))

	deadline := time.Now().Add(time.Second)
	for l.engine.Factory().Sequence() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("peer LR was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fresh := New("helo", nil)
	if err := l.Write(fresh); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	lt := readTransfer()
	if lt.Seq != 1 || !bytes.Equal(lt.Data, fresh.Bytes()) {
		t.Fatalf("after renegotiation: got LT seq %d % X, want the new command as seq 1", lt.Seq, lt.Data)
	}
	mnp.WriteFrame(peer, mnp.Encode(&mnp.LinkAck{Seq: 1, Credit: 8}))

	select {
	case got := <-p.sentCh:
		if got != fresh {
			t.Fatalf("CommandSent for %v, want %v", got, fresh)
		}
	case <-time.After(time.Second):
		t.Fatal("CommandSent not fired")
	}

	p.mu.Lock()
	events := append([]string(nil), p.events...)
	p.mu.Unlock()
	if len(events) != 1 {
		t.Errorf("events: got %v, want [sent]", events)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.chunks) != 0 {
		t.Errorf("%d progress records left after renegotiation", len(l.chunks))
	}
}

func TestReassembleIncomingCommands(t *testing.T) {
	_, p, peer := startLayer(t)

	first := New("rtdk", []byte{0, 0, 0, 10})
	second := New("name", bytes.Repeat([]byte{'n'}, 41))

	// Split across transfers without regard to command boundaries.
	wire := append(first.Bytes(), second.Bytes()...)
	cuts := []int{0, 5, 30, 31, len(wire)}
	for i := 1; i < len(cuts); i++ {
		lt := &mnp.LinkTransfer{Seq: uint8(i), Data: wire[cuts[i-1]:cuts[i]]}
		mnp.WriteFrame(peer, mnp.Encode(lt))
	}

	for _, want := range []*Command{first, second} {
		select {
		case got := <-p.recvCh:
			if got.ID != want.ID || !bytes.Equal(got.Data, want.Data) {
				t.Errorf("got %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("command %s not received", want.ID)
		}
	}
}

func TestLinkCloseEndsCommands(t *testing.T) {
	l, p, _ := startLayer(t)

	l.engine.Close()
	select {
	case err := <-p.eofCh:
		if err != nil {
			t.Errorf("CommandEOF: got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CommandEOF not fired")
	}

	if err := l.Write(New("disc", nil)); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Write after close: got %v, want link.ErrClosed", err)
	}
}

func TestPeerDisconnectEndsCommands(t *testing.T) {
	_, p, peer := startLayer(t)

	mnp.WriteFrame(peer, mnp.Encode(&mnp.LinkDisconnect{Reason: 1}))
	select {
	case err := <-p.eofCh:
		if !errors.Is(err, link.ErrPeerDisconnected) {
			t.Errorf("CommandEOF: got %v, want link.ErrPeerDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CommandEOF not fired")
	}
}

func TestConsumerCloseReportsStreamClosed(t *testing.T) {
	l, p, _ := startLayer(t)

	l.stream.Close()
	select {
	case err := <-p.eofCh:
		if !errors.Is(err, ErrCommandStreamClosed) {
			t.Errorf("CommandEOF: got %v, want ErrCommandStreamClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CommandEOF not fired")
	}

	select {
	case err := <-p.eofCh:
		t.Errorf("CommandEOF fired twice, second with %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
