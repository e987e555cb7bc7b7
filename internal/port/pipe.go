package port

import (
	"io"
	"sync"
	"sync/atomic"
)

// MemPort is one end of an in-memory link created by Pipe. Writes never
// block, like a serial line with a generous driver buffer.
type MemPort struct {
	name    string
	in      *pipeBuffer
	out     *pipeBuffer
	allowed atomic.Bool
}

// Pipe returns two connected in-memory ports. Bytes written to one are read
// from the other. Closing either end closes both.
func Pipe() (*MemPort, *MemPort) {
	ab, ba := newPipeBuffer(), newPipeBuffer()
	a := &MemPort{name: "pipe:a", in: ba, out: ab}
	b := &MemPort{name: "pipe:b", in: ab, out: ba}
	a.allowed.Store(true)
	b.allowed.Store(true)
	return a, b
}

func (p *MemPort) Name() string { return p.name }

func (p *MemPort) Read(b []byte) (int, error) { return p.in.read(b) }

func (p *MemPort) Write(b []byte) (int, error) { return p.out.write(b) }

// Close closes both directions. Pending and future reads on either end
// return io.EOF once the buffered bytes are consumed.
func (p *MemPort) Close() error {
	p.in.close()
	p.out.close()
	return nil
}

// SendAllowed reports the flag set by SetSendAllowed; it starts out true.
func (p *MemPort) SendAllowed() bool { return p.allowed.Load() }

// SetSendAllowed simulates the far end asserting or dropping flow control.
func (p *MemPort) SetSendAllowed(v bool) { p.allowed.Store(v) }

// ---------------------------------------------------------------------------
// pipeBuffer is an unbounded byte queue with a blocking read side.
// ---------------------------------------------------------------------------

type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *pipeBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
