package command

import (
	"errors"
	"io"
	"sync"
)

// ErrCommandStreamClosed is returned once the consumer has closed the
// reassembly stream.
var ErrCommandStreamClosed = errors.New("command: stream closed")

// Stream hands reassembled transfer payloads from the link's receive worker
// to a command reader. Push blocks while the channel is full; Read blocks
// until data arrives or either side closes.
type Stream struct {
	ch   chan []byte
	rest []byte // reader side only

	quit     chan struct{} // closed by the consumer
	quitOnce sync.Once
	eof      chan struct{} // closed by the producer
	eofOnce  sync.Once
}

// NewStream creates a stream buffering up to size payloads.
func NewStream(size int) *Stream {
	return &Stream{
		ch:   make(chan []byte, size),
		quit: make(chan struct{}),
		eof:  make(chan struct{}),
	}
}

// Push appends one payload. It fails with ErrCommandStreamClosed once the
// consumer has detached or the producer has signalled end of stream.
func (s *Stream) Push(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	select {
	case <-s.quit:
		return ErrCommandStreamClosed
	case <-s.eof:
		return ErrCommandStreamClosed
	default:
	}

	select {
	case s.ch <- b:
		return nil
	case <-s.quit:
		return ErrCommandStreamClosed
	case <-s.eof:
		return ErrCommandStreamClosed
	}
}

// CloseWrite signals end of stream. Read returns the bytes already pushed,
// then io.EOF.
func (s *Stream) CloseWrite() {
	s.eofOnce.Do(func() { close(s.eof) })
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.rest) == 0 {
		select {
		case b := <-s.ch:
			s.rest = b
		case <-s.quit:
			return 0, ErrCommandStreamClosed
		case <-s.eof:
			select {
			case b := <-s.ch:
				s.rest = b
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

// Close detaches the consumer. Blocked and future Push and Read calls fail
// with ErrCommandStreamClosed.
func (s *Stream) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	return nil
}
