package command

import (
	"errors"
	"io"
	"sync"

	"github.com/1ureka/newtdock/internal/link"
	"github.com/1ureka/newtdock/internal/mnp"
	"github.com/1ureka/newtdock/internal/util"
)

// streamBuffer is the number of transfer payloads the reassembly stream holds
// before the receive worker blocks.
const streamBuffer = 64

// Listener observes whole commands on a link. Callbacks for received
// commands run on the layer's reader goroutine; the others run on the
// engine's workers.
type Listener interface {
	CommandReceived(cmd *Command)
	// CommandSending reports progress after each acknowledged transfer except
	// the last one.
	CommandSending(cmd *Command, sent, total int)
	// CommandSent is called once, when the last transfer of cmd is
	// acknowledged.
	CommandSent(cmd *Command)
	// CommandEOF is called exactly once when no more commands will arrive.
	CommandEOF(err error)
}

// Funcs adapts optional callbacks to a Listener; nil fields are skipped.
type Funcs struct {
	OnReceived func(*Command)
	OnSending  func(cmd *Command, sent, total int)
	OnSent     func(*Command)
	OnEOF      func(error)
}

func (f Funcs) CommandReceived(cmd *Command) {
	if f.OnReceived != nil {
		f.OnReceived(cmd)
	}
}

func (f Funcs) CommandSending(cmd *Command, sent, total int) {
	if f.OnSending != nil {
		f.OnSending(cmd, sent, total)
	}
}

func (f Funcs) CommandSent(cmd *Command) {
	if f.OnSent != nil {
		f.OnSent(cmd)
	}
}

func (f Funcs) CommandEOF(err error) {
	if f.OnEOF != nil {
		f.OnEOF(err)
	}
}

// chunk records where one outgoing transfer ends inside its command.
type chunk struct {
	cmd   *Command
	end   int
	total int
}

// Layer turns commands into transfers on an engine and transfers back into
// commands.
type Layer struct {
	engine *link.Engine
	stream *Stream

	writeMu sync.Mutex // numbering and queueing of one command's transfers

	mu      sync.Mutex
	chunks  map[*mnp.LinkTransfer]chunk
	linkErr error

	listenersMu sync.RWMutex
	listeners   []Listener

	eofOnce sync.Once
	started sync.Once
}

// NewLayer creates a layer on engine and registers it as a packet listener.
// Register command listeners, then call Start before starting the engine.
func NewLayer(engine *link.Engine) *Layer {
	l := &Layer{
		engine: engine,
		stream: NewStream(streamBuffer),
		chunks: make(map[*mnp.LinkTransfer]chunk),
	}
	engine.AddListener(l)
	return l
}

// AddListener registers a command listener.
func (l *Layer) AddListener(ln Listener) {
	l.listenersMu.Lock()
	l.listeners = append(l.listeners, ln)
	l.listenersMu.Unlock()
}

func (l *Layer) each(fn func(Listener)) {
	l.listenersMu.RLock()
	ls := l.listeners
	l.listenersMu.RUnlock()
	for _, ln := range ls {
		fn(ln)
	}
}

// Start launches the goroutine that reads commands from the reassembly
// stream and dispatches them to listeners.
func (l *Layer) Start() {
	l.started.Do(func() { go l.readLoop() })
}

// Close detaches the reader and closes the link.
func (l *Layer) Close() error {
	l.stream.Close()
	return l.engine.Close()
}

// Write splits cmd into transfers no larger than the negotiated size and
// queues them. It returns once every transfer is queued; listeners learn
// about progress as acknowledgements arrive.
func (l *Layer) Write(cmd *Command) error {
	if cmd == nil {
		return nil
	}
	payload := cmd.Bytes()
	size := l.engine.MaxInfoLength()
	total := len(payload)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for off := 0; off < total; off += size {
		end := min(off+size, total)
		lt := l.engine.Factory().Transfer(payload[off:end])

		l.mu.Lock()
		l.chunks[lt] = chunk{cmd: cmd, end: end, total: total}
		l.mu.Unlock()

		if err := l.engine.SendQueued(lt); err != nil {
			l.mu.Lock()
			delete(l.chunks, lt)
			l.mu.Unlock()
			return err
		}
	}
	util.LogDebug("queued %v in %d transfer(s)", cmd, (total+size-1)/size)
	return nil
}

// ---------------------------------------------------------------------------
// link.Listener
// ---------------------------------------------------------------------------

func (l *Layer) PacketReceived(pkt mnp.Packet) {
	switch p := pkt.(type) {
	case *mnp.LinkRequest:
		l.forgetStale()
	case *mnp.LinkTransfer:
		if err := l.stream.Push(p.Data); err != nil {
			l.eof(err)
		}
	}
}

// forgetStale drops the progress records of transfers the renegotiated link
// will never acknowledge.
func (l *Layer) forgetStale() {
	factory := l.engine.Factory()
	l.mu.Lock()
	defer l.mu.Unlock()
	for lt, c := range l.chunks {
		if factory.Stale(lt) {
			util.LogDebug("renegotiation dropped part of %v", c.cmd)
			delete(l.chunks, lt)
		}
	}
}

func (l *Layer) PacketSending(mnp.Packet) {}

func (l *Layer) PacketSent(mnp.Packet) {}

func (l *Layer) PacketAcknowledged(pkt mnp.Packet) {
	lt, ok := pkt.(*mnp.LinkTransfer)
	if !ok {
		return
	}

	l.mu.Lock()
	c, ok := l.chunks[lt]
	delete(l.chunks, lt)
	l.mu.Unlock()
	if !ok {
		return
	}

	if c.end < c.total {
		l.each(func(ln Listener) { ln.CommandSending(c.cmd, c.end, c.total) })
		return
	}
	l.each(func(ln Listener) { ln.CommandSent(c.cmd) })
}

func (l *Layer) PacketEOF(err error) {
	l.mu.Lock()
	l.linkErr = err
	clear(l.chunks)
	l.mu.Unlock()
	l.stream.CloseWrite()
}

// ---------------------------------------------------------------------------
// Reassembly
// ---------------------------------------------------------------------------

func (l *Layer) readLoop() {
	for {
		cmd, err := Read(l.stream)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				l.mu.Lock()
				if l.linkErr != nil || errors.Is(err, io.EOF) {
					err = l.linkErr
				}
				l.mu.Unlock()
			} else if !errors.Is(err, ErrCommandStreamClosed) {
				// The stream is out of step with command boundaries.
				util.LogError("command stream corrupt: %v", err)
				l.engine.Close()
			}
			l.eof(err)
			return
		}
		util.LogDebug("received %v", cmd)
		l.each(func(ln Listener) { ln.CommandReceived(cmd) })
	}
}

func (l *Layer) eof(err error) {
	l.eofOnce.Do(func() {
		l.each(func(ln Listener) { ln.CommandEOF(err) })
	})
}
