// Package dock runs the desktop side of a Newton docking session: the
// handshake state machine and the session that wires it to a link.
package dock

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/newtdock/internal/command"
	"github.com/1ureka/newtdock/internal/link"
	"github.com/1ureka/newtdock/internal/mnp"
	"github.com/1ureka/newtdock/internal/util"
)

// eventBufferSize is the capacity of the session's event channel.
const eventBufferSize = 64

type eventKind int

const (
	evLinkRequest eventKind = iota
	evLinkAck
	evCommand
	evSent
	evDisconnect
	evEOF
)

type event struct {
	kind eventKind
	cmd  *command.Command
	err  error
}

// Session docks one Newton over one port. All handshake decisions happen on
// a single event-loop goroutine fed by the link and command listeners.
type Session struct {
	id      uint32
	engine  *link.Engine
	layer   *command.Layer
	machine *Machine

	events    chan event
	ready     chan struct{}
	readyOnce sync.Once
	info      NewtonInfo // copied before ready is closed
	done      chan struct{}
	err       error // owned by the loop until done is closed

	listenersMu sync.RWMutex
	listeners   []command.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
}

// NewSession builds the engine, command layer and machine for port.
func NewSession(ctx context.Context, p link.Port, linkCfg link.Config, cfg Config) (*Session, error) {
	sCtx, sCancel := context.WithCancel(ctx)
	engine := link.New(sCtx, p, linkCfg)

	s := &Session{
		id:     util.LinkID(linkCfg.Name),
		engine: engine,
		layer:  command.NewLayer(engine),
		events: make(chan event, eventBufferSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    sCtx,
		cancel: sCancel,
	}

	m, err := NewMachine(machineConn{s}, cfg)
	if err != nil {
		sCancel()
		return nil, err
	}
	m.OnCommand(s.deliver)
	s.machine = m

	engine.AddListener(link.Funcs{
		OnReceived: func(pkt mnp.Packet) {
			if pkt.Kind() == mnp.KindLR {
				s.post(event{kind: evLinkRequest})
			}
		},
		OnAcknowledged: func(pkt mnp.Packet) {
			if pkt.Kind() == mnp.KindLR {
				s.post(event{kind: evLinkAck})
			}
		},
	})
	s.layer.AddListener(command.Funcs{
		OnReceived: func(cmd *command.Command) { s.post(event{kind: evCommand, cmd: cmd}) },
		OnSending: func(cmd *command.Command, sent, total int) {
			if s.machine.State() == StateDone {
				s.each(func(l command.Listener) { l.CommandSending(cmd, sent, total) })
			}
		},
		OnSent: func(cmd *command.Command) { s.post(event{kind: evSent, cmd: cmd}) },
		OnEOF:  func(err error) { s.post(event{kind: evEOF, err: err}) },
	})

	return s, nil
}

// machineConn is the Conn the machine drives.
type machineConn struct{ s *Session }

func (c machineConn) RequestLink() error { return c.s.engine.RequestLink() }
func (c machineConn) Write(cmd *command.Command) error { return c.s.layer.Write(cmd) }
func (c machineConn) Close() error { return c.s.engine.Disconnect(0xFF) }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the link workers, the command reader and the event loop.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.layer.Start()
		s.engine.Start()
		go s.run()
		util.LogInfo("[%08x] waiting for a Newton to dock", s.id)
	})
}

// Ready returns a channel that is closed once the handshake reaches DONE.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done returns a channel that is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns why: nil after a clean
// disconnect or Close, otherwise the error that ended the handshake or link.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// State returns the handshake state.
func (s *Session) State() State { return s.machine.State() }

// Info returns the docked Newton's identity. It is complete once Ready is
// closed.
func (s *Session) Info() *NewtonInfo {
	select {
	case <-s.ready:
		info := s.info
		return &info
	default:
		return nil
	}
}

// Disconnect asks the event loop to end the session gracefully.
func (s *Session) Disconnect() {
	s.post(event{kind: evDisconnect})
}

// Close tears the session down without a disc exchange.
func (s *Session) Close() error {
	s.cancel()
	return s.layer.Close()
}

// ---------------------------------------------------------------------------
// Application
// ---------------------------------------------------------------------------

// AddListener registers an application listener for commands exchanged
// after the handshake.
func (s *Session) AddListener(l command.Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Session) each(fn func(command.Listener)) {
	s.listenersMu.RLock()
	ls := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

// Write sends an application command. It fails with ErrNotDocked until the
// handshake is done.
func (s *Session) Write(cmd *command.Command) error {
	if s.machine.State() != StateDone {
		return ErrNotDocked
	}
	return s.layer.Write(cmd)
}

func (s *Session) deliver(cmd *command.Command) {
	s.each(func(l command.Listener) { l.CommandReceived(cmd) })
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer s.finish()
	for {
		select {
		case ev := <-s.events:
			if s.handle(ev) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// handle applies one event and reports whether the session is over.
func (s *Session) handle(ev event) bool {
	var err error
	switch ev.kind {
	case evLinkRequest:
		err = s.machine.LinkRequested()
	case evLinkAck:
		err = s.machine.LinkAcknowledged()
	case evCommand:
		err = s.machine.CommandReceived(ev.cmd)
	case evSent:
		err = s.machine.CommandSent(ev.cmd)
		if s.machine.State() == StateDone && !isHandshakeCommand(ev.cmd.ID) {
			s.each(func(l command.Listener) { l.CommandSent(ev.cmd) })
		}
	case evDisconnect:
		err = s.machine.Disconnect()
	case evEOF:
		// A closed stream means we detached ourselves.
		if s.err == nil && ev.err != nil && !errors.Is(ev.err, command.ErrCommandStreamClosed) {
			s.err = ev.err
		}
		return true
	}

	if err != nil {
		s.fail(err)
	}
	if s.machine.State() == StateDone {
		s.readyOnce.Do(func() {
			if info := s.machine.Info(); info != nil {
				s.info = *info
			}
			close(s.ready)
			util.LogSuccess("[%08x] docked with %q", s.id, s.info.Name)
		})
	}
	return false
}

// fail records err. A password mismatch leaves the handshake running until
// the attempts run out; any other error ends it with a disc.
func (s *Session) fail(err error) {
	var mismatch *PasswordMismatchError
	if errors.As(err, &mismatch) {
		util.LogWarning("[%08x] %v", s.id, err)
		if mismatch.Attempt >= mismatch.Max {
			s.err = err
		}
		return
	}

	s.err = err
	util.LogError("[%08x] handshake failed: %v", s.id, err)
	if derr := s.machine.Disconnect(); derr != nil {
		s.engine.Close()
	}
}

func (s *Session) finish() {
	s.cancel()
	s.layer.Close()
	s.machine.LinkClosed()
	close(s.done)
	s.each(func(l command.Listener) { l.CommandEOF(s.err) })
}

func isHandshakeCommand(id string) bool {
	switch id {
	case CmdInitiateDocking, CmdDesktopInfo, CmdWhichIcons, CmdSetTimeout, CmdPassword, CmdResult, CmdDisconnect:
		return true
	}
	return false
}
