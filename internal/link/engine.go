// Package link implements the MNP packet transport engine: a send worker
// that transmits queued packets and retries them until acknowledged, and a
// receive worker that decodes frames, filters transfers by sequence and
// answers them.
package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/newtdock/internal/mnp"
	"github.com/1ureka/newtdock/internal/util"
	"golang.org/x/sync/errgroup"
)

// Port is the byte transport under a link.
type Port interface {
	io.ReadWriteCloser
	// SendAllowed reports whether the far end currently accepts data, for
	// example the CTS line of a serial port.
	SendAllowed() bool
}

// Config tunes one engine. Zero fields take the defaults of DefaultConfig.
type Config struct {
	Name         string        // port name; tags log lines
	AckTimeout   time.Duration // wait per send attempt
	Retries      int           // send attempts per packet before TimeoutError
	QueueSize    int           // capacity of the send queue
	Credit       uint8         // receive window advertised in our LAs
	PollInterval time.Duration // SendAllowed re-check while waiting for an ack
	Params       mnp.Params    // parameters offered in our LR
}

// DefaultConfig returns 5 attempts of 3 seconds each.
func DefaultConfig() Config {
	return Config{
		AckTimeout:   3 * time.Second,
		Retries:      5,
		QueueSize:    64,
		Credit:       8,
		PollInterval: 100 * time.Millisecond,
		Params:       mnp.DefaultParams(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Credit == 0 {
		c.Credit = d.Credit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Params.MaxInfoLength == 0 {
		c.Params = d.Params
	}
	return c
}

// Engine runs one MNP link over a Port.
//
// Its lifecycle is governed by the context passed at construction, the
// port, and Close. Whatever ends the link first, listeners observe exactly
// one PacketEOF.
type Engine struct {
	id      uint32
	cfg     Config
	port    Port
	factory *mnp.Factory

	listenersMu sync.RWMutex
	listeners   []Listener

	sender  *sender
	writeMu sync.Mutex // one frame on the wire at a time

	// Acknowledgement state, written by the receive worker and read by the
	// send worker. ackSignal wakes a waiting sender when it changes.
	ackMu     sync.Mutex
	lastAck   uint8 // highest transfer sequence acknowledged; never moves back
	lrPending bool  // an LR is outstanding, so LA seq 0 acknowledges it
	lrAcked   bool
	ackSignal chan struct{}

	peerMu     sync.RWMutex
	peerParams *mnp.Params

	filter seqFilter // receive worker only

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// New creates an engine over port. Register listeners, then call Start.
func New(ctx context.Context, port Port, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	eCtx, eCancel := context.WithCancel(ctx)
	e := &Engine{
		id:        util.LinkID(cfg.Name),
		cfg:       cfg,
		port:      port,
		factory:   mnp.NewFactory(cfg.Params),
		ackSignal: make(chan struct{}, 1),
		ctx:       eCtx,
		cancel:    eCancel,
		done:      make(chan struct{}),
	}
	e.sender = newSender(cfg.QueueSize)
	return e
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the receive and send workers. It is a no-op on a started or
// closed engine.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	g, gCtx := errgroup.WithContext(e.ctx)
	g.Go(func() error { return e.fatal(e.receiveLoop(gCtx)) })
	g.Go(func() error { return e.fatal(e.sender.loop(gCtx, e)) })
	g.Go(func() error {
		// Parent cancellation or Close: make sure the port read unblocks.
		<-gCtx.Done()
		e.shutdown(nil)
		return nil
	})

	go func() {
		g.Wait()
		close(e.done)
	}()

	util.LogDebug("[%08x] link started on %s", e.id, e.cfg.Name)
}

// fatal closes the link with err, if any, and passes it on.
func (e *Engine) fatal(err error) error {
	if err != nil {
		e.shutdown(err)
	}
	return err
}

// Done returns a channel that is closed once both workers have exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the link is closed and returns the error that ended it,
// or nil for a local Close.
func (e *Engine) Wait() error {
	<-e.done
	return e.err
}

// Close tears the link down: it stops the send worker, fails any pending
// acknowledgement wait, discards the queue, closes the port and notifies
// PacketEOF(nil). Calling Close again is a no-op.
func (e *Engine) Close() error {
	return e.shutdown(nil)
}

// Disconnect sends an LD with reason, without waiting for the queue, and
// closes the link.
func (e *Engine) Disconnect(reason uint8) error {
	if e.ctx.Err() == nil {
		if err := e.writePacket(e.factory.Disconnect(reason)); err != nil {
			util.LogDebug("[%08x] failed to send LD: %v", e.id, err)
		}
	}
	return e.Close()
}

func (e *Engine) shutdown(cause error) (err error) {
	e.closeOnce.Do(func() {
		e.err = cause
		e.cancel()
		err = e.port.Close()
		e.sender.drain()

		if cause != nil {
			util.LogWarning("[%08x] link closed: %v", e.id, cause)
		} else {
			util.LogDebug("[%08x] link closed", e.id)
		}
		e.each(func(l Listener) { l.PacketEOF(cause) })

		if e.started.CompareAndSwap(false, true) {
			close(e.done)
		}
	})
	return err
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// SendQueued enqueues pkt for the send worker and returns once it is queued.
// LR and LT packets are retransmitted until acknowledged; LA and LD packets
// are written once. Listeners follow the packet through PacketSending,
// PacketSent and PacketAcknowledged.
func (e *Engine) SendQueued(pkt mnp.Packet) error {
	return e.sender.send(e.ctx, pkt)
}

// RequestLink enqueues an LR carrying the local parameters.
func (e *Engine) RequestLink() error {
	return e.SendQueued(e.factory.LinkRequest())
}

// Factory returns the link's packet factory. Transfers must be enqueued in
// the order the factory numbers them.
func (e *Engine) Factory() *mnp.Factory {
	return e.factory
}

// MaxInfoLength is the negotiated transfer size: the smaller of ours and
// the peer's, or ours until the peer's LR has been seen.
func (e *Engine) MaxInfoLength() int {
	local := int(e.cfg.Params.MaxInfoLength)
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	if e.peerParams != nil && int(e.peerParams.MaxInfoLength) > 0 && int(e.peerParams.MaxInfoLength) < local {
		return int(e.peerParams.MaxInfoLength)
	}
	return local
}

// PeerParams returns the parameters of the peer's last LR.
func (e *Engine) PeerParams() (mnp.Params, bool) {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	if e.peerParams == nil {
		return mnp.Params{}, false
	}
	return *e.peerParams, true
}

// writePacket frames pkt and writes it to the port.
func (e *Engine) writePacket(pkt mnp.Packet) error {
	payload := mnp.Encode(pkt)
	frame := mnp.AppendFrame(make([]byte, 0, len(payload)+16), payload)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.port.Write(frame); err != nil {
		return fmt.Errorf("write %v: %w", pkt.Kind(), err)
	}

	pkt.MarkTransmitted()
	util.Stats.AddSent(len(frame))
	if util.TraceEnabled() {
		util.LogTrace("[%08x] >> %s % X", e.id, describe(pkt), payload)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Receive worker
// ---------------------------------------------------------------------------

// receiveLoop reads frames until the port fails. Malformed frames are
// dropped; the peer's retransmission covers the loss.
func (e *Engine) receiveLoop(ctx context.Context) error {
	r := bufio.NewReader(e.port)
	for {
		payload, err := mnp.ReadFrame(r)
		if err == nil {
			var pkt mnp.Packet
			if pkt, err = mnp.Decode(payload); err == nil {
				util.Stats.AddRecv(len(payload))
				if util.TraceEnabled() {
					util.LogTrace("[%08x] << %s % X", e.id, describe(pkt), payload)
				}
				if err := e.handle(pkt); err != nil {
					return err
				}
				continue
			}
		}

		if mnp.IsFrameError(err) {
			util.Stats.AddFrameError()
			util.LogDebug("[%08x] dropped frame: %v", e.id, err)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func (e *Engine) handle(pkt mnp.Packet) error {
	switch p := pkt.(type) {
	case *mnp.LinkRequest:
		e.peerMu.Lock()
		e.peerParams = &mnp.Params{
			FramingMode:      p.FramingMode,
			MaxOutstanding:   p.MaxOutstanding,
			MaxInfoLength:    p.MaxInfoLength,
			DataPhaseOptions: p.DataPhaseOptions,
		}
		e.peerMu.Unlock()
		e.resetSequences()
		util.LogDebug("[%08x] peer LR: max info %d, window %d", e.id, p.MaxInfoLength, p.MaxOutstanding)

	case *mnp.LinkDisconnect:
		e.each(func(l Listener) { l.PacketReceived(pkt) })
		return fmt.Errorf("%w (reason %d)", ErrPeerDisconnected, p.Reason)

	case *mnp.LinkTransfer:
		switch e.filter.feed(p.Seq) {
		case accepted:
			if err := e.writePacket(e.factory.Ack(p.Seq, e.cfg.Credit)); err != nil {
				return err
			}
		case duplicate:
			util.Stats.AddDuplicate()
			util.LogDebug("[%08x] duplicate LT seq %d, re-acknowledging", e.id, p.Seq)
			return e.writePacket(e.factory.Ack(e.filter.last, e.cfg.Credit))
		default:
			util.Stats.AddDuplicate()
			util.LogDebug("[%08x] out-of-order LT seq %d (expected %d), ignoring", e.id, p.Seq, e.filter.last+1)
			return nil
		}

	case *mnp.LinkAck:
		e.recordAck(p)
	}

	e.each(func(l Listener) { l.PacketReceived(pkt) })
	return nil
}

// resetSequences restarts numbering for a renegotiated link. Transfers still
// queued or awaiting an acknowledgement are abandoned by the send worker.
func (e *Engine) resetSequences() {
	e.filter.reset()
	e.factory.Reset()
	e.ackMu.Lock()
	e.lastAck = 0
	e.ackMu.Unlock()
	e.wakeSender()
}

// recordAck applies an LA. While an LR is outstanding, LA seq 0 answers it;
// otherwise the LA covers transfers up to its sequence.
func (e *Engine) recordAck(la *mnp.LinkAck) {
	util.Stats.SetPeerCredit(int(la.Credit))

	e.ackMu.Lock()
	switch {
	case e.lrPending && la.Seq == 0:
		e.lrPending = false
		e.lrAcked = true
	case int8(la.Seq-e.lastAck) > 0:
		e.lastAck = la.Seq
	}
	e.ackMu.Unlock()
	e.wakeSender()
}

func (e *Engine) wakeSender() {
	select {
	case e.ackSignal <- struct{}{}:
	default:
	}
}

// acknowledged reports whether pkt has been covered by an LA.
func (e *Engine) acknowledged(pkt mnp.Packet) bool {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	switch p := pkt.(type) {
	case *mnp.LinkRequest:
		return e.lrAcked
	case *mnp.LinkTransfer:
		return int8(e.lastAck-p.Seq) >= 0
	}
	return true
}

func describe(pkt mnp.Packet) string {
	switch p := pkt.(type) {
	case *mnp.LinkTransfer:
		return fmt.Sprintf("LT seq=%d len=%d", p.Seq, len(p.Data))
	case *mnp.LinkAck:
		return fmt.Sprintf("LA seq=%d credit=%d", p.Seq, p.Credit)
	case *mnp.LinkDisconnect:
		return fmt.Sprintf("LD reason=%d", p.Reason)
	}
	return pkt.Kind().String()
}
