package link

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/newtdock/internal/mnp"
	"github.com/1ureka/newtdock/internal/util"
)

// sender is the single goroutine that writes queued packets and, for LR and
// LT, holds each one until it is acknowledged or its attempts run out. At
// most one packet is unacknowledged at a time.
type sender struct {
	inbox chan mnp.Packet
}

func newSender(queueSize int) *sender {
	return &sender{inbox: make(chan mnp.Packet, queueSize)}
}

// loop drains the inbox until ctx is cancelled. A TimeoutError or a port
// failure ends the loop and, through the engine, the link.
func (s *sender) loop(ctx context.Context, e *Engine) error {
	for {
		select {
		case pkt := <-s.inbox:
			if err := e.transmit(ctx, pkt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// send enqueues a packet for transmission. It blocks while the queue is full
// and fails with ErrClosed once the link is closed.
func (s *sender) send(ctx context.Context, pkt mnp.Packet) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- pkt:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}

// drain discards whatever is still queued.
func (s *sender) drain() {
	for {
		select {
		case <-s.inbox:
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Retransmission
// ---------------------------------------------------------------------------

// errStale ends the acknowledgement wait of a transfer numbered before the
// link was renegotiated.
var errStale = errors.New("transfer predates link renegotiation")

func needsAck(pkt mnp.Packet) bool {
	k := pkt.Kind()
	return k == mnp.KindLR || k == mnp.KindLT
}

// stale reports whether pkt is a transfer from before a renegotiation.
func (e *Engine) stale(pkt mnp.Packet) bool {
	lt, ok := pkt.(*mnp.LinkTransfer)
	return ok && e.factory.Stale(lt)
}

// transmit writes pkt and waits for its acknowledgement, resending it up to
// the configured number of attempts. A transfer overtaken by a peer LR is
// dropped without error.
func (e *Engine) transmit(ctx context.Context, pkt mnp.Packet) error {
	if !needsAck(pkt) {
		e.each(func(l Listener) { l.PacketSending(pkt) })
		if err := e.writePacket(pkt); err != nil {
			return err
		}
		e.each(func(l Listener) { l.PacketSent(pkt) })
		return nil
	}

	if pkt.Kind() == mnp.KindLR {
		e.ackMu.Lock()
		e.lrPending, e.lrAcked = true, false
		e.ackMu.Unlock()
	}

	for attempt := 1; attempt <= e.cfg.Retries; attempt++ {
		if e.stale(pkt) {
			util.LogDebug("[%08x] dropping %s queued before renegotiation", e.id, describe(pkt))
			return nil
		}
		if attempt > 1 {
			util.Stats.AddRetransmit()
			util.LogDebug("[%08x] resending %s (attempt %d/%d)", e.id, describe(pkt), attempt, e.cfg.Retries)
		}

		if e.awaitSendAllowed(ctx) {
			e.each(func(l Listener) { l.PacketSending(pkt) })
			if err := e.writePacket(pkt); err != nil {
				return err
			}
			e.each(func(l Listener) { l.PacketSent(pkt) })

			ok, err := e.awaitAck(ctx, pkt)
			if errors.Is(err, errStale) {
				util.LogDebug("[%08x] abandoning %s after renegotiation", e.id, describe(pkt))
				return nil
			}
			if err != nil {
				return err
			}
			if ok {
				e.each(func(l Listener) { l.PacketAcknowledged(pkt) })
				return nil
			}
		}
	}

	util.Stats.AddTimeout()
	te := &TimeoutError{Kind: pkt.Kind(), Attempts: e.cfg.Retries}
	if lt, ok := pkt.(*mnp.LinkTransfer); ok {
		te.Seq = lt.Seq
	}
	return te
}

// awaitSendAllowed waits up to one ack timeout for the port to accept data.
// A port that stays closed costs the attempt.
func (e *Engine) awaitSendAllowed(ctx context.Context) bool {
	if e.port.SendAllowed() {
		return true
	}

	timer := time.NewTimer(e.cfg.AckTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.port.SendAllowed() {
				return true
			}
		case <-timer.C:
			util.LogDebug("[%08x] port did not allow sending within %v", e.id, e.cfg.AckTimeout)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// awaitAck blocks until pkt is acknowledged (true), the attempt times out or
// the port stops allowing sends (false), the link is renegotiated under a
// transfer (errStale), or ctx is cancelled (ErrClosed).
func (e *Engine) awaitAck(ctx context.Context, pkt mnp.Packet) (bool, error) {
	timer := time.NewTimer(e.cfg.AckTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if e.stale(pkt) {
			return false, errStale
		}
		if e.acknowledged(pkt) {
			return true, nil
		}
		select {
		case <-e.ackSignal:
		case <-ticker.C:
			if !e.port.SendAllowed() {
				util.LogDebug("[%08x] port stopped allowing sends while waiting for ack", e.id)
				return false, nil
			}
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ErrClosed
		}
	}
}
