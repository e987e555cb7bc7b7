package link

import "github.com/1ureka/newtdock/internal/mnp"

// Listener observes the packets of one link. Callbacks run synchronously on
// the engine's workers, in registration order, and must not block for long.
type Listener interface {
	PacketReceived(pkt mnp.Packet)
	PacketSending(pkt mnp.Packet)
	PacketSent(pkt mnp.Packet)
	PacketAcknowledged(pkt mnp.Packet)
	// PacketEOF is called exactly once when the link closes. err is nil for
	// a local Close.
	PacketEOF(err error)
}

// Funcs adapts optional callbacks to a Listener; nil fields are skipped.
type Funcs struct {
	OnReceived     func(mnp.Packet)
	OnSending      func(mnp.Packet)
	OnSent         func(mnp.Packet)
	OnAcknowledged func(mnp.Packet)
	OnEOF          func(error)
}

func (f Funcs) PacketReceived(pkt mnp.Packet) {
	if f.OnReceived != nil {
		f.OnReceived(pkt)
	}
}

func (f Funcs) PacketSending(pkt mnp.Packet) {
	if f.OnSending != nil {
		f.OnSending(pkt)
	}
}

func (f Funcs) PacketSent(pkt mnp.Packet) {
	if f.OnSent != nil {
		f.OnSent(pkt)
	}
}

func (f Funcs) PacketAcknowledged(pkt mnp.Packet) {
	if f.OnAcknowledged != nil {
		f.OnAcknowledged(pkt)
	}
}

func (f Funcs) PacketEOF(err error) {
	if f.OnEOF != nil {
		f.OnEOF(err)
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// AddListener registers l. Listeners added after Start may miss packets that
// were already dispatched.
func (e *Engine) AddListener(l Listener) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenersMu.Unlock()
}

func (e *Engine) each(fn func(Listener)) {
	e.listenersMu.RLock()
	ls := e.listeners
	e.listenersMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}
