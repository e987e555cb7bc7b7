package mnp

import "sync"

// Params are the negotiation parameters a side offers in its LinkRequest.
type Params struct {
	FramingMode      uint8
	MaxOutstanding   uint8
	MaxInfoLength    uint16
	DataPhaseOptions uint8
}

// DefaultParams are the parameters a desktop offers: octet-oriented framing,
// a window of eight, 256-octet transfers and optimized data phase.
func DefaultParams() Params {
	return Params{
		FramingMode:      0x02,
		MaxOutstanding:   0x08,
		MaxInfoLength:    256,
		DataPhaseOptions: 0x03,
	}
}

// Factory builds the outgoing packets of one link. It owns the link's
// outgoing sequence counter, so every link needs its own Factory.
//
// The counter is shared between the command writer and the engine, so all
// operations are safe for concurrent use.
type Factory struct {
	params Params

	mu    sync.Mutex
	seq   uint8
	epoch uint32 // bumped by Reset
}

// NewFactory creates a factory whose first transfer carries sequence 1.
func NewFactory(p Params) *Factory {
	return &Factory{params: p}
}

// Params returns the parameters offered in LinkRequest packets.
func (f *Factory) Params() Params { return f.params }

// LinkRequest builds an LR carrying the factory's parameters.
func (f *Factory) LinkRequest() *LinkRequest {
	return &LinkRequest{
		FramingMode:      f.params.FramingMode,
		MaxOutstanding:   f.params.MaxOutstanding,
		MaxInfoLength:    f.params.MaxInfoLength,
		DataPhaseOptions: f.params.DataPhaseOptions,
	}
}

// Transfer builds an LT for data with the next sequence number. The counter
// wraps from 255 to 0.
func (f *Factory) Transfer(data []byte) *LinkTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &LinkTransfer{Seq: f.seq, Data: data, epoch: f.epoch}
}

// Ack builds an LA for seq advertising credit.
func (f *Factory) Ack(seq, credit uint8) *LinkAck {
	return &LinkAck{Seq: seq, Credit: credit}
}

// Disconnect builds an LD with the given reason.
func (f *Factory) Disconnect(reason uint8) *LinkDisconnect {
	return &LinkDisconnect{Reason: reason}
}

// Sequence returns the sequence number of the most recent transfer.
func (f *Factory) Sequence() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Reset rewinds the sequence counter for a newly negotiated link. Transfers
// numbered before the call become stale.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	f.seq = 0
}

// Stale reports whether lt was numbered before the last Reset, so its
// sequence number means nothing on the current link.
func (f *Factory) Stale(lt *LinkTransfer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lt.epoch != f.epoch
}
