package link

// verdict is the sequence filter's decision on an incoming transfer.
type verdict int

const (
	accepted   verdict = iota // next in sequence, deliver
	duplicate                 // same as the last accepted, re-acknowledge
	outOfOrder                // anything else, drop
)

// seqFilter admits transfers strictly in sequence. It is owned by the
// receive worker and needs no locking.
type seqFilter struct {
	last uint8 // sequence of the last accepted transfer
	seen bool  // whether any transfer was accepted since reset
}

// feed classifies seq and advances the filter when it is accepted. The
// sequence after 255 is 0.
func (f *seqFilter) feed(seq uint8) verdict {
	switch seq {
	case f.last + 1:
		f.last = seq
		f.seen = true
		return accepted
	case f.last:
		if f.seen {
			return duplicate
		}
	}
	return outOfOrder
}

// reset rewinds the filter for a newly negotiated link.
func (f *seqFilter) reset() {
	f.last = 0
	f.seen = false
}
