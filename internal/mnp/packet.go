// Package mnp implements the MNP link-layer wire format: framing with byte
// stuffing and a CRC16 trailer, and the four packet kinds exchanged by a
// docking link.
package mnp

import (
	"encoding/binary"
	"fmt"
)

// Kind is the type code carried in every packet header.
type Kind uint8

// Packet kinds.
const (
	KindLR Kind = 0x01 // Link Request
	KindLD Kind = 0x02 // Link Disconnect
	KindLT Kind = 0x04 // Link Transfer
	KindLA Kind = 0x05 // Link Acknowledgement
)

func (k Kind) String() string {
	switch k {
	case KindLR:
		return "LR"
	case KindLD:
		return "LD"
	case KindLT:
		return "LT"
	case KindLA:
		return "LA"
	}
	return fmt.Sprintf("Kind(0x%02X)", uint8(k))
}

// Packet is one of *LinkRequest, *LinkDisconnect, *LinkTransfer or *LinkAck.
type Packet interface {
	Kind() Kind
	// HeaderLength is the header length declared on the wire, or zero for a
	// packet that was constructed locally.
	HeaderLength() int
	// Transmissions counts how often the packet was written to a port.
	Transmissions() int
	// MarkTransmitted records one more write; the link calls it.
	MarkTransmitted()
	appendHeader(dst []byte) []byte
}

type header struct {
	declared    int
	transmitted int
}

func (h *header) HeaderLength() int  { return h.declared }
func (h *header) Transmissions() int { return h.transmitted }
func (h *header) MarkTransmitted()   { h.transmitted++ }

// LinkRequest opens a link and carries the sender's negotiation parameters.
type LinkRequest struct {
	header
	FramingMode      uint8
	MaxOutstanding   uint8
	MaxInfoLength    uint16
	DataPhaseOptions uint8
}

// LinkDisconnect tears a link down. It is never acknowledged.
type LinkDisconnect struct {
	header
	Reason   uint8
	UserCode uint8
	HasUser  bool
}

// LinkTransfer carries one chunk of command data.
type LinkTransfer struct {
	header
	Seq  uint8
	Data []byte

	epoch uint32 // factory generation that numbered it
}

// LinkAck acknowledges every transfer up to Seq, or a link request when Seq
// is zero, and advertises the receive window.
type LinkAck struct {
	header
	Seq    uint8
	Credit uint8
	Data   []byte
}

func (*LinkRequest) Kind() Kind    { return KindLR }
func (*LinkDisconnect) Kind() Kind { return KindLD }
func (*LinkTransfer) Kind() Kind   { return KindLT }
func (*LinkAck) Kind() Kind        { return KindLA }

// LR parameter types.
const (
	paramConstant      = 0x01
	paramFramingMode   = 0x02
	paramOutstanding   = 0x03
	paramInfoLength    = 0x04
	paramDataPhaseOpts = 0x08
)

// LD parameter types.
const (
	paramReason   = 0x01
	paramUserCode = 0x02
)

var lrConstant = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0xFF}

func (p *LinkRequest) appendHeader(dst []byte) []byte {
	dst = append(dst, byte(KindLR), 0x02)
	dst = append(dst, paramConstant, byte(len(lrConstant)))
	dst = append(dst, lrConstant...)
	dst = append(dst, paramFramingMode, 1, p.FramingMode)
	dst = append(dst, paramOutstanding, 1, p.MaxOutstanding)
	dst = append(dst, paramInfoLength, 2)
	dst = binary.LittleEndian.AppendUint16(dst, p.MaxInfoLength)
	return append(dst, paramDataPhaseOpts, 1, p.DataPhaseOptions)
}

func (p *LinkDisconnect) appendHeader(dst []byte) []byte {
	dst = append(dst, byte(KindLD), paramReason, 1, p.Reason)
	if p.HasUser {
		dst = append(dst, paramUserCode, 1, p.UserCode)
	}
	return dst
}

func (p *LinkTransfer) appendHeader(dst []byte) []byte {
	return append(dst, byte(KindLT), p.Seq)
}

func (p *LinkAck) appendHeader(dst []byte) []byte {
	return append(dst, byte(KindLA), p.Seq, p.Credit)
}

// Encode serializes a packet into the logical payload of one frame.
func Encode(p Packet) []byte {
	hdr := p.appendHeader(make([]byte, 0, 32))

	var data []byte
	switch v := p.(type) {
	case *LinkTransfer:
		data = v.Data
	case *LinkAck:
		data = v.Data
	}

	buf := make([]byte, 0, len(hdr)+len(data)+3)
	if len(hdr) < 0xFF {
		buf = append(buf, byte(len(hdr)))
	} else {
		buf = append(buf, 0xFF)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(hdr)))
	}
	buf = append(buf, hdr...)
	return append(buf, data...)
}

// Decode parses the logical payload of one frame. A payload that does not
// describe a known packet yields a *FrameError.
func Decode(payload []byte) (Packet, error) {
	if len(payload) < 2 {
		return nil, frameErrorf("packet too short: %d octets", len(payload))
	}

	n, off := int(payload[0]), 1
	if payload[0] == 0xFF {
		if len(payload) < 3 {
			return nil, frameErrorf("truncated extended length")
		}
		n, off = int(binary.BigEndian.Uint16(payload[1:3])), 3
	}
	if n < 1 || off+n > len(payload) {
		return nil, frameErrorf("header length %d exceeds packet of %d octets", n, len(payload))
	}

	hdr := payload[off : off+n]
	rest := payload[off+n:]
	h := header{declared: n}

	switch Kind(hdr[0]) {
	case KindLR:
		return decodeLR(h, hdr[1:])
	case KindLD:
		return decodeLD(h, hdr[1:])
	case KindLT:
		seq, ok := seqField(hdr[1:])
		if !ok {
			return nil, frameErrorf("LT header missing sequence")
		}
		return &LinkTransfer{header: h, Seq: seq, Data: clone(rest)}, nil
	case KindLA:
		return decodeLA(h, hdr[1:], rest)
	}
	return nil, frameErrorf("unknown packet type 0x%02X", hdr[0])
}

// seqField reads the sequence from an optimized (bare octet) or a
// parameterized (type 1, length 1) header.
func seqField(b []byte) (uint8, bool) {
	switch {
	case len(b) == 1:
		return b[0], true
	case len(b) >= 3 && b[0] == 0x01 && b[1] == 0x01:
		return b[2], true
	}
	return 0, false
}

func decodeLR(h header, b []byte) (Packet, error) {
	p := &LinkRequest{header: h}
	if len(b) < 1 {
		return nil, frameErrorf("LR header too short")
	}
	// b[0] is the constant parameter that precedes the TLV list.
	err := walkParams(b[1:], func(typ byte, val []byte) {
		switch typ {
		case paramFramingMode:
			p.FramingMode = val[0]
		case paramOutstanding:
			p.MaxOutstanding = val[0]
		case paramInfoLength:
			if len(val) >= 2 {
				p.MaxInfoLength = binary.LittleEndian.Uint16(val)
			} else {
				p.MaxInfoLength = uint16(val[0])
			}
		case paramDataPhaseOpts:
			p.DataPhaseOptions = val[0]
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeLD(h header, b []byte) (Packet, error) {
	p := &LinkDisconnect{header: h}
	err := walkParams(b, func(typ byte, val []byte) {
		switch typ {
		case paramReason:
			p.Reason = val[0]
		case paramUserCode:
			p.UserCode = val[0]
			p.HasUser = true
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeLA(h header, b, rest []byte) (Packet, error) {
	p := &LinkAck{header: h, Data: clone(rest)}
	if len(b) == 2 {
		p.Seq, p.Credit = b[0], b[1]
		return p, nil
	}
	// Parameterized form: 1/1 sequence, 2/1 credit.
	err := walkParams(b, func(typ byte, val []byte) {
		switch typ {
		case 0x01:
			p.Seq = val[0]
		case 0x02:
			p.Credit = val[0]
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// walkParams iterates type/length/value parameters, skipping unknown types.
// Zero-length values are skipped so callbacks may always index val[0].
func walkParams(b []byte, fn func(typ byte, val []byte)) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return frameErrorf("truncated parameter 0x%02X", b[0])
		}
		typ, n := b[0], int(b[1])
		if 2+n > len(b) {
			return frameErrorf("parameter 0x%02X length %d overruns header", typ, n)
		}
		if n > 0 {
			fn(typ, b[2:2+n])
		}
		b = b[2+n:]
	}
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
