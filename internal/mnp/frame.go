package mnp

import (
	"encoding/binary"
	"io"
)

// Framing octets.
const (
	SYN byte = 0x16
	DLE byte = 0x10
	STX byte = 0x02
	ETX byte = 0x03
)

// MaxFramePayload bounds the logical payload of one frame. A longer run of
// octets without an end delimiter is line noise, not a packet.
const MaxFramePayload = 4096

var startDelimiter = [3]byte{SYN, DLE, STX}

// AppendFrame appends the wire form of payload to dst: the start delimiter,
// the payload with every DLE doubled, the end delimiter and the
// little-endian CRC16 of the logical payload plus ETX.
func AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, startDelimiter[:]...)
	for _, b := range payload {
		if b == DLE {
			dst = append(dst, DLE)
		}
		dst = append(dst, b)
	}
	dst = append(dst, DLE, ETX)
	return binary.LittleEndian.AppendUint16(dst, Checksum(payload))
}

// WriteFrame writes one framed payload to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, len(payload)+16), payload))
	return err
}

// ReadFrame scans r for the next frame and returns its logical payload.
//
// Octets before a start delimiter are skipped. A closed source yields
// ErrEndOfStream; a malformed or corrupted frame yields a *FrameError, after
// which the caller may simply call ReadFrame again to resynchronize.
func ReadFrame(r io.ByteReader) ([]byte, error) {
	if err := scanStart(r); err != nil {
		return nil, err
	}

	var payload []byte
	crc := NewCRC16()
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, endOfStream(err)
		}

		if b == DLE {
			next, err := r.ReadByte()
			if err != nil {
				return nil, endOfStream(err)
			}
			switch next {
			case DLE:
				// escaped data octet
			case ETX:
				crc = crc.Update(ETX)
				if err := checkTrailer(r, crc.Sum()); err != nil {
					return nil, err
				}
				return payload, nil
			default:
				return nil, frameErrorf("unescaped DLE followed by 0x%02X", next)
			}
		}

		if len(payload) >= MaxFramePayload {
			return nil, frameErrorf("payload exceeds %d octets", MaxFramePayload)
		}
		payload = append(payload, b)
		crc = crc.Update(b)
	}
}

// scanStart consumes octets until SYN DLE STX has been seen in order.
func scanStart(r io.ByteReader) error {
	matched := 0
	for matched < len(startDelimiter) {
		b, err := r.ReadByte()
		if err != nil {
			return endOfStream(err)
		}
		switch {
		case b == startDelimiter[matched]:
			matched++
		case b == SYN:
			matched = 1
		default:
			matched = 0
		}
	}
	return nil
}

func checkTrailer(r io.ByteReader, want uint16) error {
	var fcs [2]byte
	for i := range fcs {
		b, err := r.ReadByte()
		if err != nil {
			return endOfStream(err)
		}
		fcs[i] = b
	}
	if got := binary.LittleEndian.Uint16(fcs[:]); got != want {
		return frameErrorf("crc mismatch: trailer 0x%04X, computed 0x%04X", got, want)
	}
	return nil
}
