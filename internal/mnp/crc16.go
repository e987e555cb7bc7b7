package mnp

import "github.com/sigurn/crc16"

// crcTable is the CRC-16/ARC table, the frame check sequence used by MNP.
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// CRC16 accumulates a frame check sequence while a frame is scanned.
type CRC16 struct {
	crc uint16
}

// NewCRC16 returns an accumulator at the initial value.
func NewCRC16() CRC16 {
	return CRC16{crc: crc16.Init(crcTable)}
}

// Update folds b into the running checksum.
func (c CRC16) Update(b byte) CRC16 {
	return c.UpdateAll([]byte{b})
}

// UpdateAll folds every octet of p into the running checksum.
func (c CRC16) UpdateAll(p []byte) CRC16 {
	return CRC16{crc: crc16.Update(c.crc, p, crcTable)}
}

// Sum returns the finished checksum.
func (c CRC16) Sum() uint16 {
	return crc16.Complete(c.crc, crcTable)
}

// Checksum returns the frame check sequence for a logical payload, which
// always includes the trailing ETX octet.
func Checksum(payload []byte) uint16 {
	return NewCRC16().UpdateAll(payload).Update(ETX).Sum()
}
