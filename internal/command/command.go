// Package command carries docking commands over an MNP link: the command
// wire format, chunking of outgoing commands into transfers with progress
// reporting, and reassembly of incoming transfers into commands.
package command

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed command header: "newt" "dock" id(4) length(4).
const HeaderSize = 16

// MaxLength bounds the data length a peer may declare for one command.
const MaxLength = 16 << 20

var magic = []byte("newtdock")

// ErrBadMagic is returned when a command header does not start with "newtdock".
var ErrBadMagic = errors.New("command: bad header magic")

// Command is one docking command. ID is four ASCII characters; Data is the
// unpadded payload.
type Command struct {
	ID   string
	Data []byte
}

// New creates a command with the given id and payload.
func New(id string, data []byte) *Command {
	return &Command{ID: id, Data: data}
}

// Length is the payload length declared in the header.
func (c *Command) Length() int { return len(c.Data) }

func (c *Command) String() string {
	return fmt.Sprintf("%s(%d)", c.ID, len(c.Data))
}

// Bytes returns the wire form: header, payload, and zero padding up to a
// multiple of four octets.
func (c *Command) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize+padded(len(c.Data)))
	buf = append(buf, magic...)
	buf = append(buf, fmt.Sprintf("%-4.4s", c.ID)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Data)))
	buf = append(buf, c.Data...)
	return append(buf, make([]byte, padded(len(c.Data))-len(c.Data))...)
}

func padded(n int) int {
	return (n + 3) &^ 3
}

// Read reads exactly one command from r, padding included.
func Read(r io.Reader) (*Command, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[:8], magic) {
		return nil, fmt.Errorf("%w: % X", ErrBadMagic, hdr[:8])
	}

	n := binary.BigEndian.Uint32(hdr[12:16])
	if n > MaxLength {
		return nil, fmt.Errorf("command: %q declares %d octets", hdr[8:12], n)
	}

	data := make([]byte, padded(int(n)))
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("command %q: %w", hdr[8:12], err)
	}
	return &Command{ID: string(hdr[8:12]), Data: data[:n]}, nil
}
