package dock

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/1ureka/newtdock/internal/command"
	"golang.org/x/text/encoding/unicode"
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// NewtonInfo is the identity a Newton declares in its name command.
// Fields past ScreenDepth are only sent by later system versions and are
// zero otherwise.
type NewtonInfo struct {
	Name string

	NewtonID           uint32
	Manufacturer       uint32
	MachineType        uint32
	ROMVersion         uint32
	ROMStage           uint32
	RAMSize            uint32
	ScreenHeight       uint32
	ScreenWidth        uint32
	PatchVersion       uint32
	OSVersion          uint32
	InternalStoreSig   uint32
	ScreenResolutionV  uint32
	ScreenResolutionH  uint32
	ScreenDepth        uint32
	SystemFlags        uint32
	SerialNumber       [8]byte
	TargetProtocol     uint32
	HasSerialNumber    bool
	ProtocolVersion    uint32 // from rtdk
	NegotiatedProtocol uint32 // from ninf
}

// fields lists the info longs in wire order.
func (n *NewtonInfo) fields() []*uint32 {
	return []*uint32{
		&n.NewtonID, &n.Manufacturer, &n.MachineType, &n.ROMVersion, &n.ROMStage,
		&n.RAMSize, &n.ScreenHeight, &n.ScreenWidth, &n.PatchVersion, &n.OSVersion,
		&n.InternalStoreSig, &n.ScreenResolutionV, &n.ScreenResolutionH, &n.ScreenDepth,
		&n.SystemFlags,
	}
}

// ROM returns the ROM version as major.minor.
func (n *NewtonInfo) ROM() string {
	return fmt.Sprintf("%d.%d", n.ROMVersion>>16, n.ROMVersion&0xFFFF)
}

// parseNewtonName reads the name command: the length of the info block,
// the info longs, then the owner name as NUL-terminated UTF-16BE.
func parseNewtonName(cmd *command.Command) (*NewtonInfo, error) {
	data := cmd.Data
	if len(data) < 4 {
		return nil, fmt.Errorf("dock: name carries %d octets", len(data))
	}
	infoLen := int(binary.BigEndian.Uint32(data))
	if infoLen > len(data)-4 {
		return nil, fmt.Errorf("dock: name declares %d info octets, has %d", infoLen, len(data)-4)
	}
	info, rest := data[4:4+infoLen], data[4+infoLen:]

	n := &NewtonInfo{}
	for _, f := range n.fields() {
		if len(info) < 4 {
			break
		}
		*f = binary.BigEndian.Uint32(info)
		info = info[4:]
	}
	if len(info) >= 8 {
		copy(n.SerialNumber[:], info)
		n.HasSerialNumber = true
		info = info[8:]
	}
	if len(info) >= 4 {
		n.TargetProtocol = binary.BigEndian.Uint32(info)
	}

	name, err := decodeUTF16(rest)
	if err != nil {
		return nil, fmt.Errorf("dock: name: %w", err)
	}
	n.Name = name
	return n, nil
}

func decodeUTF16(b []byte) (string, error) {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out, err := utf16be.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// encodeUTF16 returns s as NUL-terminated UTF-16BE.
func encodeUTF16(s string) []byte {
	out, _ := utf16be.NewEncoder().Bytes([]byte(strings.ToValidUTF8(s, "\uFFFD")))
	return append(out, 0, 0)
}
