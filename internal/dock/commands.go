package dock

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/newtdock/internal/command"
)

// Command ids exchanged during docking.
const (
	CmdRequestToDock   = "rtdk" // Newton: protocol version
	CmdInitiateDocking = "dock" // desktop: session type
	CmdNewtonName      = "name" // Newton: identity and owner name
	CmdDesktopInfo     = "dinf" // desktop: version, challenge, applications
	CmdNewtonInfo      = "ninf" // Newton: version and its own challenge
	CmdWhichIcons      = "wicn" // desktop: feature mask
	CmdResult          = "dres" // either side: result code
	CmdSetTimeout      = "stim" // desktop: session timeout in seconds
	CmdPassword        = "pass" // either side: enciphered challenge
	CmdDisconnect      = "disc" // either side: end the session
	CmdHello           = "helo" // either side: keep-alive
)

// ProtocolVersion is the docking protocol version the desktop speaks.
const ProtocolVersion = 10

// Session types carried by the dock and dinf commands.
const (
	SessionNone      uint32 = 0
	SessionSettingUp uint32 = 1
	SessionSync      uint32 = 2
	SessionRestore   uint32 = 3
)

// Desktop types carried by dinf.
const (
	DesktopMac     uint32 = 0
	DesktopWindows uint32 = 1
)

// Result codes carried by dres.
const (
	ResultOK          int32 = 0
	ResultBadPassword int32 = -28022
)

// Icons is the feature mask offered by wicn.
type Icons uint32

const (
	IconBackup Icons = 1 << iota
	IconRestore
	IconInstall
	IconImport
	IconSync
	IconKeyboard

	IconsAll   = IconBackup | IconRestore | IconInstall | IconImport | IconSync | IconKeyboard
	IconsBasic = IconBackup | IconRestore | IconInstall
)

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

func longs(id string, vs ...uint32) *command.Command {
	data := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	return command.New(id, data)
}

func newInitiateDocking(session uint32) *command.Command {
	return longs(CmdInitiateDocking, session)
}

func newWhichIcons(icons Icons) *command.Command {
	return longs(CmdWhichIcons, uint32(icons))
}

func newSetTimeout(seconds uint32) *command.Command {
	return longs(CmdSetTimeout, seconds)
}

func newResult(code int32) *command.Command {
	return longs(CmdResult, uint32(code))
}

func newPassword(key uint64) *command.Command {
	return command.New(CmdPassword, binary.BigEndian.AppendUint64(nil, key))
}

func newDisconnect() *command.Command {
	return command.New(CmdDisconnect, nil)
}

// newDesktopInfo builds dinf: protocol version, desktop type, challenge,
// session type, selective sync flag and the desktop applications list.
func newDesktopInfo(desktopType uint32, challenge uint64, session uint32, apps []byte) *command.Command {
	data := make([]byte, 0, 24+len(apps))
	data = binary.BigEndian.AppendUint32(data, ProtocolVersion)
	data = binary.BigEndian.AppendUint32(data, desktopType)
	data = binary.BigEndian.AppendUint64(data, challenge)
	data = binary.BigEndian.AppendUint32(data, session)
	data = binary.BigEndian.AppendUint32(data, 1) // allow selective sync
	data = append(data, apps...)
	return command.New(CmdDesktopInfo, data)
}

// ---------------------------------------------------------------------------
// Parsers
// ---------------------------------------------------------------------------

func parseLong(cmd *command.Command) (uint32, error) {
	if len(cmd.Data) < 4 {
		return 0, fmt.Errorf("dock: %s carries %d octets, want 4", cmd.ID, len(cmd.Data))
	}
	return binary.BigEndian.Uint32(cmd.Data), nil
}

func parseResult(cmd *command.Command) (int32, error) {
	v, err := parseLong(cmd)
	return int32(v), err
}

func parsePassword(cmd *command.Command) (uint64, error) {
	if len(cmd.Data) < 8 {
		return 0, fmt.Errorf("dock: pass carries %d octets, want 8", len(cmd.Data))
	}
	return binary.BigEndian.Uint64(cmd.Data), nil
}

// parseNewtonInfo reads ninf: protocol version and the Newton's challenge.
func parseNewtonInfo(cmd *command.Command) (version uint32, challenge uint64, err error) {
	if len(cmd.Data) < 12 {
		return 0, 0, fmt.Errorf("dock: ninf carries %d octets, want 12", len(cmd.Data))
	}
	return binary.BigEndian.Uint32(cmd.Data), binary.BigEndian.Uint64(cmd.Data[4:]), nil
}
