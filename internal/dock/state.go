package dock

import "fmt"

// State is one step of the docking handshake. The handshake only moves
// forward through the declared order, except that Disconnecting and
// Disconnected are reachable from anywhere.
type State int

const (
	StateLRListen State = iota
	StateLRReceived
	StateLRSending
	StateLRSent
	StateRTDKListen
	StateRTDKReceived
	StateDockSending
	StateDockSent
	StateNameListen
	StateNameReceived
	StateDInfoSending
	StateDInfoSent
	StateNInfoListen
	StateNInfoReceived
	StateIconsSending
	StateIconsSent
	StateIconsResultListen
	StateIconsResultReceived
	StateTimeoutSending
	StateTimeoutSent
	StatePassListen
	StatePassReceived
	StatePassSending
	StatePassSent
	StateDone
	StateDisconnecting
	StateDisconnected
)

var stateNames = [...]string{
	"LR_LISTEN", "LR_RECEIVED", "LR_SENDING", "LR_SENT",
	"RTDK_LISTEN", "RTDK_RECEIVED", "DOCK_SENDING", "DOCK_SENT",
	"NAME_LISTEN", "NAME_RECEIVED", "DINFO_SENDING", "DINFO_SENT",
	"NINFO_LISTEN", "NINFO_RECEIVED", "ICONS_SENDING", "ICONS_SENT",
	"ICONS_RESULT_LISTEN", "ICONS_RESULT_RECEIVED", "TIMEOUT_SENDING", "TIMEOUT_SENT",
	"PASS_LISTEN", "PASS_RECEIVED", "PASS_SENDING", "PASS_SENT",
	"DONE", "DISCONNECTING", "DISCONNECTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CanTransition reports whether the handshake may move from s to next.
func (s State) CanTransition(next State) bool {
	if next == StateDisconnecting || next == StateDisconnected {
		return true
	}
	return next >= s && next <= StateDone
}
