package dock

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/1ureka/newtdock/internal/command"
	"github.com/1ureka/newtdock/internal/util"
)

// Config tunes the desktop side of the handshake.
type Config struct {
	Password        string
	Cipher          Cipher // overrides Password when set
	SessionTimeout  time.Duration
	Icons           Icons
	DesktopType     uint32
	PasswordRetries int
	Apps            []DesktopApp
	// Challenge returns the desktop challenge; crypto/rand when nil.
	Challenge func() uint64
}

// DefaultConfig offers every feature with a 30 second session timeout and
// three password attempts.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:  30 * time.Second,
		Icons:           IconsAll,
		DesktopType:     DesktopWindows,
		PasswordRetries: 3,
		Apps:            DefaultApps("Newton Connection Utilities"),
	}
}

func randomChallenge() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Conn is what the machine drives: the link for LR and the command layer
// for everything else.
type Conn interface {
	RequestLink() error
	Write(cmd *command.Command) error
	// Close sends a Link Disconnect and closes the link.
	Close() error
}

// Machine is the desktop side of the docking handshake. It is driven by the
// events of one link and is not safe for concurrent use, except State.
type Machine struct {
	cfg    Config
	cipher Cipher
	conn   Conn
	state  atomic.Int32

	info             *NewtonInfo
	desktopChallenge uint64
	newtonChallenge  uint64
	iconsFallback    bool
	passwordFailures int

	onState   func(from, to State)
	onCommand func(*command.Command)
}

// NewMachine creates a machine in LR_LISTEN.
func NewMachine(conn Conn, cfg Config) (*Machine, error) {
	d := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = d.SessionTimeout
	}
	if cfg.Icons == 0 {
		cfg.Icons = d.Icons
	}
	if cfg.PasswordRetries <= 0 {
		cfg.PasswordRetries = d.PasswordRetries
	}
	if cfg.Apps == nil {
		cfg.Apps = d.Apps
	}
	if cfg.Challenge == nil {
		cfg.Challenge = randomChallenge
	}

	c := cfg.Cipher
	if c == nil {
		var err error
		if c, err = NewDESCipher(cfg.Password); err != nil {
			return nil, err
		}
	}
	return &Machine{cfg: cfg, cipher: c, conn: conn}, nil
}

// OnState registers a callback for every transition.
func (m *Machine) OnState(fn func(from, to State)) { m.onState = fn }

// OnCommand registers the receiver of commands that arrive after DONE.
func (m *Machine) OnCommand(fn func(*command.Command)) { m.onCommand = fn }

// State returns the current state. It is safe to call from any goroutine.
func (m *Machine) State() State { return State(m.state.Load()) }

// Info returns the Newton's identity once its name command has been seen.
func (m *Machine) Info() *NewtonInfo { return m.info }

// Transition moves to next, or fails with BadHandshakeStateError if that
// would move the handshake backwards.
func (m *Machine) Transition(next State) error {
	cur := m.State()
	if !cur.CanTransition(next) {
		return &BadHandshakeStateError{From: cur, To: next}
	}
	m.state.Store(int32(next))
	if cur != next {
		util.LogDebug("handshake %v -> %v", cur, next)
		if m.onState != nil {
			m.onState(cur, next)
		}
	}
	return nil
}

// Reset returns to LR_LISTEN for a renegotiated link and forgets everything
// learned about the peer.
func (m *Machine) Reset() {
	prev := m.State()
	m.state.Store(int32(StateLRListen))
	m.info = nil
	m.desktopChallenge, m.newtonChallenge = 0, 0
	m.iconsFallback = false
	m.passwordFailures = 0
	util.LogDebug("handshake reset from %v", prev)
	if m.onState != nil && prev != StateLRListen {
		m.onState(prev, StateLRListen)
	}
}

// ---------------------------------------------------------------------------
// Link events
// ---------------------------------------------------------------------------

// LinkRequested handles the peer's LR by answering with ours. A repeat while
// our LR is outstanding is ignored; an LR later in the handshake restarts it.
func (m *Machine) LinkRequested() error {
	switch s := m.State(); s {
	case StateLRListen:
	case StateLRSending, StateLRSent:
		util.LogDebug("peer repeated its LR in %v", s)
		return nil
	default:
		util.LogInfo("peer renegotiated the link in %v, restarting handshake", s)
		m.Reset()
	}
	if err := m.Transition(StateLRReceived); err != nil {
		return err
	}
	if err := m.Transition(StateLRSending); err != nil {
		return err
	}
	return m.conn.RequestLink()
}

// LinkAcknowledged handles the LA for our LR.
func (m *Machine) LinkAcknowledged() error {
	return m.sent(StateLRSending)
}

// LinkClosed records that the link is gone.
func (m *Machine) LinkClosed() {
	m.Transition(StateDisconnected)
}

// ---------------------------------------------------------------------------
// Command events
// ---------------------------------------------------------------------------

// CommandReceived advances the handshake with an inbound command, or hands
// it to the OnCommand receiver once the handshake is done.
func (m *Machine) CommandReceived(cmd *command.Command) error {
	switch cmd.ID {
	case CmdDisconnect:
		return m.peerDisconnect()
	case CmdHello:
		return nil
	}

	s := m.State()
	switch {
	case s == StateDone:
		if m.onCommand != nil {
			m.onCommand(cmd)
		}
		return nil
	case s >= StateDisconnecting:
		return nil
	}

	switch cmd.ID {
	case CmdRequestToDock:
		return m.onRequestToDock(cmd)
	case CmdNewtonName:
		return m.onNewtonName(cmd)
	case CmdNewtonInfo:
		return m.onNewtonInfo(cmd)
	case CmdResult:
		return m.onResult(cmd)
	case CmdPassword:
		return m.onPassword(cmd)
	}

	// Application traffic right after our pass means the Newton accepted it.
	if s == StatePassSending || s == StatePassSent {
		if err := m.Transition(StateDone); err != nil {
			return err
		}
		if m.onCommand != nil {
			m.onCommand(cmd)
		}
		return nil
	}
	return &BadHandshakeStateError{From: s, To: s, Command: cmd.ID}
}

// CommandSent advances past a _SENDING state once its command is
// acknowledged. Acknowledgements for steps already left behind are ignored.
func (m *Machine) CommandSent(cmd *command.Command) error {
	switch cmd.ID {
	case CmdInitiateDocking:
		return m.sent(StateDockSending)
	case CmdDesktopInfo:
		return m.sent(StateDInfoSending)
	case CmdWhichIcons:
		return m.sent(StateIconsSending)
	case CmdSetTimeout:
		return m.sent(StateTimeoutSending)
	case CmdPassword:
		return m.sent(StatePassSending)
	case CmdDisconnect:
		if m.State() == StateDisconnecting {
			return m.closeLink()
		}
	}
	return nil
}

// sent moves from a _SENDING state through _SENT to the following state.
func (m *Machine) sent(sending State) error {
	if m.State() != sending {
		return nil
	}
	if err := m.Transition(sending + 1); err != nil {
		return err
	}
	return m.Transition(sending + 2)
}

// expect checks that cmd is what listen waits for and moves to received. A
// command may overtake the acknowledgement of our previous one; the
// acknowledgement is then implied.
func (m *Machine) expect(cmd *command.Command, listen, received State) error {
	s := m.State()
	if s == listen-2 || s == listen-1 {
		if err := m.Transition(listen); err != nil {
			return err
		}
	}
	if m.State() != listen {
		return &BadHandshakeStateError{From: s, To: received, Command: cmd.ID}
	}
	return m.Transition(received)
}

// send moves to a _SENDING state and writes cmd.
func (m *Machine) send(sending State, cmd *command.Command) error {
	if err := m.Transition(sending); err != nil {
		return err
	}
	return m.conn.Write(cmd)
}

func (m *Machine) onRequestToDock(cmd *command.Command) error {
	if err := m.expect(cmd, StateRTDKListen, StateRTDKReceived); err != nil {
		return err
	}
	version, err := parseLong(cmd)
	if err != nil {
		return err
	}
	m.info = &NewtonInfo{ProtocolVersion: version}
	return m.send(StateDockSending, newInitiateDocking(SessionSettingUp))
}

func (m *Machine) onNewtonName(cmd *command.Command) error {
	if err := m.expect(cmd, StateNameListen, StateNameReceived); err != nil {
		return err
	}
	info, err := parseNewtonName(cmd)
	if err != nil {
		return err
	}
	if m.info != nil {
		info.ProtocolVersion = m.info.ProtocolVersion
	}
	m.info = info
	util.LogInfo("Newton %q (id %08x, ROM %s) is docking", info.Name, info.NewtonID, info.ROM())

	m.desktopChallenge = m.cfg.Challenge()
	apps := encodeDesktopApps(m.cfg.Apps)
	return m.send(StateDInfoSending, newDesktopInfo(m.cfg.DesktopType, m.desktopChallenge, SessionSettingUp, apps))
}

func (m *Machine) onNewtonInfo(cmd *command.Command) error {
	if err := m.expect(cmd, StateNInfoListen, StateNInfoReceived); err != nil {
		return err
	}
	version, challenge, err := parseNewtonInfo(cmd)
	if err != nil {
		return err
	}
	m.newtonChallenge = challenge
	if m.info != nil {
		m.info.NegotiatedProtocol = version
	}
	return m.send(StateIconsSending, newWhichIcons(m.cfg.Icons))
}

// onResult handles the Newton's answer to wicn. A failure is retried once
// with the basic icon set from ICONS_RESULT_RECEIVED.
func (m *Machine) onResult(cmd *command.Command) error {
	code, err := parseResult(cmd)
	if err != nil {
		return err
	}

	s := m.State()
	retrying := s == StateIconsResultReceived && m.iconsFallback
	if !retrying {
		if err := m.expect(cmd, StateIconsResultListen, StateIconsResultReceived); err != nil {
			if code != ResultOK {
				return &ResultError{Step: s, Code: code}
			}
			return err
		}
	}

	if code != ResultOK {
		if retrying {
			return &ResultError{Step: StateIconsResultReceived, Code: code}
		}
		util.LogWarning("Newton rejected icons %06b (result %d), retrying with basic set", m.cfg.Icons, code)
		m.iconsFallback = true
		return m.conn.Write(newWhichIcons(IconsBasic))
	}
	return m.send(StateTimeoutSending, newSetTimeout(uint32(m.cfg.SessionTimeout/time.Second)))
}

// onPassword checks the Newton's key against our challenge. A mismatch is
// answered with a bad password result and the machine stays in
// PASS_RECEIVED for another attempt, until the attempts run out.
func (m *Machine) onPassword(cmd *command.Command) error {
	if m.State() != StatePassReceived {
		if err := m.expect(cmd, StatePassListen, StatePassReceived); err != nil {
			return err
		}
	}
	key, err := parsePassword(cmd)
	if err != nil {
		return err
	}

	if key != m.cipher.Cipher(m.desktopChallenge) {
		m.passwordFailures++
		mismatch := &PasswordMismatchError{Attempt: m.passwordFailures, Max: m.cfg.PasswordRetries}
		if err := m.conn.Write(newResult(ResultBadPassword)); err != nil {
			return err
		}
		if m.passwordFailures >= m.cfg.PasswordRetries {
			if err := m.disconnect(); err != nil {
				return err
			}
		}
		return mismatch
	}

	return m.send(StatePassSending, newPassword(m.cipher.Cipher(m.newtonChallenge)))
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

// Disconnect ends the session from the desktop side: disc, then LD once disc
// is acknowledged.
func (m *Machine) Disconnect() error {
	if m.State() >= StateDisconnecting {
		return nil
	}
	return m.disconnect()
}

func (m *Machine) disconnect() error {
	if err := m.Transition(StateDisconnecting); err != nil {
		return err
	}
	if err := m.conn.Write(newDisconnect()); err != nil {
		return m.closeLink()
	}
	return nil
}

func (m *Machine) peerDisconnect() error {
	if m.State() >= StateDisconnecting {
		return nil
	}
	util.LogInfo("Newton ended the session")
	if err := m.Transition(StateDisconnecting); err != nil {
		return err
	}
	return m.closeLink()
}

func (m *Machine) closeLink() error {
	err := m.conn.Close()
	m.Transition(StateDisconnected)
	return err
}
