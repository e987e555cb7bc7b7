package dock

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/1ureka/newtdock/internal/command"
)

// fakeConn records what the machine asks of the link.
type fakeConn struct {
	linkRequests int
	written      []*command.Command
	closed       int
}

func (c *fakeConn) RequestLink() error { c.linkRequests++; return nil }
func (c *fakeConn) Write(cmd *command.Command) error {
	c.written = append(c.written, cmd)
	return nil
}
func (c *fakeConn) Close() error { c.closed++; return nil }

func (c *fakeConn) last() *command.Command {
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}

// xorCipher is a stand-in for the DES cipher.
var xorCipher = CipherFunc(func(v uint64) uint64 { return v ^ 0x5A5A5A5A5A5A5A5A })

const (
	testDesktopChallenge = 0x1111222233334444
	testNewtonChallenge  = 0x9999888877776666
)

func newTestMachine(t *testing.T) (*Machine, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	m, err := NewMachine(conn, Config{
		Cipher:    xorCipher,
		Challenge: func() uint64 { return testDesktopChallenge },
	})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	return m, conn
}

func mustState(t *testing.T, m *Machine, want State) {
	t.Helper()
	if got := m.State(); got != want {
		t.Fatalf("state: got %v, want %v", got, want)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func ninf(challenge uint64) *command.Command {
	data := binary.BigEndian.AppendUint32(nil, ProtocolVersion)
	return command.New(CmdNewtonInfo, binary.BigEndian.AppendUint64(data, challenge))
}

func newtonName() *command.Command {
	return command.New(CmdNewtonName, newtonNamePayload("Test", []uint32{42, 1, 2, 0x00020001}, nil))
}

// advanceToPassListen drives m from LR_LISTEN to PASS_LISTEN.
func advanceToPassListen(t *testing.T, m *Machine, conn *fakeConn) {
	t.Helper()
	must(t, m.LinkRequested())
	must(t, m.LinkAcknowledged())
	must(t, m.CommandReceived(longs(CmdRequestToDock, 10)))
	must(t, m.CommandSent(conn.last()))
	must(t, m.CommandReceived(newtonName()))
	must(t, m.CommandSent(conn.last()))
	must(t, m.CommandReceived(ninf(testNewtonChallenge)))
	must(t, m.CommandSent(conn.last()))
	must(t, m.CommandReceived(newResult(ResultOK)))
	must(t, m.CommandSent(conn.last()))
	mustState(t, m, StatePassListen)
}

func TestLinkRequestExchange(t *testing.T) {
	m, conn := newTestMachine(t)

	must(t, m.LinkRequested())
	mustState(t, m, StateLRSending)
	if conn.linkRequests != 1 {
		t.Fatalf("got %d link requests, want 1", conn.linkRequests)
	}

	var seen []State
	m.OnState(func(_, to State) { seen = append(seen, to) })
	must(t, m.LinkAcknowledged())
	mustState(t, m, StateRTDKListen)
	if len(seen) != 2 || seen[0] != StateLRSent || seen[1] != StateRTDKListen {
		t.Errorf("transitions: got %v, want [LR_SENT RTDK_LISTEN]", seen)
	}
}

func TestFullHandshake(t *testing.T) {
	m, conn := newTestMachine(t)

	must(t, m.LinkRequested())
	must(t, m.LinkAcknowledged())

	must(t, m.CommandReceived(longs(CmdRequestToDock, 10)))
	mustState(t, m, StateDockSending)
	if cmd := conn.last(); cmd.ID != CmdInitiateDocking || binary.BigEndian.Uint32(cmd.Data) != SessionSettingUp {
		t.Fatalf("after rtdk: wrote %v", cmd)
	}
	must(t, m.CommandSent(conn.last()))
	mustState(t, m, StateNameListen)

	must(t, m.CommandReceived(newtonName()))
	mustState(t, m, StateDInfoSending)
	dinf := conn.last()
	if dinf.ID != CmdDesktopInfo {
		t.Fatalf("after name: wrote %v", dinf)
	}
	if v := binary.BigEndian.Uint32(dinf.Data); v != ProtocolVersion {
		t.Errorf("dinf protocol version: got %d", v)
	}
	if c := binary.BigEndian.Uint64(dinf.Data[8:]); c != testDesktopChallenge {
		t.Errorf("dinf challenge: got %016X", c)
	}
	if m.Info().Name != "Test" || m.Info().ProtocolVersion != 10 {
		t.Errorf("Info: got %+v", m.Info())
	}
	must(t, m.CommandSent(dinf))
	mustState(t, m, StateNInfoListen)

	must(t, m.CommandReceived(ninf(testNewtonChallenge)))
	mustState(t, m, StateIconsSending)
	if cmd := conn.last(); cmd.ID != CmdWhichIcons || Icons(binary.BigEndian.Uint32(cmd.Data)) != IconsAll {
		t.Fatalf("after ninf: wrote %v", cmd)
	}
	must(t, m.CommandSent(conn.last()))
	mustState(t, m, StateIconsResultListen)

	must(t, m.CommandReceived(newResult(ResultOK)))
	mustState(t, m, StateTimeoutSending)
	if cmd := conn.last(); cmd.ID != CmdSetTimeout || binary.BigEndian.Uint32(cmd.Data) != 30 {
		t.Fatalf("after dres: wrote %v", cmd)
	}
	must(t, m.CommandSent(conn.last()))
	mustState(t, m, StatePassListen)

	must(t, m.CommandReceived(newPassword(xorCipher(testDesktopChallenge))))
	mustState(t, m, StatePassSending)
	pass := conn.last()
	if key, _ := parsePassword(pass); pass.ID != CmdPassword || key != xorCipher(testNewtonChallenge) {
		t.Fatalf("after pass: wrote %v", pass)
	}
	must(t, m.CommandSent(pass))
	mustState(t, m, StateDone)

	var delivered []*command.Command
	m.OnCommand(func(cmd *command.Command) { delivered = append(delivered, cmd) })
	must(t, m.CommandReceived(command.New("sync", nil)))
	if len(delivered) != 1 || delivered[0].ID != "sync" {
		t.Errorf("commands after DONE should be delivered, got %v", delivered)
	}
}

func TestCommandOvertakesAcknowledgement(t *testing.T) {
	m, conn := newTestMachine(t)
	must(t, m.LinkRequested())

	// rtdk arrives before the LA for our LR has been reported.
	must(t, m.CommandReceived(longs(CmdRequestToDock, 10)))
	mustState(t, m, StateDockSending)

	must(t, m.CommandReceived(newtonName()))
	mustState(t, m, StateDInfoSending)

	// Late acknowledgements are ignored.
	must(t, m.LinkAcknowledged())
	must(t, m.CommandSent(newInitiateDocking(SessionSettingUp)))
	mustState(t, m, StateDInfoSending)
	if len(conn.written) != 2 {
		t.Errorf("wrote %d commands, want 2", len(conn.written))
	}
}

func TestPasswordMismatch(t *testing.T) {
	m, conn := newTestMachine(t)
	advanceToPassListen(t, m, conn)

	err := m.CommandReceived(newPassword(0xDEADBEEF))
	var mismatch *PasswordMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want PasswordMismatchError", err)
	}
	if mismatch.Attempt != 1 || mismatch.Max != 3 {
		t.Errorf("got %+v", mismatch)
	}
	mustState(t, m, StatePassReceived)
	if code, _ := parseResult(conn.last()); conn.last().ID != CmdResult || code != ResultBadPassword {
		t.Errorf("after mismatch: wrote %v", conn.last())
	}

	// A second attempt with the right key is accepted.
	must(t, m.CommandReceived(newPassword(xorCipher(testDesktopChallenge))))
	mustState(t, m, StatePassSending)
}

func TestPasswordRetriesExhausted(t *testing.T) {
	m, conn := newTestMachine(t)
	advanceToPassListen(t, m, conn)

	for i := 1; i <= 3; i++ {
		err := m.CommandReceived(newPassword(uint64(i)))
		var mismatch *PasswordMismatchError
		if !errors.As(err, &mismatch) || mismatch.Attempt != i {
			t.Fatalf("attempt %d: got %v", i, err)
		}
		if m.State() == StatePassSending {
			t.Fatalf("attempt %d: advanced to PASS_SENDING", i)
		}
	}

	mustState(t, m, StateDisconnecting)
	if conn.last().ID != CmdDisconnect {
		t.Fatalf("after last attempt: wrote %v, want disc", conn.last())
	}
	must(t, m.CommandSent(conn.last()))
	mustState(t, m, StateDisconnected)
	if conn.closed != 1 {
		t.Errorf("link closed %d times, want 1", conn.closed)
	}
}

func TestIconsFallback(t *testing.T) {
	setup := func(t *testing.T) (*Machine, *fakeConn) {
		m, conn := newTestMachine(t)
		must(t, m.LinkRequested())
		must(t, m.LinkAcknowledged())
		must(t, m.CommandReceived(longs(CmdRequestToDock, 10)))
		must(t, m.CommandReceived(newtonName()))
		must(t, m.CommandReceived(ninf(testNewtonChallenge)))
		must(t, m.CommandSent(conn.last()))
		mustState(t, m, StateIconsResultListen)
		return m, conn
	}

	t.Run("basic set accepted", func(t *testing.T) {
		m, conn := setup(t)
		must(t, m.CommandReceived(newResult(-1)))
		mustState(t, m, StateIconsResultReceived)
		if cmd := conn.last(); cmd.ID != CmdWhichIcons || Icons(binary.BigEndian.Uint32(cmd.Data)) != IconsBasic {
			t.Fatalf("after failed dres: wrote %v", cmd)
		}
		must(t, m.CommandSent(conn.last()))
		mustState(t, m, StateIconsResultReceived)

		must(t, m.CommandReceived(newResult(ResultOK)))
		mustState(t, m, StateTimeoutSending)
	})

	t.Run("basic set rejected", func(t *testing.T) {
		m, _ := setup(t)
		must(t, m.CommandReceived(newResult(-1)))
		err := m.CommandReceived(newResult(-2))
		var re *ResultError
		if !errors.As(err, &re) || re.Code != -2 {
			t.Fatalf("got %v, want ResultError -2", err)
		}
	})
}

func TestUnexpectedCommand(t *testing.T) {
	m, _ := newTestMachine(t)
	must(t, m.LinkRequested())
	must(t, m.LinkAcknowledged())

	err := m.CommandReceived(newtonName())
	var bad *BadHandshakeStateError
	if !errors.As(err, &bad) {
		t.Fatalf("got %v, want BadHandshakeStateError", err)
	}
	if bad.From != StateRTDKListen || bad.Command != CmdNewtonName {
		t.Errorf("got %+v", bad)
	}
	mustState(t, m, StateRTDKListen)
}

func TestPeerDisconnect(t *testing.T) {
	m, conn := newTestMachine(t)
	must(t, m.LinkRequested())

	must(t, m.CommandReceived(newDisconnect()))
	mustState(t, m, StateDisconnected)
	if conn.closed != 1 {
		t.Errorf("link closed %d times, want 1", conn.closed)
	}
}

func TestRenegotiationResets(t *testing.T) {
	m, conn := newTestMachine(t)
	must(t, m.LinkRequested())
	must(t, m.LinkAcknowledged())
	must(t, m.CommandReceived(longs(CmdRequestToDock, 10)))
	must(t, m.CommandSent(conn.last()))
	mustState(t, m, StateNameListen)

	must(t, m.LinkRequested())
	mustState(t, m, StateLRSending)
	if conn.linkRequests != 2 || m.Info() != nil {
		t.Errorf("renegotiation: %d link requests, info %+v", conn.linkRequests, m.Info())
	}
}

func TestRepeatedLinkRequestIgnored(t *testing.T) {
	m, conn := newTestMachine(t)
	must(t, m.LinkRequested())

	// The Newton resends its LR before our LA arrives.
	must(t, m.LinkRequested())
	mustState(t, m, StateLRSending)
	if conn.linkRequests != 1 {
		t.Fatalf("got %d link requests, want 1", conn.linkRequests)
	}

	must(t, m.LinkAcknowledged())
	mustState(t, m, StateRTDKListen)
}
