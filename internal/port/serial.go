package port

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/1ureka/newtdock/internal/util"
)

// DefaultBaud is the rate the Newton Connection Kit uses on a serial cable.
const DefaultBaud = 38400

// SerialPort is a local serial line.
type SerialPort struct {
	name         string
	port         serial.Port
	hardwareFlow bool
}

// OpenSerial opens device at baud, 8N1. With hardwareFlow set, SendAllowed
// follows the CTS line.
func OpenSerial(device string, baud int, hardwareFlow bool) (*SerialPort, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}

	// The Newton waits for DTR before it talks.
	if err := p.SetDTR(true); err != nil {
		util.LogWarning("serial %s: could not raise DTR: %v", device, err)
	}
	if hardwareFlow {
		if err := p.SetRTS(true); err != nil {
			util.LogWarning("serial %s: could not raise RTS: %v", device, err)
		}
	}

	util.LogDebug("opened serial port %s at %d baud", device, baud)
	return &SerialPort{name: device, port: p, hardwareFlow: hardwareFlow}, nil
}

func (s *SerialPort) Name() string { return s.name }

func (s *SerialPort) Read(b []byte) (int, error) { return s.port.Read(b) }

func (s *SerialPort) Write(b []byte) (int, error) { return s.port.Write(b) }

func (s *SerialPort) Close() error { return s.port.Close() }

// SendAllowed reports CTS when hardware flow control is on, true otherwise.
// A failed status read counts as not allowed.
func (s *SerialPort) SendAllowed() bool {
	if !s.hardwareFlow {
		return true
	}
	bits, err := s.port.GetModemStatusBits()
	if err != nil {
		return false
	}
	return bits.CTS
}

// SerialDevices lists the serial ports present on this machine.
func SerialDevices() ([]string, error) {
	return serial.GetPortsList()
}
