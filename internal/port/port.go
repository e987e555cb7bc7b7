// Package port provides the byte transports a link runs over: a local serial
// line, a TCP connection to a serial server, a WebSocket to a remote bridge,
// and an in-memory pipe for tests.
package port

import (
	"context"
	"fmt"
	"io"
)

// Kind selects a transport.
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindTelnet Kind = "telnet"
	KindWS     Kind = "ws"
)

// Options describes where to find the Newton.
type Options struct {
	Kind         Kind
	Device       string // serial device, e.g. /dev/ttyUSB0 or COM3
	Baud         int
	HardwareFlow bool   // use CTS for SendAllowed
	Address      string // host:port for tcp and telnet
	URL          string // bridge URL for ws, including the pin query
}

// Conn is what every transport in this package returns.
type Conn interface {
	io.ReadWriteCloser
	Name() string
	SendAllowed() bool
}

// Open connects the transport described by opts.
func Open(ctx context.Context, opts Options) (Conn, error) {
	switch opts.Kind {
	case KindSerial, "":
		return OpenSerial(opts.Device, opts.Baud, opts.HardwareFlow)
	case KindTCP:
		return DialTCP(ctx, opts.Address)
	case KindTelnet:
		return DialTelnet(ctx, opts.Address)
	case KindWS:
		return DialWebSocket(ctx, opts.URL)
	default:
		return nil, fmt.Errorf("port: unknown kind %q", opts.Kind)
	}
}
