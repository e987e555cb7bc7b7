package port

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ziutek/telnet"
)

const dialTimeout = 10 * time.Second

// NetPort is a serial line reached over the network, as exported by ser2net
// or a terminal server.
type NetPort struct {
	name string
	net.Conn
}

// DialTCP connects to a raw TCP serial server.
func DialTCP(ctx context.Context, addr string) (*NetPort, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &NetPort{name: "tcp:" + addr, Conn: conn}, nil
}

// DialTelnet connects to a serial server in telnet mode. The telnet layer
// doubles 0xFF octets on write and strips option negotiation on read.
func DialTelnet(ctx context.Context, addr string) (*NetPort, error) {
	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := telnet.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &NetPort{name: "telnet:" + addr, Conn: conn}, nil
}

func (p *NetPort) Name() string { return p.name }

// SendAllowed is always true; TCP has its own flow control.
func (p *NetPort) SendAllowed() bool { return true }
