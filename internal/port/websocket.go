package port

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WSPort carries the serial byte stream in binary WebSocket messages.
// Message boundaries carry no meaning.
type WSPort struct {
	name    string
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
	once    sync.Once
}

// DialWebSocket connects to a bridge. The URL carries the bridge PIN, e.g.
// ws://host:port/ws?pin=123456.
func DialWebSocket(ctx context.Context, url string) (*WSPort, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS bridge: %w", err)
	}
	return newWSPort("ws:"+conn.RemoteAddr().String(), conn), nil
}

func newWSPort(name string, conn *websocket.Conn) *WSPort {
	return &WSPort{name: name, conn: conn}
}

func (p *WSPort) Name() string { return p.name }

// Read returns bytes from the current message, moving to the next one when
// it is used up. A normal close from the other side reads as io.EOF.
func (p *WSPort) Read(b []byte) (int, error) {
	for {
		if p.reader == nil {
			kind, r, err := p.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			p.reader = r
		}
		n, err := p.reader.Read(b)
		if err == io.EOF {
			p.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (p *WSPort) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame once and drops the connection.
func (p *WSPort) Close() error {
	var err error
	p.once.Do(func() {
		p.writeMu.Lock()
		_ = p.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

// SendAllowed is always true; the bridge buffers for the serial line.
func (p *WSPort) SendAllowed() bool { return true }
