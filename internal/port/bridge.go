package port

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/newtdock/internal/util"
)

// OpenFunc opens the local port a bridge client is attached to.
type OpenFunc func() (io.ReadWriteCloser, error)

// Bridge exposes a local serial port to remote desktops over WebSocket. Each
// client that presents the PIN gets the port, opened for the duration of its
// connection; a second client is turned away while the port is in use.
type Bridge struct {
	pin      string
	open     OpenFunc
	upgrader websocket.Upgrader

	inUse    atomic.Bool
	sessions atomic.Int64
	ctx      context.Context
	listener net.Listener

	// OnSession, if set, is called after each client leaves with the
	// error that ended its session.
	OnSession func(remote string, err error)
}

// NewBridge creates a bridge guarded by pin that attaches clients to the
// port returned by open.
func NewBridge(pin string, open OpenFunc) *Bridge {
	return &Bridge{
		pin:      pin,
		open:     open,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ctx:      context.Background(),
	}
}

// PIN returns the PIN clients must present in the pin query parameter.
func (b *Bridge) PIN() string { return b.pin }

// Sessions returns how many clients have been attached so far.
func (b *Bridge) Sessions() int64 { return b.sessions.Load() }

// Listen binds addr (":0" picks a port) and returns the bound address.
func (b *Bridge) Listen(addr string) (*net.TCPAddr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen on %s: %w", addr, err)
	}
	b.listener = l
	return l.Addr().(*net.TCPAddr), nil
}

// Run serves clients on the bound listener until ctx is cancelled. Cancelling
// ctx also ends the session in progress.
func (b *Bridge) Run(ctx context.Context) error {
	if b.listener == nil {
		return errors.New("bridge: Run before Listen")
	}
	b.ctx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.attach)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(b.listener); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}

// attach authenticates one client, opens the local port and splices the two
// until either side goes away.
func (b *Bridge) attach(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("pin")), []byte(b.pin)) != 1 {
		util.LogWarning("bridge: rejected client %s with wrong PIN", r.RemoteAddr)
		http.Error(w, "invalid PIN", http.StatusUnauthorized)
		return
	}
	if !b.inUse.CompareAndSwap(false, true) {
		util.LogWarning("bridge: rejected client %s, serial port busy", r.RemoteAddr)
		http.Error(w, "serial port busy", http.StatusConflict)
		return
	}

	local, err := b.open()
	if err != nil {
		b.inUse.Store(false)
		util.LogError("bridge: cannot open serial port for %s: %v", r.RemoteAddr, err)
		http.Error(w, "serial port unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		local.Close()
		b.inUse.Store(false)
		util.LogDebug("bridge: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	remote := newWSPort("ws:"+r.RemoteAddr, conn)

	n := b.sessions.Add(1)
	util.LogSuccess("bridge: client %s attached (session %d)", r.RemoteAddr, n)
	err = splice(b.ctx, local, remote)
	b.inUse.Store(false)
	if err != nil {
		util.LogWarning("bridge: session %d ended: %v", n, err)
	} else {
		util.LogInfo("bridge: client %s detached", r.RemoteAddr)
	}
	if b.OnSession != nil {
		b.OnSession(r.RemoteAddr, err)
	}
}

// splice copies bytes between local and remote until either side ends or ctx
// is cancelled. Both are closed on return; a clean close of either side is
// not an error.
func splice(ctx context.Context, local io.ReadWriteCloser, remote *WSPort) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(remote, local)
		return sideClosed(err, "serial")
	})
	g.Go(func() error {
		_, err := io.Copy(local, remote)
		return sideClosed(err, "client")
	})
	g.Go(func() error {
		<-gCtx.Done()
		remote.Close()
		local.Close()
		return nil
	})

	if err := g.Wait(); !errors.Is(err, errSideClosed) {
		return err
	}
	return nil
}

var errSideClosed = errors.New("bridge: side closed")

// sideClosed turns a clean end of one copy into errSideClosed, which still
// cancels the other copy.
func sideClosed(err error, side string) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		util.LogDebug("bridge: %s side closed", side)
		return errSideClosed
	}
	return fmt.Errorf("bridge: %s side: %w", side, err)
}

// NewPIN returns a random PIN of the given number of decimal digits.
func NewPIN(digits int) string {
	pin := make([]byte, 0, digits)
	var buf [16]byte
	for len(pin) < digits {
		rand.Read(buf[:])
		for _, c := range buf {
			// 250 is the largest multiple of 10 below 256.
			if c < 250 && len(pin) < digits {
				pin = append(pin, '0'+c%10)
			}
		}
	}
	return string(pin)
}
