package link

import (
	"errors"
	"fmt"

	"github.com/1ureka/newtdock/internal/mnp"
)

var (
	// ErrClosed is returned for operations on a closed link.
	ErrClosed = errors.New("link: closed")

	// ErrPeerDisconnected is delivered through PacketEOF when the peer sends
	// a Link Disconnect.
	ErrPeerDisconnected = errors.New("link: peer disconnected")
)

// TimeoutError reports a packet that was never acknowledged within the retry
// budget. It is fatal to the link.
type TimeoutError struct {
	Kind     mnp.Kind
	Seq      uint8
	Attempts int
}

func (e *TimeoutError) Error() string {
	if e.Kind == mnp.KindLT {
		return fmt.Sprintf("link: %v seq %d not acknowledged after %d attempts", e.Kind, e.Seq, e.Attempts)
	}
	return fmt.Sprintf("link: %v not acknowledged after %d attempts", e.Kind, e.Attempts)
}

// IsTimeout returns true if err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
