package mnp

import (
	"errors"
	"fmt"
	"io"
)

// ErrEndOfStream reports that the byte source closed while a frame was being
// scanned. It matches io.EOF under errors.Is.
var ErrEndOfStream = fmt.Errorf("mnp: end of stream: %w", io.EOF)

// FrameError describes a frame that was delimited correctly but cannot be
// trusted: a stray escape octet, a checksum mismatch, or a packet header that
// does not parse. Receivers drop the frame and resume scanning.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "mnp: frame error: " + e.Reason
}

// IsFrameError returns true if err is, or wraps, a *FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

func frameErrorf(format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// endOfStream normalizes a read failure from the byte source.
func endOfStream(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrEndOfStream
	}
	return fmt.Errorf("%w: %w", ErrEndOfStream, err)
}
