package dock

import (
	"errors"
	"fmt"
)

// ErrNotDocked is returned by Session.Write before the handshake is done.
var ErrNotDocked = errors.New("dock: handshake not complete")

// BadHandshakeStateError reports an illegal transition, or a command that
// does not belong to the current step. Command is empty for the former.
type BadHandshakeStateError struct {
	From, To State
	Command  string
}

func (e *BadHandshakeStateError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("dock: unexpected command %q in state %v", e.Command, e.From)
	}
	return fmt.Sprintf("dock: illegal transition %v -> %v", e.From, e.To)
}

// PasswordMismatchError reports a pass command whose key does not match the
// desktop challenge enciphered with the configured password.
type PasswordMismatchError struct {
	Attempt int
	Max     int
}

func (e *PasswordMismatchError) Error() string {
	return fmt.Sprintf("dock: password mismatch (attempt %d of %d)", e.Attempt, e.Max)
}

// ResultError reports a failing dres from the Newton.
type ResultError struct {
	Step State
	Code int32
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("dock: result %d in state %v", e.Code, e.Step)
}
