package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no final result arrives before the
	// command's deadline. It is never returned before the deadline.
	ErrTimeout = errors.New("at: timeout")

	// ErrBusy is returned when an exchange is already in flight. The pending
	// exchange is not affected.
	ErrBusy = errors.New("at: exchange already in flight")

	// ErrRejected is matched by every CommandRejectedError.
	ErrRejected = errors.New("at: command rejected")

	// ErrClosed is returned once the transport is closed or lost.
	ErrClosed = errors.New("at: transport closed")

	// ErrEmptyCommand is returned by Execute for a command without a verb.
	ErrEmptyCommand = errors.New("at: empty command")
)

// CommandRejectedError is returned when the modem answers a command with a
// failure result such as ERROR or +CME ERROR.
type CommandRejectedError struct {
	Command string
	Text    string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("at: %s rejected: %s", e.Command, e.Text)
}

// Is makes errors.Is(err, ErrRejected) hold.
func (e *CommandRejectedError) Is(target error) bool {
	return target == ErrRejected
}
