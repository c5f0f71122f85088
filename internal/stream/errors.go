package stream

import (
	"errors"
	"fmt"
)

// Terminal operation errors.
var (
	// ErrCancelled indicates the operation was aborted by an external signal.
	ErrCancelled = errors.New("stream: operation cancelled")

	// ErrTimedOutDeclined indicates the soft timeout fired and the user
	// declined to extend.
	ErrTimedOutDeclined = errors.New("stream: timed out, extension declined")

	// ErrTimedOutCeiling indicates extending would exceed the hard ceiling.
	ErrTimedOutCeiling = errors.New("stream: timed out, hard ceiling reached")

	// ErrConfirmTimeout indicates the extension confirmation went unanswered
	// within its bounded wait. Treated like a decline.
	ErrConfirmTimeout = errors.New("stream: timed out, confirmation unanswered")
)

// AgentError wraps a terminal error emitted by the agent runtime. The cause
// passes through unmodified; the core performs no retry.
type AgentError struct {
	Err error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return fmt.Sprintf("stream: agent error: %v", e.Err)
}

// Unwrap exposes the runtime error.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is one of the timeout terminal errors.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOutDeclined) ||
		errors.Is(err, ErrTimedOutCeiling) ||
		errors.Is(err, ErrConfirmTimeout)
}
