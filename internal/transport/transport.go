// Package transport defines the chat-transport contract consumed by the
// core: outbound send/edit operations, a bounded yes/no confirmation, and
// inbound already-resolved events. Command syntax is resolved at the adapter
// edge; the core never parses it.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrConfirmationExpired is returned by AskConfirmation when the bounded wait
// elapses without an answer.
var ErrConfirmationExpired = errors.New("transport: confirmation wait expired")

// MessageRef identifies a delivered message so it can be edited later.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// Transport is the outbound chat surface.
type Transport interface {
	// SendMessage delivers text to the user and returns a reference for edits.
	SendMessage(ctx context.Context, userID, text string) (MessageRef, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, ref MessageRef, text string) error

	// AskConfirmation asks the user a yes/no question and waits up to wait
	// for an answer. An expired wait returns ErrConfirmationExpired.
	AskConfirmation(ctx context.Context, userID, prompt string, wait time.Duration) (bool, error)
}

// InboundType tags resolved inbound events.
type InboundType string

const (
	// InboundText is a user prompt.
	InboundText InboundType = "text"

	// InboundAbort is a resolved abort trigger for the user's in-flight
	// operation.
	InboundAbort InboundType = "abort"

	// InboundPlan asks to run the next prompt as a planning operation.
	InboundPlan InboundType = "plan"

	// InboundPlanExit asks to leave plan mode.
	InboundPlanExit InboundType = "plan_exit"

	// InboundReset asks to destroy the user's cached sessions.
	InboundReset InboundType = "reset"
)

// Inbound is one resolved inbound event.
type Inbound struct {
	Type   InboundType
	UserID string
	Text   string
	Time   time.Time
}

// Receiver exposes the adapter's inbound event stream. The channel closes
// when the adapter stops.
type Receiver interface {
	Inbound() <-chan Inbound
}
