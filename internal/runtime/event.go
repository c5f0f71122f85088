package runtime

import "time"

// EventType identifies the kind of session event.
type EventType string

const (
	// EventDelta carries incremental response text.
	EventDelta EventType = "delta"

	// EventToolStart indicates a tool has started executing.
	EventToolStart EventType = "tool.start"

	// EventToolFinish indicates a tool has finished executing.
	EventToolFinish EventType = "tool.finish"

	// EventCompactionStart indicates the runtime began compacting context.
	EventCompactionStart EventType = "compaction.start"

	// EventCompactionFinish indicates context compaction completed.
	EventCompactionFinish EventType = "compaction.finish"

	// EventIdle is the terminal signal for a successful prompt.
	EventIdle EventType = "idle"

	// EventError is the terminal signal for a failed prompt.
	EventError EventType = "error"
)

// Event is the unified session event model. Exactly one payload pointer is
// non-nil for a given Type; Idle and compaction events carry none.
type Event struct {
	Type EventType
	Time time.Time

	Delta *DeltaPayload
	Tool  *ToolPayload
	Err   *ErrorPayload
}

// DeltaPayload carries incremental response text.
type DeltaPayload struct {
	Text string
}

// ToolPayload describes tool lifecycle events.
type ToolPayload struct {
	Name   string
	CallID string
}

// ErrorPayload carries the runtime error for terminal error events.
type ErrorPayload struct {
	Err error
}

// NewDeltaEvent builds a delta event for the given text.
func NewDeltaEvent(text string) Event {
	return Event{Type: EventDelta, Time: time.Now(), Delta: &DeltaPayload{Text: text}}
}

// NewToolEvent builds a tool lifecycle event.
func NewToolEvent(t EventType, name, callID string) Event {
	return Event{Type: t, Time: time.Now(), Tool: &ToolPayload{Name: name, CallID: callID}}
}

// NewIdleEvent builds the terminal idle event.
func NewIdleEvent() Event {
	return Event{Type: EventIdle, Time: time.Now()}
}

// NewErrorEvent builds the terminal error event.
func NewErrorEvent(err error) Event {
	return Event{Type: EventError, Time: time.Now(), Err: &ErrorPayload{Err: err}}
}
