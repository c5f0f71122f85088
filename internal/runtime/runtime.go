// Package runtime defines the contract between the gateway core and the
// agent runtime that executes prompts. The core only ever talks to these
// interfaces; concrete adapters (see the anthropic subpackage) translate
// provider SDKs into this shape.
package runtime

import "context"

// SessionOptions configures session creation.
type SessionOptions struct {
	// ContextID identifies the working context (one conversation per context).
	ContextID string

	// SystemPrompt is an optional system instruction override. A non-empty
	// value forces session recreation even when a cached session exists.
	SystemPrompt string

	// Model optionally overrides the runtime's default model.
	Model string
}

// Runtime creates agent sessions. Implementations must be safe for
// concurrent use.
type Runtime interface {
	// CreateSession opens a new conversation with the agent runtime.
	// Errors propagate unmodified to the caller; the core performs no retry.
	CreateSession(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is one working-context's conversation with the agent runtime.
//
// Send dispatches a prompt; the response arrives asynchronously through the
// event stream. Subscribe registers an event callback and returns an
// unsubscribe function; callbacks for one session are invoked sequentially.
// Abort cancels any in-flight prompt. Destroy releases the session; using a
// destroyed session is an error.
type Session interface {
	Send(ctx context.Context, prompt string) error
	Subscribe(fn func(Event)) (unsubscribe func())
	Abort()
	Destroy(ctx context.Context) error
}
