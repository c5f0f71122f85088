// Package anthropic implements the runtime contract on top of Anthropic's
// Messages API. Each session keeps its conversation history locally and
// translates one streamed Messages call per Send into runtime events.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stewardbot/steward/internal/runtime"
)

// DefaultModel is used when the configuration does not name one.
const DefaultModel = "claude-sonnet-4-20250514"

// DefaultMaxTokens bounds each response when the configuration does not.
const DefaultMaxTokens = 4096

// ErrSessionDestroyed is returned when a destroyed session is used.
var ErrSessionDestroyed = errors.New("anthropic: session destroyed")

// ErrPromptInFlight is returned when Send is called while a previous prompt
// is still streaming. Callers enforce single-flight above this layer; the
// session defends itself anyway.
var ErrPromptInFlight = errors.New("anthropic: prompt already in flight")

// Config holds configuration for the Anthropic runtime.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// Model is the default model for sessions that do not override it.
	Model string

	// MaxTokens bounds each streamed response.
	MaxTokens int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("anthropic: API key is required")
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Runtime creates Anthropic-backed sessions. Safe for concurrent use.
type Runtime struct {
	client anthropic.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Runtime from the given configuration.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Runtime{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: cfg.Logger.With("component", "anthropic"),
	}, nil
}

// CreateSession opens a new conversation.
func (r *Runtime) CreateSession(_ context.Context, opts runtime.SessionOptions) (runtime.Session, error) {
	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}
	return &session{
		rt:     r,
		opts:   opts,
		model:  model,
		subs:   make(map[int]func(runtime.Event)),
		logger: r.logger.With("context_id", opts.ContextID),
	}, nil
}

type session struct {
	rt     *Runtime
	opts   runtime.SessionOptions
	model  string
	logger *slog.Logger

	mu        sync.Mutex
	history   []anthropic.MessageParam
	subs      map[int]func(runtime.Event)
	nextSub   int
	cancel    context.CancelFunc
	destroyed bool
}

// Send dispatches a prompt; the streamed response is delivered through the
// event stream on a separate goroutine.
func (s *session) Send(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrPromptInFlight
	}
	s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	messages := append([]anthropic.MessageParam(nil), s.history...)
	s.mu.Unlock()

	go s.stream(streamCtx, messages)
	return nil
}

// stream runs one Messages call and converts SSE events to runtime events.
func (s *session) stream(ctx context.Context, messages []anthropic.MessageParam) {
	defer func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		Messages:  messages,
		MaxTokens: int64(s.rt.cfg.MaxTokens),
	}
	if s.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: s.opts.SystemPrompt}}
	}

	stream := s.rt.client.Messages.NewStreaming(ctx, params)

	var final strings.Builder
	var toolName, toolID string
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tool := block.AsToolUse()
				toolName, toolID = tool.Name, tool.ID
				s.emit(runtime.NewToolEvent(runtime.EventToolStart, toolName, toolID))
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				final.WriteString(delta.Text)
				s.emit(runtime.NewDeltaEvent(delta.Text))
			}
		case "content_block_stop":
			if toolName != "" {
				s.emit(runtime.NewToolEvent(runtime.EventToolFinish, toolName, toolID))
				toolName, toolID = "", ""
			}
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			// Abort path: the caller already tore the operation down.
			s.logger.Debug("stream aborted")
			return
		}
		s.logger.Warn("stream failed", "error", err)
		s.emit(runtime.NewErrorEvent(fmt.Errorf("anthropic: stream: %w", err)))
		return
	}

	s.mu.Lock()
	if text := final.String(); text != "" {
		s.history = append(s.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
	}
	s.mu.Unlock()
	s.emit(runtime.NewIdleEvent())
}

// Subscribe registers an event callback; the returned function removes it.
func (s *session) Subscribe(fn func(runtime.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Abort cancels any in-flight stream.
func (s *session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Destroy aborts any in-flight stream and marks the session unusable.
func (s *session) Destroy(_ context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.destroyed = true
	s.subs = make(map[int]func(runtime.Event))
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// emit delivers the event to all subscribers sequentially.
func (s *session) emit(ev runtime.Event) {
	s.mu.Lock()
	fns := make([]func(runtime.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
