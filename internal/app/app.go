// Package app is the coordinator: it consumes resolved inbound chat events
// and drives the session registry, operation tracker, plan-mode machine, and
// streaming orchestrator. One operation per user at a time; everything else
// gets a polite refusal.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/stewardbot/steward/internal/observability"
	"github.com/stewardbot/steward/internal/ops"
	"github.com/stewardbot/steward/internal/planmode"
	"github.com/stewardbot/steward/internal/sessions"
	"github.com/stewardbot/steward/internal/stream"
	"github.com/stewardbot/steward/internal/transport"
)

// DefaultContextID is the working context used when the user has not selected
// one.
const DefaultContextID = "main"

// Config configures the App.
type Config struct {
	Transport    transport.Transport
	Receiver     transport.Receiver
	Registry     *sessions.Registry
	Tracker      *ops.Tracker
	Orchestrator *stream.Orchestrator
	PlanMode     *planmode.Machine
	Metrics      *observability.Metrics

	// ContextID is the working-context key for sessions. Default:
	// DefaultContextID.
	ContextID string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return errors.New("app: transport is required")
	}
	if c.Receiver == nil {
		return errors.New("app: receiver is required")
	}
	if c.Registry == nil {
		return errors.New("app: session registry is required")
	}
	if c.Tracker == nil {
		return errors.New("app: tracker is required")
	}
	if c.Orchestrator == nil {
		return errors.New("app: orchestrator is required")
	}
	if c.PlanMode == nil {
		return errors.New("app: plan-mode machine is required")
	}
	if c.ContextID == "" {
		c.ContextID = DefaultContextID
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// App routes inbound events to operations.
type App struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App from the given configuration.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "app"),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Run consumes inbound events until the context is cancelled or the inbound
// channel closes, then waits for in-flight operations to settle.
func (a *App) Run(ctx context.Context) error {
	defer a.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-a.cfg.Receiver.Inbound():
			if !ok {
				return nil
			}
			a.dispatch(ctx, in)
		}
	}
}

func (a *App) dispatch(ctx context.Context, in transport.Inbound) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.MessagesTotal.WithLabelValues("inbound").Inc()
	}
	switch in.Type {
	case transport.InboundText:
		a.startOperation(ctx, in.UserID, in.Text, false)
	case transport.InboundPlan:
		if in.Text == "" {
			a.reply(ctx, in.UserID, "Tell me what to plan: /plan <request>")
			return
		}
		a.startOperation(ctx, in.UserID, in.Text, true)
	case transport.InboundAbort:
		a.abort(ctx, in.UserID)
	case transport.InboundPlanExit:
		a.exitPlanMode(ctx, in.UserID)
	case transport.InboundReset:
		a.reset(ctx, in.UserID)
	default:
		a.logger.Warn("unknown inbound type", "type", in.Type, "user_id", in.UserID)
	}
}

// startOperation enforces single-flight, resolves the session, and runs the
// operation on its own goroutine.
func (a *App) startOperation(ctx context.Context, userID, prompt string, planning bool) {
	if !a.cfg.Tracker.Begin(userID) {
		a.reply(ctx, userID, "Still working on your previous request. Send /stop to cancel it.")
		return
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.BusyUsers.Inc()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.cfg.Tracker.SetBusy(userID, false)
			a.clearCancel(userID)
			if a.cfg.Metrics != nil {
				a.cfg.Metrics.BusyUsers.Dec()
				a.cfg.Metrics.CachedSessions.Set(float64(a.cfg.Registry.Count()))
			}
		}()
		a.runOperation(ctx, userID, prompt, planning)
	}()
}

func (a *App) runOperation(ctx context.Context, userID, prompt string, planning bool) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.setCancel(userID, cancel)

	// A planning run recreates the session with the planning instruction.
	// While plan mode is already on, the active session was created with the
	// instruction, so plain prompts reuse it.
	var instruction string
	if planning {
		instruction = planmode.Instruction
	}

	sess, err := a.cfg.Registry.Switch(opCtx, userID, a.cfg.ContextID, sessions.SwitchOptions{
		SystemPrompt: instruction,
	})
	if err != nil {
		a.logger.Error("session switch failed", "user_id", userID, "error", err)
		a.reply(ctx, userID, "Could not start a session. Please try again.")
		return
	}

	prompt = a.cfg.PlanMode.DecoratePrompt(userID, prompt)

	res, err := a.cfg.Orchestrator.Run(opCtx, stream.Request{
		UserID:  userID,
		Session: sess,
		Prompt:  prompt,
	})
	if err != nil {
		a.replyTerminal(ctx, userID, err)
		return
	}

	if planning {
		planID := uuid.NewString()
		a.cfg.PlanMode.Enter(userID, planID)
		a.reply(ctx, userID, "Plan mode is on. Prompts refine the plan; send /exitplan when you are done.")
		a.logger.Info("plan mode entered", "user_id", userID, "plan_id", planID)
	}
	a.logger.Info("operation completed", "user_id", userID,
		"elapsed", res.Elapsed, "auto_ext", res.AutoExtensions, "manual_ext", res.ManualExtensions)
}

// replyTerminal renders a terminal operation error to the user. Messages stay
// short and never expose internals; the full error goes to the log.
func (a *App) replyTerminal(ctx context.Context, userID string, err error) {
	var agentErr *stream.AgentError
	switch {
	case errors.Is(err, stream.ErrCancelled):
		a.reply(ctx, userID, "Stopped.")
	case errors.Is(err, stream.ErrTimedOutDeclined):
		a.reply(ctx, userID, "Stopped at the time limit.")
	case errors.Is(err, stream.ErrTimedOutCeiling):
		a.reply(ctx, userID, "Stopped: the maximum allowed time was reached.")
	case errors.Is(err, stream.ErrConfirmTimeout):
		a.reply(ctx, userID, "Stopped at the time limit (no answer to the extension prompt).")
	case errors.As(err, &agentErr):
		a.logger.Error("agent error", "user_id", userID, "error", err)
		a.reply(ctx, userID, "The agent ran into an error and the request was not completed.")
	default:
		a.logger.Error("operation failed", "user_id", userID, "error", err)
		a.reply(ctx, userID, "Something went wrong. Please try again.")
	}
}

// abort cancels the user's in-flight operation, if any.
func (a *App) abort(ctx context.Context, userID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[userID]
	a.mu.Unlock()
	if !ok {
		a.reply(ctx, userID, "Nothing is running.")
		return
	}
	a.logger.Info("operation abort requested", "user_id", userID)
	cancel()
}

// exitPlanMode turns plan mode off with the one-shot notice.
func (a *App) exitPlanMode(ctx context.Context, userID string) {
	if _, active := a.cfg.PlanMode.Active(userID); !active {
		a.reply(ctx, userID, "Plan mode is not on.")
		return
	}
	a.cfg.PlanMode.Exit(userID)
	a.reply(ctx, userID, "Plan mode is off.")
}

// reset destroys the user's cached sessions. Plan mode exits first so the
// pending off notice survives the destroy hook.
func (a *App) reset(ctx context.Context, userID string) {
	if a.cfg.Tracker.IsBusy(userID) {
		a.reply(ctx, userID, "An operation is still running. Send /stop first.")
		return
	}
	a.cfg.PlanMode.Exit(userID)
	for _, e := range a.cfg.Registry.List(userID) {
		if err := a.cfg.Registry.Destroy(ctx, userID, e.ContextID); err != nil {
			a.logger.Warn("reset destroy failed", "user_id", userID, "context_id", e.ContextID, "error", err)
		}
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.CachedSessions.Set(float64(a.cfg.Registry.Count()))
	}
	a.reply(ctx, userID, "Fresh start. Your sessions were reset.")
}

func (a *App) reply(ctx context.Context, userID, text string) {
	if _, err := a.cfg.Transport.SendMessage(ctx, userID, text); err != nil {
		a.logger.Warn("reply failed", "user_id", userID, "error", err)
	}
}

func (a *App) setCancel(userID string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels[userID] = cancel
}

func (a *App) clearCancel(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cancels, userID)
}
