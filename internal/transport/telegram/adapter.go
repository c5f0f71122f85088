// Package telegram adapts the Telegram Bot API to the transport contract.
// Inbound commands are resolved here (/stop becomes an abort trigger, /plan
// and /exitplan drive plan mode, /reset destroys cached sessions); the core
// never sees raw command syntax.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/stewardbot/steward/internal/transport"
)

const confirmPrefix = "confirm:"

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// RateLimit is the outbound API call budget in operations per second.
	// Telegram's practical limit is ~30 messages per second.
	RateLimit float64

	// RateBurst is the token-bucket burst capacity.
	RateBurst int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 30
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements transport.Transport and transport.Receiver over the
// Telegram Bot API using long polling.
type Adapter struct {
	cfg     Config
	bot     *bot.Bot
	inbound chan transport.Inbound
	limiter *transport.RateLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	confirms map[string]chan bool
}

// New creates a Telegram adapter. The bot connection is established when
// Start is called.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		inbound:  make(chan transport.Inbound, 100),
		limiter:  transport.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   cfg.Logger.With("component", "telegram"),
		confirms: make(map[string]chan bool),
	}, nil
}

// Start connects the bot and begins long polling. The inbound channel closes
// when the context is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, confirmPrefix, bot.MatchTypePrefix, a.handleConfirm)

	go func() {
		defer close(a.inbound)
		a.logger.Info("telegram adapter started", "rate_limit", a.cfg.RateLimit)
		b.Start(ctx)
		a.logger.Info("telegram adapter stopped")
	}()
	return nil
}

// Inbound returns the resolved inbound event stream.
func (a *Adapter) Inbound() <-chan transport.Inbound {
	return a.inbound
}

// handleMessage resolves raw Telegram messages into inbound events.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := strconv.FormatInt(update.Message.Chat.ID, 10)
	ev := resolveInbound(userID, update.Message.Text)

	select {
	case a.inbound <- ev:
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound channel full, dropping event", "user_id", userID, "type", ev.Type)
	}
}

// resolveInbound maps raw message text to a resolved inbound event.
func resolveInbound(userID, raw string) transport.Inbound {
	text := strings.TrimSpace(raw)
	ev := transport.Inbound{UserID: userID, Time: time.Now()}
	switch {
	case text == "/stop":
		ev.Type = transport.InboundAbort
	case text == "/exitplan":
		ev.Type = transport.InboundPlanExit
	case text == "/reset":
		ev.Type = transport.InboundReset
	case text == "/plan" || strings.HasPrefix(text, "/plan "):
		ev.Type = transport.InboundPlan
		ev.Text = strings.TrimSpace(strings.TrimPrefix(text, "/plan"))
	default:
		ev.Type = transport.InboundText
		ev.Text = text
	}
	return ev
}

// SendMessage delivers text and returns a reference for later edits.
func (a *Adapter) SendMessage(ctx context.Context, userID, text string) (transport.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, fmt.Errorf("telegram: rate limit wait: %w", err)
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("telegram: bad user id %q: %w", userID, err)
	}
	msg, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("telegram: send message: %w", err)
	}
	return transport.MessageRef{
		ChatID:    userID,
		MessageID: strconv.Itoa(msg.ID),
	}, nil
}

// EditMessage replaces the text of a previously sent message.
func (a *Adapter) EditMessage(ctx context.Context, ref transport.MessageRef, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit wait: %w", err)
	}
	chatID, err := strconv.ParseInt(ref.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", ref.ChatID, err)
	}
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", ref.MessageID, err)
	}
	_, err = a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}

// AskConfirmation sends a yes/no inline keyboard and waits up to wait for the
// button press. An expired wait returns transport.ErrConfirmationExpired.
func (a *Adapter) AskConfirmation(ctx context.Context, userID, prompt string, wait time.Duration) (bool, error) {
	id := uuid.New().String()
	answer := make(chan bool, 1)

	a.mu.Lock()
	a.confirms[id] = answer
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.confirms, id)
		a.mu.Unlock()
	}()

	if err := a.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("telegram: rate limit wait: %w", err)
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("telegram: bad user id %q: %w", userID, err)
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   prompt,
		ReplyMarkup: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{
				{Text: "Yes", CallbackData: confirmPrefix + "yes:" + id},
				{Text: "No", CallbackData: confirmPrefix + "no:" + id},
			}},
		},
	})
	if err != nil {
		return false, fmt.Errorf("telegram: send confirmation: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case yes := <-answer:
		return yes, nil
	case <-timer.C:
		return false, transport.ErrConfirmationExpired
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// handleConfirm routes confirmation button presses back to the waiter.
func (a *Adapter) handleConfirm(ctx context.Context, b *bot.Bot, update *models.Update) {
	q := update.CallbackQuery
	if q == nil {
		return
	}
	_, _ = b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: q.ID})

	data := strings.TrimPrefix(q.Data, confirmPrefix)
	verdict, id, ok := strings.Cut(data, ":")
	if !ok {
		return
	}
	a.deliverConfirm(id, verdict == "yes")
}

// deliverConfirm hands the button verdict to the waiting AskConfirmation
// call. One answer per question; later presses on the same keyboard are
// ignored. Returns whether a waiter was found.
func (a *Adapter) deliverConfirm(id string, yes bool) bool {
	a.mu.Lock()
	answer, exists := a.confirms[id]
	if exists {
		delete(a.confirms, id)
	}
	a.mu.Unlock()
	if !exists {
		return false
	}
	answer <- yes
	return true
}
