// Package stream runs one streaming operation end to end: it consumes the
// agent runtime's event stream, renders throttled progress into a single
// status message, keeps a heartbeat alive during quiet stretches, probes for
// automatic timeout extensions, negotiates manual extensions when the soft
// timeout fires, bounds the response buffer, and wires cancellation.
//
// Each operation is driven by a single event-loop goroutine: runtime events,
// ticker ticks, the timeout fire, confirmation answers, and context
// cancellation all arrive over channels into one select loop, so operation
// state is never touched concurrently.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/stewardbot/steward/internal/observability"
	"github.com/stewardbot/steward/internal/ops"
	"github.com/stewardbot/steward/internal/runtime"
	"github.com/stewardbot/steward/internal/transport"
)

// Arbiter holder names for the two extension paths.
const (
	holderAuto   = "auto"
	holderManual = "manual"
)

// Config configures an Orchestrator.
type Config struct {
	Transport transport.Transport
	Tracker   *ops.Tracker
	Arbiter   *ops.Arbiter
	Metrics   *observability.Metrics

	// BaseTimeout is the soft timeout armed at operation start.
	// Default: 1 hour.
	BaseTimeout time.Duration

	// ExtensionIncrement is added per extension, automatic or manual.
	// Default: 20 minutes.
	ExtensionIncrement time.Duration

	// HardCeiling caps total operation time; no extension may push the
	// operation past it. Default: 2 hours.
	HardCeiling time.Duration

	// ThresholdFraction of the effective timeout after which an automatic
	// extension becomes eligible. Default: 0.7.
	ThresholdFraction float64

	// ActivityWindow is how recent stream activity must be for an automatic
	// extension. Default: 3 minutes.
	ActivityWindow time.Duration

	// HeartbeatWarn is the quiet period after which the status message gets
	// a heartbeat edit. Default: 60 seconds.
	HeartbeatWarn time.Duration

	// HeartbeatUpdate is the repeat interval for heartbeat edits while the
	// stream stays quiet. Default: 30 seconds.
	HeartbeatUpdate time.Duration

	// ProbeInterval is the automatic-extension probe interval.
	// Default: 30 seconds.
	ProbeInterval time.Duration

	// ProgressInterval throttles status-message edits carrying coalesced
	// response deltas. Default: 5 seconds.
	ProgressInterval time.Duration

	// ConfirmWait bounds the manual-extension confirmation.
	// Default: 60 seconds.
	ConfirmWait time.Duration

	// BufferLimit caps the response buffer in bytes; exceeding it trims to
	// the most recent bytes. Default: 256 KiB.
	BufferLimit int

	// ChunkSize bounds final-delivery message size in bytes.
	// Default: transport.DefaultChunkSize.
	ChunkSize int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger

	// Now is the time source, injectable for tests.
	Now func() time.Time
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return errors.New("stream: transport is required")
	}
	if c.Tracker == nil {
		return errors.New("stream: tracker is required")
	}
	if c.Arbiter == nil {
		return errors.New("stream: arbiter is required")
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = time.Hour
	}
	if c.ExtensionIncrement <= 0 {
		c.ExtensionIncrement = 20 * time.Minute
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = 2 * time.Hour
	}
	if c.ThresholdFraction <= 0 || c.ThresholdFraction > 1 {
		c.ThresholdFraction = 0.7
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 3 * time.Minute
	}
	if c.HeartbeatWarn <= 0 {
		c.HeartbeatWarn = time.Minute
	}
	if c.HeartbeatUpdate <= 0 {
		c.HeartbeatUpdate = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.ConfirmWait <= 0 {
		c.ConfirmWait = time.Minute
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = 256 << 10
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = transport.DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Request describes one operation.
type Request struct {
	UserID  string
	Session runtime.Session
	Prompt  string
}

// Result is the settled outcome of a successful operation.
type Result struct {
	Text             string
	Elapsed          time.Duration
	AutoExtensions   int
	ManualExtensions int
	BufferTrimmed    bool
}

// Orchestrator runs streaming operations. Safe for concurrent use across
// users; the caller enforces single-flight per user.
type Orchestrator struct {
	cfg     Config
	chunker *transport.Chunker
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator from the given configuration.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:     cfg,
		chunker: transport.NewChunker(cfg.ChunkSize),
		logger:  cfg.Logger.With("component", "stream"),
	}, nil
}

// confirmOutcome is the manual-extension verdict delivered back into the
// event loop.
type confirmOutcome struct {
	extended bool
	err      error
}

// run is the per-operation state. Owned by the event loop; never shared.
type run struct {
	userID  string
	session runtime.Session
	start   time.Time

	buf     []byte
	trimmed bool
	dirty   bool

	lastActivity  time.Time
	lastHeartbeat time.Time
	currentTool   string
	compacting    bool

	autoExt         int
	manualExt       int
	awaitingConfirm bool

	statusRef transport.MessageRef
	hasStatus bool

	events    chan runtime.Event
	timeoutCh chan struct{}
	confirmCh chan confirmOutcome
	done      chan struct{}

	unsub    func()
	stopOnce sync.Once
}

// Run executes one operation and blocks until a terminal transition. The
// caller marks the user busy before calling and clears the flag in a
// deferred block around the call.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	now := o.cfg.Now()
	r := &run{
		userID:       req.UserID,
		session:      req.Session,
		start:        now,
		lastActivity: now,
		events:       make(chan runtime.Event, 256),
		timeoutCh:    make(chan struct{}, 1),
		confirmCh:    make(chan confirmOutcome, 1),
		done:         make(chan struct{}),
	}
	logger := o.logger.With("user_id", req.UserID)

	if ref, err := o.cfg.Transport.SendMessage(ctx, req.UserID, "Working on it…"); err != nil {
		// Progress rendering is best-effort; the operation itself proceeds.
		logger.Warn("status message failed", "error", err)
	} else {
		r.statusRef = ref
		r.hasStatus = true
	}

	o.cfg.Tracker.StartTimeout(req.UserID, o.cfg.BaseTimeout, func() {
		select {
		case r.timeoutCh <- struct{}{}:
		default:
		}
	})

	r.unsub = req.Session.Subscribe(func(ev runtime.Event) {
		select {
		case r.events <- ev:
		case <-r.done:
			// Terminal transition already happened; late events must not
			// write into a closed operation.
		}
	})

	if err := req.Session.Send(ctx, req.Prompt); err != nil {
		o.teardown(r)
		return nil, err
	}

	heartbeat := time.NewTicker(o.cfg.HeartbeatUpdate)
	defer heartbeat.Stop()
	probe := time.NewTicker(o.cfg.ProbeInterval)
	defer probe.Stop()
	progress := time.NewTicker(o.cfg.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			o.teardown(r)
			req.Session.Abort()
			o.countTerminal(observability.StateCancelled, r)
			logger.Info("operation cancelled", "elapsed", o.cfg.Now().Sub(r.start))
			return nil, ErrCancelled

		case ev := <-r.events:
			if result, err, terminal := o.handleEvent(ctx, r, ev); terminal {
				return result, err
			}

		case <-progress.C:
			if r.dirty && r.hasStatus {
				r.dirty = false
				o.editStatus(ctx, r)
			}

		case <-heartbeat.C:
			o.maybeHeartbeat(ctx, r)

		case <-probe.C:
			o.maybeAutoExtend(ctx, r)

		case <-r.timeoutCh:
			if r.awaitingConfirm {
				continue
			}
			release, ok := o.cfg.Arbiter.TryAcquire(r.userID, holderManual)
			if !ok {
				// The auto path holds the arbiter; it is about to extend, so
				// skip the confirmation entirely this cycle.
				logger.Debug("manual extension skipped, arbiter held")
				o.countSkip(observability.ExtensionManual)
				continue
			}
			r.awaitingConfirm = true
			go o.confirmExtension(ctx, r, release)

		case out := <-r.confirmCh:
			r.awaitingConfirm = false
			if out.extended {
				r.manualExt++
				o.countExtension(observability.ExtensionManual)
				o.notify(ctx, r, fmt.Sprintf("Extended by %s at your request (total extension %s).",
					formatDuration(o.cfg.ExtensionIncrement), formatDuration(o.cfg.Tracker.Extension(r.userID))))
				continue
			}
			o.teardown(r)
			req.Session.Abort()
			o.countTerminal(observability.StateTimedOut, r)
			logger.Info("operation timed out", "elapsed", o.cfg.Now().Sub(r.start), "reason", out.err)
			return nil, out.err
		}
	}
}

// handleEvent processes one runtime event. terminal reports whether the
// operation settled.
func (o *Orchestrator) handleEvent(ctx context.Context, r *run, ev runtime.Event) (*Result, error, bool) {
	switch ev.Type {
	case runtime.EventDelta:
		r.lastActivity = o.cfg.Now()
		if first := o.append(r, ev.Delta.Text); first {
			o.notify(ctx, r, fmt.Sprintf("Response exceeded %d bytes; older output is being dropped.", o.cfg.BufferLimit))
		}
		r.dirty = true

	case runtime.EventToolStart:
		r.lastActivity = o.cfg.Now()
		r.currentTool = ev.Tool.Name
		o.editStatus(ctx, r)

	case runtime.EventToolFinish:
		r.lastActivity = o.cfg.Now()
		r.currentTool = ""
		o.editStatus(ctx, r)

	case runtime.EventCompactionStart:
		r.lastActivity = o.cfg.Now()
		r.compacting = true
		o.editStatus(ctx, r)

	case runtime.EventCompactionFinish:
		r.lastActivity = o.cfg.Now()
		r.compacting = false
		o.editStatus(ctx, r)

	case runtime.EventIdle:
		o.teardown(r)
		res := &Result{
			Text:             string(r.buf),
			Elapsed:          o.cfg.Now().Sub(r.start),
			AutoExtensions:   r.autoExt,
			ManualExtensions: r.manualExt,
			BufferTrimmed:    r.trimmed,
		}
		o.deliver(ctx, r, res)
		o.countTerminal(observability.StateIdle, r)
		return res, nil, true

	case runtime.EventError:
		o.teardown(r)
		o.countTerminal(observability.StateError, r)
		return nil, &AgentError{Err: ev.Err.Err}, true
	}
	return nil, nil, false
}

// append adds text to the bounded buffer, trimming to the most recent bytes
// on overflow without splitting a rune. Returns true on the first trim of
// this operation.
func (o *Orchestrator) append(r *run, text string) (firstTrim bool) {
	r.buf = append(r.buf, text...)
	if len(r.buf) <= o.cfg.BufferLimit {
		return false
	}
	cut := len(r.buf) - o.cfg.BufferLimit
	for cut < len(r.buf) && !utf8.RuneStart(r.buf[cut]) {
		cut++
	}
	r.buf = r.buf[cut:]
	first := !r.trimmed
	r.trimmed = true
	if first && o.cfg.Metrics != nil {
		o.cfg.Metrics.BufferTrims.Inc()
	}
	return first
}

// maybeHeartbeat edits the status message when the stream has been quiet for
// the warning interval, repeating at the update interval until activity
// resets the clock.
func (o *Orchestrator) maybeHeartbeat(ctx context.Context, r *run) {
	if !r.hasStatus {
		return
	}
	now := o.cfg.Now()
	if now.Sub(r.lastActivity) < o.cfg.HeartbeatWarn {
		r.lastHeartbeat = time.Time{}
		return
	}
	if !r.lastHeartbeat.IsZero() && now.Sub(r.lastHeartbeat) < o.cfg.HeartbeatUpdate {
		return
	}
	r.lastHeartbeat = now

	elapsed := now.Sub(r.start)
	text := fmt.Sprintf("Still working, %s elapsed", formatDuration(elapsed))
	if original, ok := o.cfg.Tracker.OriginalTimeout(r.userID); ok {
		effective := original + o.cfg.Tracker.Extension(r.userID)
		remaining := effective - elapsed
		if remaining < 0 {
			remaining = 0
		}
		text += fmt.Sprintf(", ~%s until timeout", formatDuration(remaining))
	}
	if err := o.cfg.Transport.EditMessage(ctx, r.statusRef, text); err != nil {
		o.logger.Warn("heartbeat edit failed", "user_id", r.userID, "error", err)
	}
}

// maybeAutoExtend applies an automatic extension when the operation is deep
// enough into its effective timeout, the stream is recently active, and the
// increment fits under the hard ceiling. Arbiter contention is benign: skip
// silently.
func (o *Orchestrator) maybeAutoExtend(ctx context.Context, r *run) {
	if r.awaitingConfirm {
		return
	}
	elapsed, ok := o.cfg.Tracker.Elapsed(r.userID)
	if !ok {
		return
	}
	original, ok := o.cfg.Tracker.OriginalTimeout(r.userID)
	if !ok {
		return
	}
	effective := original + o.cfg.Tracker.Extension(r.userID)
	if float64(elapsed) < o.cfg.ThresholdFraction*float64(effective) {
		return
	}
	if o.cfg.Now().Sub(r.lastActivity) > o.cfg.ActivityWindow {
		return
	}
	if elapsed+o.cfg.ExtensionIncrement > o.cfg.HardCeiling {
		return
	}

	release, ok := o.cfg.Arbiter.TryAcquire(r.userID, holderAuto)
	if !ok {
		o.logger.Debug("auto extension skipped, arbiter held", "user_id", r.userID)
		o.countSkip(observability.ExtensionAuto)
		return
	}
	defer release()

	if !o.cfg.Tracker.ExtendTimeout(r.userID, o.cfg.ExtensionIncrement) {
		return
	}
	r.autoExt++
	o.countExtension(observability.ExtensionAuto)
	o.logger.Info("timeout auto-extended", "user_id", r.userID, "elapsed", elapsed,
		"total_extension", o.cfg.Tracker.Extension(r.userID))
	o.notify(ctx, r, fmt.Sprintf("Still making progress: extended the time limit by %s (total extension %s).",
		formatDuration(o.cfg.ExtensionIncrement), formatDuration(o.cfg.Tracker.Extension(r.userID))))
}

// confirmExtension runs the manual-extension negotiation on a helper
// goroutine so the event loop keeps draining stream events. The arbiter
// release wraps the entire sequence, including the extension itself.
func (o *Orchestrator) confirmExtension(ctx context.Context, r *run, release func()) {
	var out confirmOutcome
	defer func() {
		release()
		r.confirmCh <- out
	}()

	elapsed, _ := o.cfg.Tracker.Elapsed(r.userID)
	prompt := fmt.Sprintf("This has been running for %s and hit its time limit. Extend by %s?",
		formatDuration(elapsed), formatDuration(o.cfg.ExtensionIncrement))

	yes, err := o.cfg.Transport.AskConfirmation(ctx, r.userID, prompt, o.cfg.ConfirmWait)
	switch {
	case errors.Is(err, transport.ErrConfirmationExpired):
		out.err = ErrConfirmTimeout
		return
	case errors.Is(err, context.Canceled):
		out.err = ErrCancelled
		return
	case err != nil:
		o.logger.Warn("confirmation failed", "user_id", r.userID, "error", err)
		out.err = ErrConfirmTimeout
		return
	case !yes:
		out.err = ErrTimedOutDeclined
		return
	}

	original, ok := o.cfg.Tracker.OriginalTimeout(r.userID)
	if !ok {
		out.err = ErrTimedOutDeclined
		return
	}
	projected := original + o.cfg.Tracker.Extension(r.userID) + o.cfg.ExtensionIncrement
	if projected > o.cfg.HardCeiling {
		out.err = ErrTimedOutCeiling
		return
	}
	if !o.cfg.Tracker.ExtendTimeout(r.userID, o.cfg.ExtensionIncrement) {
		out.err = ErrTimedOutDeclined
		return
	}
	out.extended = true
}

// deliver sends the completed text as ordered transport-sized chunks, the
// last carrying a completion footer. Delivery is best-effort: a failed chunk
// is logged and the rest still go out.
func (o *Orchestrator) deliver(ctx context.Context, r *run, res *Result) {
	chunks := o.chunker.Chunk(res.Text)
	footer := fmt.Sprintf("\n\n(done in %s, %d extension(s))",
		formatDuration(res.Elapsed), res.AutoExtensions+res.ManualExtensions)
	if len(chunks) == 0 {
		chunks = []string{"(no response)" + footer}
	} else {
		chunks[len(chunks)-1] += footer
	}
	for i, chunk := range chunks {
		if _, err := o.cfg.Transport.SendMessage(ctx, r.userID, chunk); err != nil {
			o.logger.Warn("final delivery failed", "user_id", r.userID, "chunk", i, "error", err)
		} else if o.cfg.Metrics != nil {
			o.cfg.Metrics.MessagesTotal.WithLabelValues("outbound").Inc()
		}
	}
}

// editStatus refreshes the status message immediately (tool transitions and
// throttled progress ticks both land here).
func (o *Orchestrator) editStatus(ctx context.Context, r *run) {
	if !r.hasStatus {
		return
	}
	if err := o.cfg.Transport.EditMessage(ctx, r.statusRef, o.statusText(r)); err != nil {
		o.logger.Warn("status edit failed", "user_id", r.userID, "error", err)
	}
}

// statusText renders the current status line plus a tail preview of the
// buffered response.
func (o *Orchestrator) statusText(r *run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working… %s elapsed", formatDuration(o.cfg.Now().Sub(r.start)))
	if r.currentTool != "" {
		fmt.Fprintf(&b, " — running %s", r.currentTool)
	}
	if r.compacting {
		b.WriteString(" — compacting context")
	}
	if tail := bufferTail(r.buf, 300); tail != "" {
		b.WriteString("\n\n…")
		b.WriteString(tail)
	}
	return b.String()
}

// notify sends a short out-of-band message to the user, best-effort.
func (o *Orchestrator) notify(ctx context.Context, r *run, text string) {
	if _, err := o.cfg.Transport.SendMessage(ctx, r.userID, text); err != nil {
		o.logger.Warn("notify failed", "user_id", r.userID, "error", err)
	}
}

// teardown performs the terminal transition exactly once: clear the soft
// timeout, detach from the event stream, and fence out late events.
func (o *Orchestrator) teardown(r *run) {
	r.stopOnce.Do(func() {
		o.cfg.Tracker.ClearTimeout(r.userID)
		r.unsub()
		close(r.done)
	})
}

func (o *Orchestrator) countTerminal(state string, r *run) {
	if o.cfg.Metrics == nil {
		return
	}
	o.cfg.Metrics.OperationsTotal.WithLabelValues(state).Inc()
	o.cfg.Metrics.OperationDuration.Observe(o.cfg.Now().Sub(r.start).Seconds())
}

func (o *Orchestrator) countExtension(kind string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ExtensionsTotal.WithLabelValues(kind).Inc()
	}
}

func (o *Orchestrator) countSkip(kind string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ExtensionSkips.WithLabelValues(kind).Inc()
	}
}

// bufferTail returns the last max bytes of buf starting on a rune boundary.
func bufferTail(buf []byte, max int) string {
	if len(buf) == 0 {
		return ""
	}
	if len(buf) <= max {
		return string(buf)
	}
	cut := len(buf) - max
	for cut < len(buf) && !utf8.RuneStart(buf[cut]) {
		cut++
	}
	return string(buf[cut:])
}

// formatDuration renders durations the way users read them: seconds under a
// minute, minutes under an hour, hours and minutes beyond.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	}
}
