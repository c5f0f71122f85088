package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stewardbot/steward/internal/ops"
	"github.com/stewardbot/steward/internal/runtime"
	"github.com/stewardbot/steward/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	edits  []string
	asks   int
	answer bool
	askErr error
}

func (f *fakeTransport) SendMessage(_ context.Context, _, text string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: "1", MessageID: fmt.Sprint(len(f.sent))}, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, _ transport.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) AskConfirmation(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asks++
	return f.answer, f.askErr
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func (f *fakeTransport) askCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asks
}

func (f *fakeTransport) sentContaining(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

type fakeSession struct {
	mu      sync.Mutex
	subs    map[int]func(runtime.Event)
	nextSub int
	aborts  int
	sendErr error
	started chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		subs:    make(map[int]func(runtime.Event)),
		started: make(chan struct{}),
	}
}

func (s *fakeSession) Send(context.Context, string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	close(s.started)
	return nil
}

func (s *fakeSession) Subscribe(fn func(runtime.Event)) func() {
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

func (s *fakeSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
}

func (s *fakeSession) Destroy(context.Context) error { return nil }

func (s *fakeSession) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func (s *fakeSession) emit(ev runtime.Event) {
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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(tr *fakeTransport, tk *ops.Tracker, arb *ops.Arbiter) Config {
	return Config{
		Transport: tr,
		Tracker:   tk,
		Arbiter:   arb,
		Logger:    quietLogger(),
	}
}

type runOutcome struct {
	res *Result
	err error
}

// startRun launches the orchestrator on a goroutine and waits for the prompt
// dispatch, so events emitted afterwards are guaranteed to have a subscriber.
func startRun(t *testing.T, o *Orchestrator, ctx context.Context, s *fakeSession, userID string) chan runOutcome {
	t.Helper()
	out := make(chan runOutcome, 1)
	go func() {
		res, err := o.Run(ctx, Request{UserID: userID, Session: s, Prompt: "do the thing"})
		out <- runOutcome{res, err}
	}()
	select {
	case <-s.started:
	case <-time.After(5 * time.Second):
		t.Fatal("prompt was never dispatched")
	}
	return out
}

func waitOutcome(t *testing.T, out chan runOutcome) runOutcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("operation never settled")
		return runOutcome{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunDeliversChunkedResult(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.ChunkSize = 40
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	s.emit(runtime.NewDeltaEvent("First paragraph of the answer.\n\n"))
	s.emit(runtime.NewDeltaEvent("Second paragraph, also part of the answer."))
	s.emit(runtime.NewIdleEvent())

	got := waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if !strings.Contains(got.res.Text, "Second paragraph") {
		t.Fatalf("result text truncated: %q", got.res.Text)
	}
	if got.res.AutoExtensions != 0 || got.res.ManualExtensions != 0 {
		t.Fatalf("extensions = %d/%d, want 0/0", got.res.AutoExtensions, got.res.ManualExtensions)
	}

	sent := tr.sentTexts()
	if len(sent) < 3 {
		t.Fatalf("sent %d messages, want status plus at least 2 chunks", len(sent))
	}
	last := sent[len(sent)-1]
	if !strings.Contains(last, "done in") || !strings.Contains(last, "0 extension(s)") {
		t.Fatalf("last chunk missing completion footer: %q", last)
	}
	for i, msg := range sent[1 : len(sent)-1] {
		if len(msg) > cfg.ChunkSize {
			t.Fatalf("chunk %d is %d bytes, exceeds %d", i, len(msg), cfg.ChunkSize)
		}
	}
	if ot, ok := tk.OriginalTimeout("u1"); ok {
		t.Fatalf("timeout still armed after completion: %v", ot)
	}
}

func TestRunBoundsBuffer(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.BufferLimit = 64
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	for i := 0; i < 30; i++ {
		s.emit(runtime.NewDeltaEvent("日本語テキスト"))
	}
	s.emit(runtime.NewIdleEvent())

	got := waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if !got.res.BufferTrimmed {
		t.Fatal("buffer should have been trimmed")
	}
	if len(got.res.Text) > cfg.BufferLimit {
		t.Fatalf("result is %d bytes, exceeds limit %d", len(got.res.Text), cfg.BufferLimit)
	}
	if !utf8.ValidString(got.res.Text) {
		t.Fatalf("trimming split a rune: %q", got.res.Text)
	}
	if !strings.HasSuffix(got.res.Text, "日本語テキスト") {
		t.Fatalf("trim should keep the most recent output: %q", got.res.Text)
	}
	if n := tr.sentContaining("older output is being dropped"); n != 1 {
		t.Fatalf("trim warning sent %d times, want exactly once", n)
	}
}

func TestRunAutoExtension(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	tk.SetNowFunc(clock.Now)

	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.Now = clock.Now
	cfg.BaseTimeout = 60 * time.Minute
	cfg.ExtensionIncrement = 20 * time.Minute
	cfg.HardCeiling = 120 * time.Minute
	cfg.ThresholdFraction = 0.7
	cfg.ActivityWindow = 240 * time.Hour
	cfg.ProbeInterval = 2 * time.Millisecond
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	// 42m elapsed is exactly 0.7 of the 60m base timeout.
	clock.Advance(42 * time.Minute)
	waitFor(t, "first extension", func() bool {
		return tk.Extension("u1") == 20*time.Minute
	})

	// 56m is 0.7 of the now-effective 80m.
	clock.Advance(14 * time.Minute)
	waitFor(t, "second extension", func() bool {
		return tk.Extension("u1") == 40*time.Minute
	})

	s.emit(runtime.NewIdleEvent())
	got := waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if got.res.AutoExtensions != 2 {
		t.Fatalf("auto extensions = %d, want 2", got.res.AutoExtensions)
	}
	if n := tr.sentContaining("Still making progress"); n != 2 {
		t.Fatalf("extension notices = %d, want 2", n)
	}
	if tr.askCount() != 0 {
		t.Fatal("automatic extensions must never ask the user")
	}
}

func TestRunManualDecline(t *testing.T) {
	tr := &fakeTransport{answer: false}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.BaseTimeout = 20 * time.Millisecond
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrTimedOutDeclined) {
		t.Fatalf("err = %v, want ErrTimedOutDeclined", got.err)
	}
	if tr.askCount() != 1 {
		t.Fatalf("asks = %d, want 1", tr.askCount())
	}
	if s.abortCount() != 1 {
		t.Fatalf("aborts = %d, want exactly 1", s.abortCount())
	}
	if !IsTimeout(got.err) {
		t.Fatal("decline should classify as a timeout")
	}
}

func TestRunManualAccept(t *testing.T) {
	tr := &fakeTransport{answer: true}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.BaseTimeout = 20 * time.Millisecond
	cfg.ExtensionIncrement = time.Hour
	cfg.HardCeiling = 2 * time.Hour
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	waitFor(t, "manual extension notice", func() bool {
		return tr.sentContaining("Extended by") == 1
	})
	s.emit(runtime.NewIdleEvent())

	got := waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if got.res.ManualExtensions != 1 {
		t.Fatalf("manual extensions = %d, want 1", got.res.ManualExtensions)
	}
	if s.abortCount() != 0 {
		t.Fatal("an accepted extension must not abort the session")
	}
}

func TestRunConfirmationExpiry(t *testing.T) {
	tr := &fakeTransport{askErr: transport.ErrConfirmationExpired}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.BaseTimeout = 20 * time.Millisecond
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrConfirmTimeout) {
		t.Fatalf("err = %v, want ErrConfirmTimeout", got.err)
	}
	if s.abortCount() != 1 {
		t.Fatalf("aborts = %d, want 1", s.abortCount())
	}
}

func TestRunHardCeiling(t *testing.T) {
	tr := &fakeTransport{answer: true}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	cfg.BaseTimeout = 20 * time.Millisecond
	cfg.ExtensionIncrement = 20 * time.Minute
	cfg.HardCeiling = 20 * time.Minute
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrTimedOutCeiling) {
		t.Fatalf("err = %v, want ErrTimedOutCeiling", got.err)
	}
	if ext := tk.Extension("u1"); ext != 0 {
		t.Fatalf("ledger = %v, want no extension past the ceiling", ext)
	}
}

func TestRunContextCancelled(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	ctx, cancel := context.WithCancel(context.Background())
	out := startRun(t, o, ctx, s, "u1")

	cancel()
	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", got.err)
	}
	if s.abortCount() != 1 {
		t.Fatalf("aborts = %d, want 1", s.abortCount())
	}
	if ot, ok := tk.OriginalTimeout("u1"); ok {
		t.Fatalf("timeout still armed after cancel: %v", ot)
	}
}

func TestRunSkipsConfirmationWhenArbiterHeld(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	arb := ops.NewArbiter()
	release, ok := arb.TryAcquire("u1", "elsewhere")
	if !ok {
		t.Fatal("pre-acquire failed")
	}
	defer release()

	cfg := baseConfig(tr, tk, arb)
	cfg.BaseTimeout = 20 * time.Millisecond
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	// Let the timeout fire and get skipped, then finish normally.
	time.Sleep(60 * time.Millisecond)
	s.emit(runtime.NewIdleEvent())

	got := waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if tr.askCount() != 0 {
		t.Fatalf("asks = %d, want 0 while another extension holds the lock", tr.askCount())
	}
}

func TestRunToolEventsRefreshStatus(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	s.emit(runtime.NewToolEvent(runtime.EventToolStart, "search_web", "t1"))
	s.emit(runtime.NewToolEvent(runtime.EventToolFinish, "search_web", "t1"))
	s.emit(runtime.NewIdleEvent())

	got := waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	var found bool
	for _, edit := range tr.editTexts() {
		if strings.Contains(edit, "search_web") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no status edit named the running tool; edits: %v", tr.editTexts())
	}
}

func TestRunAgentErrorPassthrough(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	out := startRun(t, o, context.Background(), s, "u1")

	cause := errors.New("model overloaded")
	s.emit(runtime.NewErrorEvent(cause))

	got := waitOutcome(t, out)
	var agentErr *AgentError
	if !errors.As(got.err, &agentErr) {
		t.Fatalf("err = %T, want *AgentError", got.err)
	}
	if !errors.Is(got.err, cause) {
		t.Fatalf("cause not preserved: %v", got.err)
	}
}

func TestRunSendFailurePropagates(t *testing.T) {
	tr := &fakeTransport{}
	tk := ops.NewTracker()
	cfg := baseConfig(tr, tk, ops.NewArbiter())
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	tk.Begin("u1")
	s := newFakeSession()
	s.sendErr = errors.New("network down")

	_, runErr := o.Run(context.Background(), Request{UserID: "u1", Session: s, Prompt: "p"})
	if !errors.Is(runErr, s.sendErr) {
		t.Fatalf("err = %v, want the dispatch error unmodified", runErr)
	}
	if ot, ok := tk.OriginalTimeout("u1"); ok {
		t.Fatalf("timeout still armed after failed dispatch: %v", ot)
	}
}
