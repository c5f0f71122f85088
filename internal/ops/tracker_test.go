package ops

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBeginSingleFlight(t *testing.T) {
	tr := NewTracker()

	if !tr.Begin("u1") {
		t.Fatal("first Begin should succeed")
	}
	if tr.Begin("u1") {
		t.Fatal("second Begin while busy should fail")
	}
	if !tr.IsBusy("u1") {
		t.Fatal("user should be busy")
	}
	if tr.IsBusy("u2") {
		t.Fatal("other user should not be busy")
	}

	tr.SetBusy("u1", false)
	if tr.IsBusy("u1") {
		t.Fatal("user should be idle after SetBusy(false)")
	}
	if !tr.Begin("u1") {
		t.Fatal("Begin should succeed again after SetBusy(false)")
	}
}

func TestSetBusyFalseClearsState(t *testing.T) {
	tr := NewTracker()
	tr.SetBusy("u1", true)
	tr.StartTimeout("u1", time.Hour, func() {})
	if !tr.ExtendTimeout("u1", time.Minute) {
		t.Fatal("ExtendTimeout should succeed while armed")
	}

	tr.SetBusy("u1", false)

	if _, ok := tr.Elapsed("u1"); ok {
		t.Fatal("Elapsed should report nothing after SetBusy(false)")
	}
	if ext := tr.Extension("u1"); ext != 0 {
		t.Fatalf("ledger should be zeroed, got %v", ext)
	}
	if _, ok := tr.OriginalTimeout("u1"); ok {
		t.Fatal("original timeout should be forgotten")
	}
	if tr.ExtendTimeout("u1", time.Minute) {
		t.Fatal("ExtendTimeout should fail with no armed timeout")
	}
}

func TestStartThenClearNeverFires(t *testing.T) {
	tr := NewTracker()
	var fired atomic.Bool

	tr.SetBusy("u1", true)
	tr.StartTimeout("u1", 20*time.Millisecond, func() { fired.Store(true) })
	tr.ClearTimeout("u1")

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("callback fired after ClearTimeout")
	}

	// ClearTimeout is idempotent.
	tr.ClearTimeout("u1")
	tr.ClearTimeout("unknown")
}

func TestStartTimeoutReplacesPriorTimer(t *testing.T) {
	tr := NewTracker()
	var first, second atomic.Int32

	tr.SetBusy("u1", true)
	tr.StartTimeout("u1", 20*time.Millisecond, func() { first.Add(1) })
	tr.StartTimeout("u1", 30*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatal("replaced timer should not fire")
	}
	if second.Load() != 1 {
		t.Fatalf("replacement timer should fire once, fired %d", second.Load())
	}
}

func TestExtendTimeoutRequiresArmedState(t *testing.T) {
	tr := NewTracker()

	if tr.ExtendTimeout("ghost", time.Minute) {
		t.Fatal("extend on unknown user should fail")
	}
	if ext := tr.Extension("ghost"); ext != 0 {
		t.Fatalf("failed extend must not mutate ledger, got %v", ext)
	}

	// Busy but no timeout armed.
	tr.SetBusy("u1", true)
	if tr.ExtendTimeout("u1", time.Minute) {
		t.Fatal("extend with no armed timeout should fail")
	}

	// Timeout armed but operation never started: StartTimeout alone does not
	// record a start time.
	tr2 := NewTracker()
	tr2.StartTimeout("u2", time.Hour, func() {})
	if tr2.ExtendTimeout("u2", time.Minute) {
		t.Fatal("extend without recorded start should fail")
	}
}

func TestExtendTimeoutRecomputesRemaining(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000, 0)
	tr.SetNowFunc(func() time.Time { return now })

	tr.SetBusy("u1", true)
	var fired atomic.Bool
	tr.StartTimeout("u1", time.Hour, func() { fired.Store(true) })

	// 30 minutes in, extend by 20: remaining should be 50 minutes, armed on a
	// real timer, so nothing fires during the test.
	now = now.Add(30 * time.Minute)
	if !tr.ExtendTimeout("u1", 20*time.Minute) {
		t.Fatal("extend should succeed")
	}
	if got := tr.Extension("u1"); got != 20*time.Minute {
		t.Fatalf("ledger = %v, want 20m", got)
	}
	if orig, ok := tr.OriginalTimeout("u1"); !ok || orig != time.Hour {
		t.Fatalf("original = %v/%v, want 1h", orig, ok)
	}
	if elapsed, ok := tr.Elapsed("u1"); !ok || elapsed != 30*time.Minute {
		t.Fatalf("elapsed = %v/%v, want 30m", elapsed, ok)
	}

	// Second extension accumulates.
	if !tr.ExtendTimeout("u1", 20*time.Minute) {
		t.Fatal("second extend should succeed")
	}
	if got := tr.Extension("u1"); got != 40*time.Minute {
		t.Fatalf("ledger = %v, want 40m", got)
	}
	if fired.Load() {
		t.Fatal("timeout should not have fired")
	}
}

func TestExtendTimeoutZeroRemainingFiresAsync(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000, 0)
	tr.SetNowFunc(func() time.Time { return now })

	tr.SetBusy("u1", true)
	fired := make(chan struct{}, 1)
	tr.StartTimeout("u1", time.Hour, func() { fired <- struct{}{} })

	// Elapsed already exceeds original+extension: remaining clamps to zero
	// and the callback fires asynchronously rather than inline.
	now = now.Add(2 * time.Hour)
	if !tr.ExtendTimeout("u1", time.Minute) {
		t.Fatal("extend should still succeed")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero-remaining timer never fired")
	}
}

func TestExtendAfterTimerFired(t *testing.T) {
	tr := NewTracker()
	tr.SetBusy("u1", true)

	fired := make(chan struct{}, 2)
	tr.StartTimeout("u1", 10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// The schedule record survives the fire, so a late manual confirmation
	// can still extend and re-arm.
	if !tr.ExtendTimeout("u1", time.Hour) {
		t.Fatal("extend after fire should succeed")
	}
}
