// Package ops tracks per-user operation state: the busy flag that enforces
// single-flight, the soft-timeout schedule with its extension ledger, and the
// per-user arbiter lock that serializes competing extension paths.
package ops

import (
	"sync"
	"time"
)

// userState is the per-user operation record. The timeout fields survive the
// timer firing so a late manual confirmation can still extend; they are wiped
// by SetBusy(false) and ClearTimeout.
type userState struct {
	busy      bool
	startedAt time.Time
	started   bool

	timer    *time.Timer
	callback func()
	original time.Duration
	ledger   time.Duration
}

// Tracker keeps per-user operation state. It is safe for concurrent use; a
// single mutex guards the user map, which is sufficient at per-user chat
// traffic rates.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*userState
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		users: make(map[string]*userState),
		now:   time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = fn
}

// IsBusy reports whether the user has an operation in flight.
func (t *Tracker) IsBusy(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	return ok && st.busy
}

// Begin atomically marks the user busy. It returns false if an operation is
// already in flight, preserving the single-flight guarantee under preemptive
// scheduling.
func (t *Tracker) Begin(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userID)
	if st.busy {
		return false
	}
	st.busy = true
	st.startedAt = t.now()
	st.started = true
	return true
}

// SetBusy sets the user's busy flag. Setting true records the operation start
// time. Setting false clears the start time, cancels any armed timer, and
// zeroes the extension ledger.
func (t *Tracker) SetBusy(userID string, busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userID)
	st.busy = busy
	if busy {
		st.startedAt = t.now()
		st.started = true
		return
	}
	st.started = false
	st.startedAt = time.Time{}
	t.clearTimeoutLocked(st)
}

// StartTimeout arms a soft timeout for the user, cancelling any prior timer
// and resetting the extension ledger. The callback fires on the timer's own
// goroutine when the timeout elapses without extension.
func (t *Tracker) StartTimeout(userID string, d time.Duration, callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userID)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.original = d
	st.callback = callback
	st.ledger = 0
	st.timer = time.AfterFunc(d, callback)
}

// ClearTimeout cancels the armed timer and forgets the schedule. Idempotent.
func (t *Tracker) ClearTimeout(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok {
		return
	}
	t.clearTimeoutLocked(st)
}

// ExtendTimeout adds extra time to the user's soft timeout. It requires an
// armed timeout record, a stored callback and original duration, and a
// recorded operation start; otherwise it returns false without mutating
// anything. The remaining time is recomputed against wall-clock elapsed time,
// so extensions account for time already spent. A recomputed remaining of
// zero still re-arms a timer that fires asynchronously.
func (t *Tracker) ExtendTimeout(userID string, extra time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok || st.timer == nil || st.callback == nil || st.original <= 0 || !st.started {
		return false
	}

	elapsed := t.now().Sub(st.startedAt)
	st.ledger += extra
	remaining := st.original + st.ledger - elapsed
	if remaining < 0 {
		remaining = 0
	}
	st.timer.Stop()
	st.timer = time.AfterFunc(remaining, st.callback)
	return true
}

// Extension returns the cumulative time added to the user's timeout.
func (t *Tracker) Extension(userID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok {
		return 0
	}
	return st.ledger
}

// OriginalTimeout returns the originally armed timeout duration, if any.
func (t *Tracker) OriginalTimeout(userID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok || st.original <= 0 {
		return 0, false
	}
	return st.original, true
}

// Elapsed returns how long the user's operation has been running.
func (t *Tracker) Elapsed(userID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok || !st.started {
		return 0, false
	}
	return t.now().Sub(st.startedAt), true
}

func (t *Tracker) state(userID string) *userState {
	st, ok := t.users[userID]
	if !ok {
		st = &userState{}
		t.users[userID] = st
	}
	return st
}

func (t *Tracker) clearTimeoutLocked(st *userState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.callback = nil
	st.original = 0
	st.ledger = 0
}
