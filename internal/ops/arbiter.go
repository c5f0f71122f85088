package ops

import "sync"

// Arbiter is a per-key try-lock that serializes the automatic and manual
// timeout-extension paths for a user. Without it the two paths could
// interleave reads of the extension ledger and operation start time and
// either double-apply or lose an extension.
//
// Acquire/release pairing is structural: TryAcquire returns a release closure
// meant for defer, and the closure is idempotent so a double release cannot
// free someone else's hold.
type Arbiter struct {
	mu   sync.Mutex
	held map[string]string
}

// NewArbiter creates an empty arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{held: make(map[string]string)}
}

// TryAcquire attempts to take the lock for key without waiting. The holder
// string identifies the acquiring path ("auto", "manual") for introspection.
// It returns false if the key is already held.
func (a *Arbiter) TryAcquire(key, holder string) (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.held[key]; exists {
		return nil, false
	}
	a.held[key] = holder

	var once sync.Once
	release = func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.held, key)
			a.mu.Unlock()
		})
	}
	return release, true
}

// Held reports whether the key is currently locked.
func (a *Arbiter) Held(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.held[key]
	return ok
}

// Holder returns the current holder of the key, if any.
func (a *Arbiter) Holder(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.held[key]
	return h, ok
}
