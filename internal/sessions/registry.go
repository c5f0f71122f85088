// Package sessions maintains the per-user cache of agent-runtime sessions,
// keyed by working-context id and bounded in size with insertion-order
// eviction.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardbot/steward/internal/runtime"
)

// DefaultMaxPerUser is the session cache bound applied when the
// configuration does not set one.
const DefaultMaxPerUser = 3

// Config configures a Registry.
type Config struct {
	// Runtime creates sessions (required).
	Runtime runtime.Runtime

	// MaxPerUser bounds the number of cached sessions per user.
	// Default: DefaultMaxPerUser.
	MaxPerUser int

	// OnActiveDestroyed fires whenever a user's active session is destroyed
	// or evicted. The plan-mode machine hooks in here so a dead session can
	// never leave plan mode dangling.
	OnActiveDestroyed func(userID string)

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Runtime == nil {
		return errors.New("sessions: runtime is required")
	}
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = DefaultMaxPerUser
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// SwitchOptions carries per-switch overrides.
type SwitchOptions struct {
	// SystemPrompt, when non-empty, forces recreation of any cached session
	// for the key so the new instruction takes effect.
	SystemPrompt string
}

// Entry describes one cached session.
type Entry struct {
	ContextID string
	CreatedAt time.Time
}

type cached struct {
	contextID string
	session   runtime.Session
	createdAt time.Time
}

type userCache struct {
	entries []*cached // insertion order
	active  string    // contextID of the active entry, "" if none
}

// Registry is the per-user bounded session cache. Safe for concurrent use.
// The registry mutex is held across runtime create/destroy calls; per-user
// single-flight keeps contention negligible at chat traffic rates.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	users  map[string]*userCache
	logger *slog.Logger
}

// NewRegistry creates a registry from the given configuration.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:    cfg,
		users:  make(map[string]*userCache),
		logger: cfg.Logger.With("component", "sessions"),
	}, nil
}

// Switch returns the session for (userID, contextID), creating it on demand
// and marking it active. A cache hit with no system-instruction override is
// returned unchanged. Otherwise any stale entry for the key is destroyed
// and, at capacity, one entry is evicted before creation. Creation errors
// propagate unmodified; the registry performs no retry.
func (r *Registry) Switch(ctx context.Context, userID, contextID string, opts SwitchOptions) (runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uc := r.userCache(userID)

	if existing := uc.find(contextID); existing != nil {
		if opts.SystemPrompt == "" {
			uc.active = contextID
			return existing.session, nil
		}
		// Instruction override: the cached conversation was created without
		// it, so it has to go.
		r.removeLocked(ctx, userID, uc, contextID, "recreate")
	}

	if len(uc.entries) >= r.cfg.MaxPerUser {
		r.evictLocked(ctx, userID, uc)
	}

	sess, err := r.cfg.Runtime.CreateSession(ctx, runtime.SessionOptions{
		ContextID:    contextID,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	uc.entries = append(uc.entries, &cached{
		contextID: contextID,
		session:   sess,
		createdAt: time.Now(),
	})
	uc.active = contextID
	r.logger.Info("session created", "user_id", userID, "context_id", contextID, "cached", len(uc.entries))
	return sess, nil
}

// Active returns the user's active session and its context id.
func (r *Registry) Active(userID string) (runtime.Session, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc, ok := r.users[userID]
	if !ok || uc.active == "" {
		return nil, "", false
	}
	e := uc.find(uc.active)
	if e == nil {
		return nil, "", false
	}
	return e.session, e.contextID, true
}

// Destroy removes and destroys the session for (userID, contextID).
// Destroying the active entry clears the active pointer and fires the
// active-destroyed hook.
func (r *Registry) Destroy(ctx context.Context, userID, contextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc, ok := r.users[userID]
	if !ok || uc.find(contextID) == nil {
		return nil
	}
	return r.removeLocked(ctx, userID, uc, contextID, "destroy")
}

// DestroyAll destroys every cached session for every user. Used on full
// shutdown and user-initiated reset.
func (r *Registry) DestroyAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for userID, uc := range r.users {
		for _, e := range append([]*cached(nil), uc.entries...) {
			if err := r.removeLocked(ctx, userID, uc, e.contextID, "shutdown"); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// List returns the user's cached entries in insertion order.
func (r *Registry) List(userID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(uc.entries))
	for _, e := range uc.entries {
		out = append(out, Entry{ContextID: e.contextID, CreatedAt: e.createdAt})
	}
	return out
}

// Count returns the total number of cached sessions across all users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, uc := range r.users {
		n += len(uc.entries)
	}
	return n
}

// evictLocked removes one entry to make room: the first entry (insertion
// order) whose key is not the active one. When every cached entry is the
// active one — only possible at capacity 1 — the active entry itself is
// evicted. That tie-break mirrors long-standing behavior and is kept as is.
func (r *Registry) evictLocked(ctx context.Context, userID string, uc *userCache) {
	if len(uc.entries) == 0 {
		return
	}
	victim := uc.entries[0].contextID
	for _, e := range uc.entries {
		if e.contextID != uc.active {
			victim = e.contextID
			break
		}
	}
	r.logger.Info("session evicted", "user_id", userID, "context_id", victim)
	// Eviction is best-effort: a failed runtime destroy must not block the
	// replacement session.
	_ = r.removeLocked(ctx, userID, uc, victim, "evict")
}

func (r *Registry) removeLocked(ctx context.Context, userID string, uc *userCache, contextID, reason string) error {
	idx := -1
	for i, e := range uc.entries {
		if e.contextID == contextID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	e := uc.entries[idx]
	uc.entries = append(uc.entries[:idx], uc.entries[idx+1:]...)

	wasActive := uc.active == contextID
	if wasActive {
		uc.active = ""
	}

	err := e.session.Destroy(ctx)
	if err != nil {
		r.logger.Warn("session destroy failed", "user_id", userID, "context_id", contextID, "reason", reason, "error", err)
	} else {
		r.logger.Debug("session destroyed", "user_id", userID, "context_id", contextID, "reason", reason)
	}

	if wasActive && r.cfg.OnActiveDestroyed != nil {
		r.cfg.OnActiveDestroyed(userID)
	}
	return err
}

func (r *Registry) userCache(userID string) *userCache {
	uc, ok := r.users[userID]
	if !ok {
		uc = &userCache{}
		r.users[userID] = uc
	}
	return uc
}

func (uc *userCache) find(contextID string) *cached {
	for _, e := range uc.entries {
		if e.contextID == contextID {
			return e
		}
	}
	return nil
}
