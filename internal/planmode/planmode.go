// Package planmode tracks the per-user "plan mode" overlay: a restricted
// operating mode in which the agent is instructed to produce a plan instead
// of executing changes. The flag outlives individual sessions, so session
// recreation must re-inject the planning instruction while the mode is on.
package planmode

import "sync"

// Instruction is the system instruction injected into sessions created while
// plan mode is active.
const Instruction = "You are in plan mode. Produce a concrete plan for the requested work. Do not execute changes, run commands, or modify files; describe the steps you would take."

// OffNotice is the one-shot marker prefixed to the first prompt sent after
// plan mode is turned off.
const OffNotice = "[plan mode is now off]"

type flag struct {
	active     bool
	planID     string
	pendingOff bool
}

// Machine holds per-user plan-mode flags. Safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	users map[string]*flag
}

// NewMachine creates an empty plan-mode machine.
func NewMachine() *Machine {
	return &Machine{users: make(map[string]*flag)}
}

// state returns the flag for the user, creating it if needed. Callers must
// hold mu.
func (m *Machine) state(userID string) *flag {
	f, ok := m.users[userID]
	if !ok {
		f = &flag{}
		m.users[userID] = f
	}
	return f
}

// Enter turns plan mode on for the user after a successful planning
// operation. planID identifies the plan run for status display.
func (m *Machine) Enter(userID, planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.state(userID)
	f.active = true
	f.planID = planID
	f.pendingOff = false
}

// Exit turns plan mode off with a pending one-shot off notice. Called on
// explicit exit, context switch, or full reset. A no-op while already off.
func (m *Machine) Exit(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.users[userID]
	if !ok || !f.active {
		return
	}
	f.active = false
	f.planID = ""
	f.pendingOff = true
}

// ForceOff silently clears plan mode with no off notice. Used when the active
// session is destroyed out from under the user (eviction, crash cleanup): the
// conversational context is already gone, so there is nothing to announce.
// A no-op while already off, so it never consumes a pending off notice armed
// by an explicit Exit.
func (m *Machine) ForceOff(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.users[userID]
	if !ok || !f.active {
		return
	}
	f.active = false
	f.planID = ""
	f.pendingOff = false
}

// Active reports whether plan mode is on for the user, and the plan id.
func (m *Machine) Active(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.users[userID]
	if !ok || !f.active {
		return "", false
	}
	return f.planID, true
}

// SystemInstruction returns the planning instruction while plan mode is
// active, and the empty string otherwise.
func (m *Machine) SystemInstruction(userID string) string {
	if _, active := m.Active(userID); active {
		return Instruction
	}
	return ""
}

// DecoratePrompt prefixes the prompt with the one-shot off notice if one is
// pending, consuming it. Subsequent prompts pass through unchanged.
func (m *Machine) DecoratePrompt(userID, prompt string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.users[userID]
	if !ok || !f.pendingOff {
		return prompt
	}
	f.pendingOff = false
	return OffNotice + " " + prompt
}
