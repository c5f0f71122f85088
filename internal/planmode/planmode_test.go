package planmode

import (
	"strings"
	"testing"
)

func TestEnterExitLifecycle(t *testing.T) {
	m := NewMachine()

	if _, active := m.Active("u1"); active {
		t.Fatal("new user should not be in plan mode")
	}
	if got := m.SystemInstruction("u1"); got != "" {
		t.Fatalf("instruction while off = %q, want empty", got)
	}

	m.Enter("u1", "plan-42")
	planID, active := m.Active("u1")
	if !active || planID != "plan-42" {
		t.Fatalf("Active = %q/%v, want plan-42/true", planID, active)
	}
	if got := m.SystemInstruction("u1"); got != Instruction {
		t.Fatal("instruction should be injected while planning")
	}

	m.Exit("u1")
	if _, active := m.Active("u1"); active {
		t.Fatal("plan mode should be off after Exit")
	}
}

func TestOffNoticeIsOneShot(t *testing.T) {
	m := NewMachine()
	m.Enter("u1", "plan-1")
	m.Exit("u1")

	first := m.DecoratePrompt("u1", "hello")
	if !strings.HasPrefix(first, OffNotice) {
		t.Fatalf("first prompt = %q, want off-notice prefix", first)
	}
	second := m.DecoratePrompt("u1", "again")
	if second != "again" {
		t.Fatalf("second prompt = %q, want unchanged", second)
	}
}

func TestForceOffIsSilent(t *testing.T) {
	m := NewMachine()
	m.Enter("u1", "plan-1")
	m.ForceOff("u1")

	if _, active := m.Active("u1"); active {
		t.Fatal("plan mode should be off after ForceOff")
	}
	if got := m.DecoratePrompt("u1", "hello"); got != "hello" {
		t.Fatalf("prompt = %q, want no off notice after ForceOff", got)
	}

	// ForceOff on an unknown user is a no-op.
	m.ForceOff("ghost")
}

func TestForceOffAfterExitKeepsNotice(t *testing.T) {
	m := NewMachine()
	m.Enter("u1", "plan-1")
	m.Exit("u1")

	// Session teardown following an explicit exit must not eat the notice.
	m.ForceOff("u1")
	if got := m.DecoratePrompt("u1", "hello"); !strings.HasPrefix(got, OffNotice) {
		t.Fatalf("prompt = %q, want off-notice to survive ForceOff", got)
	}
}

func TestExitWhileOffDoesNotArmNotice(t *testing.T) {
	m := NewMachine()
	m.Exit("u1")
	if got := m.DecoratePrompt("u1", "hello"); got != "hello" {
		t.Fatalf("prompt = %q, want unchanged", got)
	}

	// Re-entering clears any stale pending notice.
	m.Enter("u1", "plan-1")
	m.Exit("u1")
	m.Enter("u1", "plan-2")
	if got := m.DecoratePrompt("u1", "hello"); got != "hello" {
		t.Fatalf("prompt = %q, re-enter should cancel pending notice", got)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	m := NewMachine()
	m.Enter("u1", "plan-1")

	if _, active := m.Active("u2"); active {
		t.Fatal("u2 should not inherit u1's plan mode")
	}
	m.Exit("u1")
	if got := m.DecoratePrompt("u2", "hi"); got != "hi" {
		t.Fatal("u2 should not see u1's off notice")
	}
}
