package interrupt

import (
	"context"
	"testing"
)

func TestInterruptCancelsActiveScope(t *testing.T) {
	m := NewManager()
	s := m.NewScope(context.Background())
	defer s.Close()

	if s.Interrupted() {
		t.Fatal("fresh scope should not be interrupted")
	}

	if !m.Interrupt(ReasonUserInterrupt) {
		t.Fatal("Interrupt should report an active scope")
	}

	select {
	case <-s.Context().Done():
	default:
		t.Fatal("scope context not cancelled after interrupt")
	}
	if s.Reason() != ReasonUserInterrupt {
		t.Errorf("Reason() = %q, want user_interrupt", s.Reason())
	}
}

func TestInterruptWithoutScope(t *testing.T) {
	m := NewManager()
	if m.Interrupt(ReasonManual) {
		t.Error("Interrupt with no scope should report false")
	}
}

func TestCloseDeregisters(t *testing.T) {
	m := NewManager()
	s := m.NewScope(context.Background())
	s.Close()

	if m.Active() {
		t.Error("manager still active after scope close")
	}
	if m.Interrupt(ReasonManual) {
		t.Error("closed scope should not be interruptible")
	}
}

func TestNewScopeReplacesCurrent(t *testing.T) {
	m := NewManager()
	first := m.NewScope(context.Background())
	second := m.NewScope(context.Background())
	defer second.Close()

	m.Interrupt(ReasonManual)
	if first.Interrupted() {
		t.Error("stale scope was interrupted")
	}
	if !second.Interrupted() {
		t.Error("current scope was not interrupted")
	}
	first.Close()
}

func TestFirstReasonWins(t *testing.T) {
	m := NewManager()
	s := m.NewScope(context.Background())
	defer s.Close()

	m.Interrupt(ReasonTimeout)
	m.Interrupt(ReasonUserInterrupt)
	if s.Reason() != ReasonTimeout {
		t.Errorf("Reason() = %q, want the first reason", s.Reason())
	}
}

func TestScopeInheritsParentCancellation(t *testing.T) {
	m := NewManager()
	parent, cancel := context.WithCancel(context.Background())
	s := m.NewScope(parent)
	defer s.Close()

	cancel()
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("scope did not observe parent cancellation")
	}
}
