// Package interrupt provides process-wide cancellation scopes. Each task
// enters a scope exposing a derived context; a user signal interrupts the
// active scope, which surfaces as context cancellation in the provider and
// tool layers.
package interrupt

import (
	"context"
	"sync"
)

// Reason records why a scope was interrupted.
type Reason string

const (
	ReasonUserInterrupt Reason = "user_interrupt"
	ReasonTimeout       Reason = "timeout"
	ReasonShutdown      Reason = "shutdown"
	ReasonManual        Reason = "manual"
)

// Manager tracks the currently active task scope. One manager serves the
// whole process; signal handlers call Interrupt on it.
type Manager struct {
	mu      sync.Mutex
	current *Scope
}

// NewManager creates a manager with no active scope.
func NewManager() *Manager {
	return &Manager{}
}

// NewScope derives a cancellable context from parent and registers the
// scope as current. Closing the scope deregisters it.
func (m *Manager) NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	s := &Scope{manager: m, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return s
}

// Interrupt cancels the active scope with the given reason. It reports
// whether a scope was active.
func (m *Manager) Interrupt(reason Reason) bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.interrupt(reason)
	return true
}

// Active reports whether a scope is currently registered.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

func (m *Manager) deregister(s *Scope) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

// Scope is one task's cancellation region.
type Scope struct {
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	reason Reason
}

// Context returns the scope's context, cancelled when the scope is
// interrupted or closed.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Interrupted reports whether the scope's context has been cancelled.
func (s *Scope) Interrupted() bool {
	return s.ctx.Err() != nil
}

// Reason returns why the scope was interrupted, or "" if it was not.
func (s *Scope) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Scope) interrupt(reason Reason) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// Close deregisters the scope and releases its context. Tasks must close
// their scope on exit regardless of outcome.
func (s *Scope) Close() {
	s.manager.deregister(s)
	s.cancel()
}
