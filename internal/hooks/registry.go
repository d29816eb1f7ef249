package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry manages hook registrations and event dispatch. Handlers for a
// phase run in registration order.
type Registry struct {
	handlers map[Phase][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[Phase][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// Register adds a handler for a phase and returns the registration ID for
// later unregistration. The name is for diagnostics only.
func (r *Registry) Register(phase Phase, name string, handler Handler) string {
	reg := &Registration{
		ID:      uuid.New().String(),
		Phase:   phase,
		Name:    name,
		Handler: handler,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[phase] = append(r.handlers[phase], reg)
	r.byID[reg.ID] = reg

	r.logger.Debug("registered hook", "id", reg.ID, "phase", phase, "name", name)
	return reg.ID
}

// Unregister removes a handler by its registration ID.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.byID[id]
	if !exists {
		return false
	}
	delete(r.byID, id)

	handlers := r.handlers[reg.Phase]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.Phase] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Dispatch invokes every handler registered for the event's phase, in
// registration order. Handler errors and panics are logged and do not stop
// later handlers. On teardown phases (error, shutdown) the return is always
// nil; otherwise the first handler error is returned so the caller can log
// it with loop context.
func (r *Registry) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("hooks: event is nil")
	}

	r.mu.RLock()
	handlers := make([]*Registration, len(r.handlers[event.Phase]))
	copy(handlers, r.handlers[event.Phase])
	r.mu.RUnlock()

	var firstErr error
	for _, reg := range handlers {
		if err := r.callHandler(ctx, reg, event); err != nil {
			r.logger.Warn("hook handler error",
				"phase", event.Phase,
				"handler_id", reg.ID,
				"handler_name", reg.Name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if event.Phase.teardown() {
		return nil
	}
	return firstErr
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.Handler(ctx, event)
}

// HandlerCount returns the number of handlers for a phase.
func (r *Registry) HandlerCount(phase Phase) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[phase])
}

// Clear removes all registered handlers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[Phase][]*Registration)
	r.byID = make(map[string]*Registration)
}
