// Package hooks dispatches lifecycle events to registered handlers at the
// executor's phase boundaries.
package hooks

import (
	"context"
	"time"

	"github.com/sagecode/sage/pkg/models"
)

// Phase identifies a lifecycle boundary.
type Phase string

const (
	PhaseInit            Phase = "init"
	PhaseTaskStart       Phase = "task_start"
	PhaseStepStart       Phase = "step_start"
	PhaseStepComplete    Phase = "step_complete"
	PhaseTaskComplete    Phase = "task_complete"
	PhaseStateTransition Phase = "state_transition"
	PhaseError           Phase = "error"
	PhaseShutdown        Phase = "shutdown"
)

// teardown phases must never fail the caller; handler errors there are
// swallowed after logging.
func (p Phase) teardown() bool {
	return p == PhaseError || p == PhaseShutdown
}

// Event carries the context of a lifecycle boundary to handlers.
type Event struct {
	Phase         Phase             `json:"phase"`
	AgentID       string            `json:"agent_id"`
	Timestamp     time.Time         `json:"timestamp"`
	StepNumber    int               `json:"step_number,omitempty"`
	State         models.AgentState `json:"state,omitempty"`
	PreviousState models.AgentState `json:"previous_state,omitempty"`
	Task          *models.Task      `json:"task,omitempty"`
	Step          *models.Step      `json:"step,omitempty"`
	Execution     *models.Execution `json:"execution,omitempty"`
	Err           error             `json:"-"`
}

// Handler processes one lifecycle event. Handlers run sequentially in
// registration order; a slow handler delays the loop.
type Handler func(ctx context.Context, event *Event) error

// Registration is a registered handler for one phase.
type Registration struct {
	ID      string
	Phase   Phase
	Name    string
	Handler Handler
}
