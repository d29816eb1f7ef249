package models

import "fmt"

// AgentState is the executor's finite state machine position.
type AgentState string

const (
	StateInitializing    AgentState = "initializing"
	StateThinking        AgentState = "thinking"
	StateToolExecution   AgentState = "tool_execution"
	StateCompleted       AgentState = "completed"
	StateError           AgentState = "error"
	StateInterrupted     AgentState = "interrupted"
	StateMaxStepsReached AgentState = "max_steps_reached"
)

// transitions is the set of legal state machine edges. Terminal states have
// no outgoing edges.
var transitions = map[AgentState][]AgentState{
	StateInitializing: {
		StateThinking,
		StateError,
		StateInterrupted,
		StateMaxStepsReached, // zero step budget
	},
	StateThinking: {
		StateToolExecution,
		StateCompleted,
		StateError,
		StateInterrupted,
		StateMaxStepsReached,
	},
	StateToolExecution: {
		StateThinking,
		StateError,
		StateInterrupted,
	},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s AgentState) CanTransitionTo(next AgentState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s AgentState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateError, StateInterrupted, StateMaxStepsReached:
		return true
	}
	return false
}

// IsSuccessful reports whether the state is a successful terminal.
func (s AgentState) IsSuccessful() bool {
	return s == StateCompleted
}

// InvalidTransitionError reports an attempted illegal state machine edge.
// It indicates a programming error in the executor, not a runtime fault.
type InvalidTransitionError struct {
	From AgentState
	To   AgentState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
