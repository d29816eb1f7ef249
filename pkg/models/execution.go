package models

import (
	"time"

	"github.com/google/uuid"
)

// Task is an immutable description of one user submission.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	WorkingDir  string `json:"working_dir"`
}

// NewTask creates a task with a fresh id.
func NewTask(description, workingDir string) Task {
	return Task{
		ID:          uuid.New().String(),
		Description: description,
		WorkingDir:  workingDir,
	}
}

// Step records one iteration of the agent loop: one LLM call plus the tool
// executions it requested. Numbers are contiguous starting at 1.
type Step struct {
	Number           int          `json:"number"`
	State            AgentState   `json:"state"`
	Response         *Response    `json:"response,omitempty"`
	ToolResults      []ToolResult `json:"tool_results,omitempty"`
	MessagesSnapshot []Message    `json:"messages_snapshot,omitempty"`
}

// Execution is the full record of a task run.
type Execution struct {
	Task        Task      `json:"task"`
	Steps       []Step    `json:"steps"`
	TotalUsage  Usage     `json:"total_usage"`
	Success     bool      `json:"success"`
	FinalResult string    `json:"final_result,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// Duration returns the wall-clock time of the execution.
func (e *Execution) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// OutcomeKind classifies how an execution ended.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeInterrupted     OutcomeKind = "interrupted"
	OutcomeMaxStepsReached OutcomeKind = "max_steps_reached"
)

// Outcome is what the executor surfaces to its caller.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	FinalResult string      `json:"final_result,omitempty"`
	Steps       int         `json:"steps"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	Err         error       `json:"-"`
}
