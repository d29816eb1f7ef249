// Package agent runs the step loop: think, call tools, repeat until the
// model stops, the task is declared done, the step budget runs out, or the
// user interrupts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sagecode/sage/internal/contextmgr"
	"github.com/sagecode/sage/internal/hooks"
	"github.com/sagecode/sage/internal/interrupt"
	"github.com/sagecode/sage/internal/llm"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/internal/orchestrator"
	"github.com/sagecode/sage/internal/tools"
	"github.com/sagecode/sage/internal/trajectory"
	"github.com/sagecode/sage/pkg/models"
)

// Options wires an executor. Provider, Tools, and Orchestrator are
// required; everything else degrades gracefully when nil.
type Options struct {
	Provider     llm.Provider
	Tools        *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Context      *contextmgr.Manager
	Recorder     *trajectory.Recorder
	Hooks        *hooks.Registry
	Interrupts   *interrupt.Manager

	// SystemPrompt heads the conversation. Sent with a cache marker so
	// providers that support prompt caching reuse it across steps.
	SystemPrompt string

	// History seeds the conversation for resumed sessions.
	History []models.Message

	// MaxSteps bounds the loop. Nil means unlimited: the task runs until
	// the model stops, declares it done, or is interrupted. Zero means no
	// budget at all: the task terminates immediately with MaxStepsReached.
	MaxSteps *int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Executor drives one task through the agent loop. It is single-use: build
// one per task.
type Executor struct {
	opts    Options
	agentID string

	state    models.AgentState
	messages []models.Message
	usage    models.Usage
	outcome  models.Outcome
}

// New validates options and builds an executor in the initializing state.
// Init hooks fire here, before any task work.
func New(ctx context.Context, opts Options) (*Executor, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("agent: tool registry is required")
	}
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("agent: orchestrator is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	e := &Executor{
		opts:    opts,
		agentID: uuid.New().String(),
		state:   models.StateInitializing,
	}
	e.dispatch(ctx, &hooks.Event{Phase: hooks.PhaseInit, State: e.state})
	return e, nil
}

// State returns the executor's current state machine position.
func (e *Executor) State() models.AgentState {
	return e.state
}

// Outcome reports how the last Execute ended. Valid after Execute returns.
func (e *Executor) Outcome() models.Outcome {
	return e.outcome
}

// Execute runs the task to a terminal state. The returned Execution is
// always non-nil and records every step taken, including partial steps cut
// short by interruption. The error is non-nil only for faults; interruption
// and step budget exhaustion are reported through the outcome.
func (e *Executor) Execute(ctx context.Context, task models.Task) (*models.Execution, error) {
	execution := &models.Execution{Task: task, StartTime: time.Now()}

	var scope *interrupt.Scope
	if e.opts.Interrupts != nil {
		scope = e.opts.Interrupts.NewScope(ctx)
		defer scope.Close()
		ctx = scope.Context()
	}

	e.messages = e.assembleMessages(task)
	e.record(ctx, func(r *trajectory.Recorder) error {
		return r.SessionStarted(trajectory.SessionStartedPayload{
			SessionID:  task.ID,
			Task:       task.Description,
			WorkingDir: task.WorkingDir,
			Provider:   e.opts.Provider.Name(),
			Model:      e.opts.Provider.ModelName(),
		})
	})
	if task.Description != "" {
		e.record(ctx, func(r *trajectory.Recorder) error {
			return r.UserMessage(task.Description)
		})
	}
	e.dispatch(ctx, &hooks.Event{Phase: hooks.PhaseTaskStart, Task: &task})

	err := e.run(ctx, execution)

	execution.EndTime = time.Now()
	execution.TotalUsage = e.usage
	execution.Success = e.state.IsSuccessful()
	execution.FinalResult = e.outcome.FinalResult
	e.record(ctx, func(r *trajectory.Recorder) error {
		return r.SessionEnded(trajectory.SessionEndedPayload{
			Success:     execution.Success,
			FinalResult: execution.FinalResult,
			Steps:       len(execution.Steps),
			Usage:       e.usage,
		})
	})
	e.dispatch(ctx, &hooks.Event{Phase: hooks.PhaseTaskComplete, Task: &task, Execution: execution})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordExecution(string(e.outcome.Kind))
	}
	e.opts.Logger.Info(ctx, "task finished",
		"task_id", task.ID,
		"outcome", e.outcome.Kind,
		"steps", len(execution.Steps),
		"total_tokens", e.usage.TotalTokens)
	return execution, err
}

func (e *Executor) run(ctx context.Context, execution *models.Execution) error {
	budget := e.opts.MaxSteps
	if budget != nil && *budget <= 0 {
		if err := e.transition(ctx, models.StateMaxStepsReached); err != nil {
			return err
		}
		e.outcome = models.Outcome{Kind: models.OutcomeMaxStepsReached}
		return nil
	}
	if err := e.transition(ctx, models.StateThinking); err != nil {
		return err
	}

	for stepNum := 1; budget == nil || stepNum <= *budget; stepNum++ {
		done, err := e.step(ctx, execution, stepNum)
		if err != nil || done {
			return err
		}
	}

	if err := e.transition(ctx, models.StateMaxStepsReached); err != nil {
		return err
	}
	e.outcome = models.Outcome{Kind: models.OutcomeMaxStepsReached, Steps: len(execution.Steps)}
	return nil
}

// step runs one loop iteration. done=true means a terminal state was
// reached; the outcome is already set.
func (e *Executor) step(ctx context.Context, execution *models.Execution, stepNum int) (done bool, err error) {
	if ctx.Err() != nil {
		return true, e.interrupted(ctx, execution)
	}

	stepCtx, span := e.opts.Tracer.TraceStep(ctx, stepNum)
	defer span.End()

	e.dispatch(stepCtx, &hooks.Event{Phase: hooks.PhaseStepStart, StepNumber: stepNum, State: e.state})

	e.compact(stepCtx)

	e.record(stepCtx, func(r *trajectory.Recorder) error {
		return r.LLMRequest(trajectory.LLMRequestPayload{
			Step:            stepNum,
			MessageCount:    len(e.messages),
			EstimatedTokens: models.EstimateTokens(e.messages),
			Model:           e.opts.Provider.ModelName(),
		})
	})

	resp, err := e.opts.Provider.StreamChat(stepCtx, e.messages, e.opts.Tools.Specs())
	if err != nil {
		if isInterruption(stepCtx, err) {
			return true, e.interrupted(ctx, execution)
		}
		e.opts.Tracer.RecordError(span, err)
		return true, e.failed(stepCtx, execution, err)
	}

	e.usage.Add(resp.Usage)
	e.record(stepCtx, func(r *trajectory.Recorder) error {
		return r.LLMResponse(stepNum, resp)
	})
	e.append(stepCtx, models.AssistantMessage(resp.Content, resp.ToolCalls...))
	span.SetAttributes(
		attribute.Int("llm.tokens.total", resp.Usage.TotalTokens),
		attribute.Int("agent.tool_calls", len(resp.ToolCalls)),
	)

	step := models.Step{Number: stepNum, State: e.state, Response: resp}
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordStep(string(e.state))
	}

	if !resp.HasToolCalls() {
		step.MessagesSnapshot = e.snapshotMessages()
		execution.Steps = append(execution.Steps, step)
		if err := e.transition(stepCtx, models.StateCompleted); err != nil {
			return true, err
		}
		e.outcome = models.Outcome{
			Kind:        models.OutcomeSuccess,
			FinalResult: resp.Content,
			Steps:       len(execution.Steps),
		}
		e.dispatch(stepCtx, &hooks.Event{Phase: hooks.PhaseStepComplete, StepNumber: stepNum, State: e.state, Step: &step})
		return true, nil
	}

	if err := e.transition(stepCtx, models.StateToolExecution); err != nil {
		return true, err
	}
	step.State = e.state

	for _, call := range resp.ToolCalls {
		e.record(stepCtx, func(r *trajectory.Recorder) error {
			return r.ToolCall(stepNum, call)
		})
	}

	results, execErr := e.opts.Orchestrator.ExecuteCalls(stepCtx, resp.ToolCalls)
	taskDone := ""
	for _, result := range results {
		step.ToolResults = append(step.ToolResults, *result)
		e.record(stepCtx, func(r *trajectory.Recorder) error {
			return r.ToolResult(stepNum, *result)
		})
		e.append(stepCtx, models.ToolMessage(result.CallID, result.ToolName, result.Text()))
		if result.ToolName == tools.TaskDoneName && result.Success {
			taskDone = result.Output
		}
	}
	step.MessagesSnapshot = e.snapshotMessages()
	execution.Steps = append(execution.Steps, step)

	if execErr != nil {
		if errors.Is(execErr, orchestrator.ErrCancelled) || isInterruption(stepCtx, execErr) {
			return true, e.interrupted(ctx, execution)
		}
		e.opts.Tracer.RecordError(span, execErr)
		return true, e.failed(stepCtx, execution, execErr)
	}

	e.dispatch(stepCtx, &hooks.Event{Phase: hooks.PhaseStepComplete, StepNumber: stepNum, State: e.state, Step: &step})

	if taskDone != "" {
		if err := e.transition(stepCtx, models.StateThinking); err != nil {
			return true, err
		}
		if err := e.transition(stepCtx, models.StateCompleted); err != nil {
			return true, err
		}
		e.outcome = models.Outcome{
			Kind:        models.OutcomeSuccess,
			FinalResult: taskDone,
			Steps:       len(execution.Steps),
		}
		return true, nil
	}

	if err := e.transition(stepCtx, models.StateThinking); err != nil {
		return true, err
	}
	return false, nil
}

// assembleMessages builds the opening history: cached system prompt, any
// resumed messages, then the new user input (recorded separately by the
// caller).
func (e *Executor) assembleMessages(task models.Task) []models.Message {
	msgs := make([]models.Message, 0, len(e.opts.History)+2)
	if e.opts.SystemPrompt != "" {
		sys := models.SystemMessage(e.opts.SystemPrompt)
		sys.CacheMarker = models.CacheEphemeral
		msgs = append(msgs, sys)
	}
	msgs = append(msgs, e.opts.History...)
	if task.Description != "" {
		msgs = append(msgs, models.UserMessage(task.Description))
	}
	return msgs
}

func (e *Executor) compact(ctx context.Context) {
	if e.opts.Context == nil {
		return
	}
	before := len(e.messages)
	beforeTokens := models.EstimateTokens(e.messages)
	compacted, did := e.opts.Context.Compact(ctx, e.messages)
	if !did {
		return
	}
	e.messages = compacted
	e.record(ctx, func(r *trajectory.Recorder) error {
		return r.Compaction(before, len(compacted), beforeTokens-models.EstimateTokens(compacted))
	})
}

// snapshotMessages copies the conversation as it stood at the end of a
// step, so each recorded step carries the context the model saw.
func (e *Executor) snapshotMessages() []models.Message {
	return append([]models.Message(nil), e.messages...)
}

func (e *Executor) append(ctx context.Context, msg models.Message) {
	e.messages = append(e.messages, msg)
	e.record(ctx, func(r *trajectory.Recorder) error {
		return r.MessageAppended(msg)
	})
}

// transition moves the state machine, validating the edge and dispatching
// the StateTransition hook after validation.
func (e *Executor) transition(ctx context.Context, to models.AgentState) error {
	if !e.state.CanTransitionTo(to) {
		return &models.InvalidTransitionError{From: e.state, To: to}
	}
	from := e.state
	e.state = to
	e.dispatch(ctx, &hooks.Event{
		Phase:         hooks.PhaseStateTransition,
		State:         to,
		PreviousState: from,
	})
	e.opts.Logger.Debug(ctx, "state transition", "from", from, "to", to)
	return nil
}

// interrupted settles the execution into the interrupted terminal state.
// The parent ctx is typically already cancelled, so hooks and records run
// on a detached context.
func (e *Executor) interrupted(ctx context.Context, execution *models.Execution) error {
	bg := context.WithoutCancel(ctx)
	if !e.state.IsTerminal() {
		if err := e.transition(bg, models.StateInterrupted); err != nil {
			return err
		}
	}
	e.outcome = models.Outcome{
		Kind:      models.OutcomeInterrupted,
		Steps:     len(execution.Steps),
		ErrorKind: models.ErrKindInterrupted,
		Err:       ctx.Err(),
	}
	e.opts.Logger.Info(bg, "task interrupted", "steps", len(execution.Steps))
	return nil
}

// failed settles the execution into the error terminal state; the fault is
// returned to the caller.
func (e *Executor) failed(ctx context.Context, execution *models.Execution, cause error) error {
	if !e.state.IsTerminal() {
		if err := e.transition(ctx, models.StateError); err != nil {
			return err
		}
	}
	kind := models.ErrKindOther
	if perr, ok := llm.AsProviderError(cause); ok {
		kind = perr.Kind
	}
	e.outcome = models.Outcome{
		Kind:      models.OutcomeFailed,
		Steps:     len(execution.Steps),
		ErrorKind: kind,
		Err:       cause,
	}
	e.dispatch(ctx, &hooks.Event{Phase: hooks.PhaseError, State: e.state, Err: cause})
	e.opts.Logger.Error(ctx, "task failed", "error", cause, "kind", kind)
	return cause
}

// isInterruption distinguishes user cancellation from provider faults.
func isInterruption(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if perr, ok := llm.AsProviderError(err); ok {
		return perr.Kind == models.ErrKindInterrupted
	}
	return false
}

// record runs a journal write when a recorder is wired. Journal failures
// are logged, never fatal to the loop.
func (e *Executor) record(ctx context.Context, fn func(*trajectory.Recorder) error) {
	if e.opts.Recorder == nil {
		return
	}
	if err := fn(e.opts.Recorder); err != nil {
		e.opts.Logger.Warn(ctx, "journal write failed", "error", err)
	}
}

// dispatch fires hooks when a registry is wired. Hook errors are logged by
// the registry; the loop never fails on them.
func (e *Executor) dispatch(ctx context.Context, event *hooks.Event) {
	if e.opts.Hooks == nil {
		return
	}
	event.AgentID = e.agentID
	event.Timestamp = time.Now()
	if err := e.opts.Hooks.Dispatch(ctx, event); err != nil {
		e.opts.Logger.Warn(ctx, "hook dispatch error", "phase", event.Phase, "error", err)
	}
}
