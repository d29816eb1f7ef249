// Package orchestrator runs model-requested tool calls through a three-phase
// pipeline: permission check, timed execution, result capture. Tool failures
// become error results fed back to the model; only a user cancel aborts the
// step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/internal/tools"
	"github.com/sagecode/sage/pkg/models"
)

// ErrCancelled aborts the step when the user cancels out of a permission
// prompt.
var ErrCancelled = errors.New("orchestrator: cancelled by user")

// Config tunes tool execution.
type Config struct {
	// DefaultTimeout bounds tools that do not declare their own limit.
	DefaultTimeout time.Duration
}

// Observer is notified after every completed tool call. Observer errors are
// logged and ignored; they never affect the result.
type Observer func(ctx context.Context, call models.ToolCall, result *models.ToolResult) error

// Orchestrator executes tool calls against a registry.
type Orchestrator struct {
	registry  *tools.Registry
	checker   PermissionChecker
	prompter  Prompter
	snapshots *Snapshotter
	config    Config
	metrics   *observability.Metrics
	log       *observability.Logger

	mu        sync.Mutex
	observers []Observer
}

// New builds an orchestrator. checker and prompter may be nil, in which case
// every call is allowed; metrics may be nil.
func New(registry *tools.Registry, checker PermissionChecker, prompter Prompter, snapshots *Snapshotter, config Config, metrics *observability.Metrics, log *observability.Logger) *Orchestrator {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		registry:  registry,
		checker:   checker,
		prompter:  prompter,
		snapshots: snapshots,
		config:    config,
		metrics:   metrics,
		log:       log,
	}
}

// ExecuteCalls runs the calls in order, one at a time, and returns one
// result per call. Execution stops early only on ErrCancelled or context
// cancellation; an individual tool failure produces an error result and the
// remaining calls still run.
func (o *Orchestrator) ExecuteCalls(ctx context.Context, calls []models.ToolCall) ([]*models.ToolResult, error) {
	results := make([]*models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := o.Execute(ctx, call)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Execute runs one tool call through the full pipeline. The returned error
// is non-nil only for step-aborting conditions (user cancel, context done);
// everything else is reported inside the result.
func (o *Orchestrator) Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	start := time.Now()

	result, err := o.execute(ctx, call)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	result.DurationMS = uint64(elapsed.Milliseconds())

	if o.metrics != nil {
		status := "ok"
		if !result.Success {
			status = "error"
		}
		o.metrics.RecordToolExecution(call.Name, status, elapsed.Seconds())
	}
	o.log.Debug(ctx, "tool executed",
		"tool", call.Name, "call_id", call.ID, "success", result.Success, "duration", elapsed)
	o.notify(ctx, call, result)
	return result, nil
}

// Observe registers an observer for completed tool calls.
func (o *Orchestrator) Observe(obs Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
}

func (o *Orchestrator) notify(ctx context.Context, call models.ToolCall, result *models.ToolResult) {
	o.mu.Lock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()
	for _, obs := range observers {
		if err := obs(ctx, call, result); err != nil {
			o.log.Warn(ctx, "tool observer error", "tool", call.Name, "error", err)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	tool, ok := o.registry.Get(call.Name)
	if !ok {
		return models.ToolError(call, "tool not found: "+call.Name), nil
	}

	if err := tools.ValidateArgs(tool, call.Arguments); err != nil {
		return models.ToolError(call, err.Error()), nil
	}

	allowed, reason, err := o.checkPermission(ctx, tool, call)
	if err != nil {
		return nil, err
	}
	if !allowed {
		if reason == "" {
			reason = "denied by user"
		}
		return models.ToolError(call, fmt.Sprintf("permission denied for tool %s: %s", call.Name, reason)), nil
	}

	if tool.MutatesFiles() {
		o.snapshots.Capture(ctx, call.Name, call.Arguments)
	}

	return o.runWithTimeout(ctx, tool, call), nil
}

// checkPermission resolves the pre-execution gate. Tools that interact with
// the user directly skip prompting; asking permission to ask would be
// absurd.
func (o *Orchestrator) checkPermission(ctx context.Context, tool tools.Tool, call models.ToolCall) (bool, string, error) {
	if o.checker == nil || tool.RequiresUserInteraction() {
		return true, "", nil
	}

	decision, reason := o.checker.Check(ctx, call.Name, call.Arguments)
	switch decision {
	case Allow:
		return true, "", nil
	case Deny:
		return false, reason, nil
	}

	if o.prompter == nil {
		return true, "", nil
	}
	answer, err := o.prompter.Prompt(ctx, call.Name, call.Arguments)
	if err != nil {
		return false, "", err
	}
	switch answer {
	case YesOnce:
		return true, "", nil
	case YesAlways:
		o.remember(call.Name, call.Arguments, answer)
		return true, "", nil
	case NoAlways:
		o.remember(call.Name, call.Arguments, answer)
		return false, "denied by user for the session", nil
	case Cancelled:
		return false, "", ErrCancelled
	default:
		return false, "denied by user", nil
	}
}

func (o *Orchestrator) remember(toolName string, args map[string]any, answer Answer) {
	if p, ok := o.checker.(*RulePolicy); ok {
		p.Remember(toolName, args, answer)
	}
}

// runWithTimeout executes the tool under its own deadline. The result
// channel is buffered so a tool finishing after timeout does not leak its
// goroutine; the late result is discarded with a warning.
func (o *Orchestrator) runWithTimeout(ctx context.Context, tool tools.Tool, call models.ToolCall) *models.ToolResult {
	timeout := tool.MaxExecutionTime()
	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	// Buffered so a tool finishing after the deadline never blocks this
	// goroutine; the stale result just sits in the buffer.
	done := make(chan outcome, 1)

	go func() {
		output, err := tool.Execute(toolCtx, call.Arguments)
		if toolCtx.Err() != nil {
			o.log.Warn(context.Background(), "tool finished after deadline, result discarded",
				"tool", call.Name, "call_id", call.ID)
		}
		done <- outcome{output: output, err: err}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return models.ToolError(call, "interrupted")
		}
		return models.ToolError(call, fmt.Sprintf("tool execution timed out after %v", timeout))
	case out := <-done:
		if out.err != nil {
			return models.ToolError(call, out.err.Error())
		}
		return models.ToolSuccess(call, out.output)
	}
}
