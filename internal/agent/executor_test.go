package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sagecode/sage/internal/hooks"
	"github.com/sagecode/sage/internal/interrupt"
	"github.com/sagecode/sage/internal/llm"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/internal/orchestrator"
	"github.com/sagecode/sage/internal/tools"
	"github.com/sagecode/sage/internal/trajectory"
	"github.com/sagecode/sage/pkg/models"
)

// scriptedProvider returns canned responses in order and captures what it
// was sent.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*models.Response
	errs      []error
	calls     int
	lastSent  []models.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []models.Message, specs []models.ToolSpec) (*models.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.lastSent = append([]models.Message(nil), messages...)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, errors.New("scripted provider exhausted")
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []models.Message, specs []models.ToolSpec) (*models.Response, error) {
	return p.Chat(ctx, messages, specs)
}

func (p *scriptedProvider) Name() string      { return "scripted" }
func (p *scriptedProvider) ModelName() string { return "scripted-model" }

type echoTool struct {
	tools.Base
	cancel context.CancelFunc
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes its input" }

func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}

func (t *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.cancel != nil {
		t.cancel()
	}
	text, _ := args["text"].(string)
	return text, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func textResponse(content string) *models.Response {
	return &models.Response{
		Content:      content,
		Usage:        models.NewUsage(100, 10, 0, 0),
		FinishReason: models.FinishStop,
	}
}

func toolResponse(calls ...models.ToolCall) *models.Response {
	return &models.Response{
		ToolCalls:    calls,
		Usage:        models.NewUsage(100, 10, 0, 0),
		FinishReason: models.FinishToolCalls,
	}
}

func stepBudget(n int) *int {
	return &n
}

func newHarness(t *testing.T, provider llm.Provider, maxSteps *int, extra ...tools.Tool) Options {
	t.Helper()
	registry := tools.NewRegistry()
	if err := registry.Register(&echoTool{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	for _, tool := range extra {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	orch := orchestrator.New(registry, nil, nil, nil, orchestrator.Config{}, nil, testLogger())
	return Options{
		Provider:     provider,
		Tools:        registry,
		Orchestrator: orch,
		SystemPrompt: "You are a coding agent.",
		MaxSteps:     maxSteps,
		Logger:       testLogger(),
	}
}

func execute(t *testing.T, opts Options) (*Executor, *models.Execution, error) {
	t.Helper()
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exec, execErr := e.Execute(context.Background(), models.NewTask("do the thing", ""))
	if exec == nil {
		t.Fatal("Execute returned nil execution")
	}
	return e, exec, execErr
}

func TestExecuteNaturalStop(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{textResponse("all done")}}
	e, exec, err := execute(t, newHarness(t, provider, stepBudget(10)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if e.State() != models.StateCompleted {
		t.Errorf("state = %s, want completed", e.State())
	}
	if out := e.Outcome(); out.Kind != models.OutcomeSuccess || out.FinalResult != "all done" {
		t.Errorf("outcome = %+v", out)
	}
	if len(exec.Steps) != 1 || !exec.Success {
		t.Errorf("steps = %d, success = %v", len(exec.Steps), exec.Success)
	}
	if exec.TotalUsage.TotalTokens != 110 {
		t.Errorf("total tokens = %d, want 110", exec.TotalUsage.TotalTokens)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{
		toolResponse(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}}),
		textResponse("finished"),
	}}
	e, exec, err := execute(t, newHarness(t, provider, stepBudget(10)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out := e.Outcome(); out.Kind != models.OutcomeSuccess || out.Steps != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(exec.Steps))
	}
	if len(exec.Steps[0].ToolResults) != 1 || exec.Steps[0].ToolResults[0].Output != "hi" {
		t.Errorf("step 1 tool results = %+v", exec.Steps[0].ToolResults)
	}
	// The second call must have seen the assistant tool call and its result.
	var sawToolMsg bool
	for _, msg := range provider.lastSent {
		if msg.Role == models.RoleTool && msg.ToolCallID == "c1" && msg.Content == "hi" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("tool result message not sent back to the provider")
	}
	if exec.TotalUsage.TotalTokens != 220 {
		t.Errorf("total tokens = %d, want 220", exec.TotalUsage.TotalTokens)
	}
}

func TestExecuteTaskDone(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{
		toolResponse(models.ToolCall{ID: "c1", Name: tools.TaskDoneName, Arguments: map[string]any{"summary": "patched and tested"}}),
	}}
	e, exec, err := execute(t, newHarness(t, provider, stepBudget(10), tools.TaskDone{}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := e.Outcome()
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if out.FinalResult != "patched and tested" {
		t.Errorf("final result = %q", out.FinalResult)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
	if !exec.Success {
		t.Error("execution not marked successful")
	}
}

func TestExecuteUnlimitedSteps(t *testing.T) {
	// A nil budget must not cap the loop; the task runs until the model
	// stops on its own, well past any default.
	var responses []*models.Response
	for i := 0; i < 54; i++ {
		responses = append(responses, toolResponse(models.ToolCall{ID: "c", Name: "echo", Arguments: map[string]any{"text": "again"}}))
	}
	responses = append(responses, textResponse("finally done"))
	provider := &scriptedProvider{responses: responses}

	e, exec, err := execute(t, newHarness(t, provider, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out := e.Outcome(); out.Kind != models.OutcomeSuccess || out.FinalResult != "finally done" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(exec.Steps) != 55 || !exec.Success {
		t.Errorf("steps = %d, success = %v, want 55 and true", len(exec.Steps), exec.Success)
	}
}

func TestExecuteZeroStepBudget(t *testing.T) {
	provider := &scriptedProvider{}
	e, exec, err := execute(t, newHarness(t, provider, stepBudget(0)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if e.State() != models.StateMaxStepsReached {
		t.Errorf("state = %s", e.State())
	}
	if out := e.Outcome(); out.Kind != models.OutcomeMaxStepsReached {
		t.Errorf("outcome = %+v", out)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times, want 0", provider.calls)
	}
	if len(exec.Steps) != 0 {
		t.Errorf("steps = %d, want 0", len(exec.Steps))
	}
}

func TestExecuteBudgetExhausted(t *testing.T) {
	loop := func() *models.Response {
		return toolResponse(models.ToolCall{ID: "c", Name: "echo", Arguments: map[string]any{"text": "again"}})
	}
	provider := &scriptedProvider{responses: []*models.Response{loop(), loop(), loop()}}
	e, exec, err := execute(t, newHarness(t, provider, stepBudget(2)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out := e.Outcome(); out.Kind != models.OutcomeMaxStepsReached || out.Steps != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if len(exec.Steps) != 2 || exec.Success {
		t.Errorf("steps = %d, success = %v", len(exec.Steps), exec.Success)
	}
}

func TestStepsCarryMessageSnapshots(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{
		toolResponse(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}}),
		textResponse("finished"),
	}}
	_, exec, err := execute(t, newHarness(t, provider, stepBudget(10)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(exec.Steps))
	}
	// system + user + assistant(tool call) + tool result
	first := exec.Steps[0].MessagesSnapshot
	if len(first) != 4 {
		t.Fatalf("step 1 snapshot has %d messages, want 4", len(first))
	}
	if first[len(first)-1].Role != models.RoleTool {
		t.Errorf("step 1 snapshot should end with the tool result, got %s", first[len(first)-1].Role)
	}
	second := exec.Steps[1].MessagesSnapshot
	if len(second) != len(first)+1 {
		t.Errorf("step 2 snapshot has %d messages, want %d", len(second), len(first)+1)
	}
	if second[len(second)-1].Content != "finished" {
		t.Errorf("step 2 snapshot should end with the final assistant message")
	}
}

func TestExecuteProviderFault(t *testing.T) {
	fault := &llm.ProviderError{Kind: models.ErrKindAuthentication, Provider: "scripted", Message: "bad key"}
	provider := &scriptedProvider{errs: []error{fault}}
	e, exec, err := execute(t, newHarness(t, provider, stepBudget(10)))
	if err == nil {
		t.Fatal("expected provider fault to surface")
	}
	if e.State() != models.StateError {
		t.Errorf("state = %s, want error", e.State())
	}
	out := e.Outcome()
	if out.Kind != models.OutcomeFailed || out.ErrorKind != models.ErrKindAuthentication {
		t.Errorf("outcome = %+v", out)
	}
	if exec.Success {
		t.Error("failed execution marked successful")
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	provider := &scriptedProvider{}
	opts := newHarness(t, provider, stepBudget(10))
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec, execErr := e.Execute(ctx, models.NewTask("task", ""))
	if execErr != nil {
		t.Fatalf("Execute: %v", execErr)
	}
	if e.State() != models.StateInterrupted {
		t.Errorf("state = %s, want interrupted", e.State())
	}
	if out := e.Outcome(); out.Kind != models.OutcomeInterrupted {
		t.Errorf("outcome = %+v", out)
	}
	if len(exec.Steps) != 0 || provider.calls != 0 {
		t.Errorf("steps = %d, provider calls = %d", len(exec.Steps), provider.calls)
	}
}

func TestExecuteInterruptedMidStep(t *testing.T) {
	// The first tool call interrupts the scope; the second call of the same
	// batch must not run and the step survives as a partial record.
	manager := interrupt.NewManager()
	interrupting := &echoTool{cancel: func() { manager.Interrupt(interrupt.ReasonUserInterrupt) }}

	registry := tools.NewRegistry()
	if err := registry.Register(interrupting); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := orchestrator.New(registry, nil, nil, nil, orchestrator.Config{}, nil, testLogger())
	provider := &scriptedProvider{responses: []*models.Response{
		toolResponse(
			models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "first"}},
			models.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "second"}},
		),
	}}

	e, err := New(context.Background(), Options{
		Provider:     provider,
		Tools:        registry,
		Orchestrator: orch,
		Interrupts:   manager,
		MaxSteps:     stepBudget(10),
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exec, execErr := e.Execute(context.Background(), models.NewTask("task", ""))
	if execErr != nil {
		t.Fatalf("Execute: %v", execErr)
	}
	if out := e.Outcome(); out.Kind != models.OutcomeInterrupted {
		t.Errorf("outcome = %+v", out)
	}
	if len(exec.Steps) != 1 {
		t.Fatalf("steps = %d, want 1 partial step", len(exec.Steps))
	}
	if got := len(exec.Steps[0].ToolResults); got != 1 {
		t.Errorf("partial step has %d results, want 1", got)
	}
}

func TestExecuteFiresHooks(t *testing.T) {
	var mu sync.Mutex
	var phases []hooks.Phase
	registry := hooks.NewRegistry(testLogger().Slog())
	for _, phase := range []hooks.Phase{
		hooks.PhaseTaskStart, hooks.PhaseStepStart, hooks.PhaseStepComplete,
		hooks.PhaseTaskComplete, hooks.PhaseStateTransition,
	} {
		registry.Register(phase, "capture", func(ctx context.Context, ev *hooks.Event) error {
			mu.Lock()
			phases = append(phases, ev.Phase)
			mu.Unlock()
			return nil
		})
	}

	provider := &scriptedProvider{responses: []*models.Response{textResponse("ok")}}
	opts := newHarness(t, provider, stepBudget(10))
	opts.Hooks = registry
	if _, _, err := execute(t, opts); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	seen := map[hooks.Phase]int{}
	for _, p := range phases {
		seen[p]++
	}
	for _, want := range []hooks.Phase{
		hooks.PhaseTaskStart, hooks.PhaseStepStart, hooks.PhaseStepComplete,
		hooks.PhaseTaskComplete, hooks.PhaseStateTransition,
	} {
		if seen[want] == 0 {
			t.Errorf("phase %s never fired", want)
		}
	}
	// initializing -> thinking -> completed
	if seen[hooks.PhaseStateTransition] != 2 {
		t.Errorf("state transitions = %d, want 2", seen[hooks.PhaseStateTransition])
	}
}

func TestExecuteHookErrorNotFatal(t *testing.T) {
	registry := hooks.NewRegistry(testLogger().Slog())
	registry.Register(hooks.PhaseStepStart, "broken", func(ctx context.Context, ev *hooks.Event) error {
		return errors.New("hook exploded")
	})
	provider := &scriptedProvider{responses: []*models.Response{textResponse("ok")}}
	opts := newHarness(t, provider, stepBudget(10))
	opts.Hooks = registry
	e, _, err := execute(t, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if e.Outcome().Kind != models.OutcomeSuccess {
		t.Errorf("outcome = %+v", e.Outcome())
	}
}

func TestExecuteJournalsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	rec, err := trajectory.NewRecorder(path)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	provider := &scriptedProvider{responses: []*models.Response{
		toolResponse(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}}),
		textResponse("done"),
	}}
	opts := newHarness(t, provider, stepBudget(10))
	opts.Recorder = rec
	if _, _, err := execute(t, opts); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rec.Close()

	session, err := trajectory.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !session.Ended || !session.Success {
		t.Errorf("journal end state = ended %v success %v", session.Ended, session.Success)
	}
	if session.Started.Provider != "scripted" {
		t.Errorf("journaled provider = %q", session.Started.Provider)
	}
	// user + assistant(tool call) + tool result + assistant(final)
	if len(session.Messages) != 4 {
		t.Errorf("rebuilt %d messages, want 4", len(session.Messages))
	}
	if session.Usage.TotalTokens != 220 {
		t.Errorf("journaled tokens = %d, want 220", session.Usage.TotalTokens)
	}
}

func TestExecuteSeedsHistoryOnResume(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{textResponse("resumed and done")}}
	opts := newHarness(t, provider, stepBudget(10))
	opts.History = []models.Message{
		models.UserMessage("original task"),
		models.AssistantMessage("I started reading the code"),
	}
	if _, _, err := execute(t, opts); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// system + 2 history + new user message
	if len(provider.lastSent) != 4 {
		t.Fatalf("provider saw %d messages, want 4", len(provider.lastSent))
	}
	if provider.lastSent[0].Role != models.RoleSystem {
		t.Error("system prompt not first")
	}
	if provider.lastSent[1].Content != "original task" {
		t.Errorf("history not seeded: %+v", provider.lastSent[1])
	}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error for missing provider")
	}
}
