package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// reflectSchema derives a JSON Schema from an argument struct. Builtin
// schemas are static, so reflection failures are programmer errors and
// panic at init.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema: %v", err))
	}
	return data
}

type taskDoneArgs struct {
	Summary string `json:"summary" jsonschema:"description=Short summary of what was accomplished"`
}

var taskDoneSchema = reflectSchema(&taskDoneArgs{})

// TaskDone signals that the agent considers the task complete. The executor
// watches for this call to finish the run; the tool itself just echoes the
// summary.
type TaskDone struct {
	Base
}

// TaskDoneName is the tool name the executor matches on for completion.
const TaskDoneName = "task_done"

func (TaskDone) Name() string { return TaskDoneName }

func (TaskDone) Description() string {
	return "Signal that the task is complete. Call this exactly once, after all work is finished, with a short summary of the outcome."
}

func (TaskDone) Schema() json.RawMessage { return taskDoneSchema }

func (TaskDone) IsReadOnly() bool { return true }

func (TaskDone) Execute(ctx context.Context, args map[string]any) (string, error) {
	summary, _ := args["summary"].(string)
	if summary == "" {
		summary = "task completed"
	}
	return summary, nil
}

// Asker obtains an answer from the user. The CLI wires this to the terminal.
type Asker func(ctx context.Context, question string) (string, error)

type askUserArgs struct {
	Question string `json:"question" jsonschema:"description=The question to put to the user"`
}

var askUserSchema = reflectSchema(&askUserArgs{})

// AskUser relays a model question to the human and returns their answer.
type AskUser struct {
	Base
	Ask Asker
}

func (AskUser) Name() string { return "ask_user" }

func (AskUser) Description() string {
	return "Ask the user a clarifying question and wait for their reply. Use this when the task is ambiguous and proceeding would require guessing."
}

func (AskUser) Schema() json.RawMessage { return askUserSchema }

func (AskUser) IsReadOnly() bool { return true }

func (AskUser) RequiresUserInteraction() bool { return true }

func (t AskUser) Execute(ctx context.Context, args map[string]any) (string, error) {
	question, _ := args["question"].(string)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	if t.Ask == nil {
		return "", fmt.Errorf("no interactive session available")
	}
	return t.Ask(ctx, question)
}

// RegisterBuiltins installs the always-available tools.
func RegisterBuiltins(r *Registry, ask Asker) error {
	if err := r.Register(TaskDone{}); err != nil {
		return err
	}
	return r.Register(AskUser{Ask: ask})
}
