package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// CacheMarker hints that a message prefix should be cached provider-side.
type CacheMarker string

const (
	CacheNone      CacheMarker = ""
	CacheEphemeral CacheMarker = "ephemeral"
)

// Message is one entry in the conversation history. Messages are appended
// only; the executor owns the in-memory list and the recorder receives
// copies.
type Message struct {
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	ToolCalls   []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID  string      `json:"tool_call_id,omitempty"`
	Name        string      `json:"name,omitempty"`
	CacheMarker CacheMarker `json:"cache_marker,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message with optional tool calls.
func AssistantMessage(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolMessage builds a tool-role message carrying one tool's result for the
// given call id.
func ToolMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: toolName}
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON renders the call arguments as a JSON object. Returns "{}"
// when the arguments are empty or cannot be marshaled.
func (c ToolCall) ArgumentsJSON() json.RawMessage {
	if len(c.Arguments) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// ToolResult is the outcome of running a model-requested tool.
type ToolResult struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS uint64 `json:"duration_ms"`
}

// Text returns the content surfaced to the model: the output on success,
// the error text otherwise.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	return r.Error
}

// ToolSuccess builds a successful result for the given call.
func ToolSuccess(call ToolCall, output string) *ToolResult {
	return &ToolResult{CallID: call.ID, ToolName: call.Name, Success: true, Output: output}
}

// ToolError builds a failing result for the given call.
func ToolError(call ToolCall, errText string) *ToolResult {
	return &ToolResult{CallID: call.ID, ToolName: call.Name, Success: false, Error: errText}
}

// ToolSpec is the provider-facing description of a registered tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
