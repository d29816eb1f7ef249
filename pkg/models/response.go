package models

import "strings"

// FinishReason is the provider's signal for how a generation ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishEndTurn   FinishReason = "end_turn"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// IsNaturalStop reports whether the reason indicates the model chose to end
// its turn (as opposed to requesting tools or being truncated). Providers
// spell this differently: "stop", "end_turn", and Google's "STOP" all count.
func (f FinishReason) IsNaturalStop() bool {
	switch strings.ToLower(string(f)) {
	case "stop", "end_turn":
		return true
	}
	return false
}

// Response is the assembled result of one LLM call.
type Response struct {
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// HasToolCalls reports whether the model requested any tool executions.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Usage is per-request token accounting. Cache creation and cache read
// tokens are prompt-side input that the provider billed separately; both
// count toward the total.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// NewUsage builds a Usage with the total derived from its parts.
func NewUsage(prompt, completion, cacheCreation, cacheRead int) Usage {
	return Usage{
		PromptTokens:        prompt,
		CompletionTokens:    completion,
		CacheCreationTokens: cacheCreation,
		CacheReadTokens:     cacheRead,
		TotalTokens:         prompt + completion + cacheCreation + cacheRead,
	}
}

// Add accumulates another request's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.TotalTokens += other.TotalTokens
}

// InputTokens returns all prompt-side tokens, cache variants included.
func (u Usage) InputTokens() int {
	return u.PromptTokens + u.CacheCreationTokens + u.CacheReadTokens
}
