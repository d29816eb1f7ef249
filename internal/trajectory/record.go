// Package trajectory records agent sessions as append-only JSONL journals,
// replays them for resume, and maintains a SQLite index for listing.
package trajectory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sagecode/sage/pkg/models"
)

// Record kinds, one per journal line.
const (
	KindSessionStarted  = "session_started"
	KindUserMessage     = "user_message"
	KindLLMRequest      = "llm_request"
	KindLLMResponse     = "llm_response"
	KindToolCall        = "tool_call"
	KindToolResult      = "tool_result"
	KindMessageAppended = "message_appended"
	KindCompaction      = "compaction"
	KindSessionEnded    = "session_ended"
)

// Record is the envelope around every journal line.
type Record struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionStartedPayload opens a journal.
type SessionStartedPayload struct {
	SessionID  string `json:"session_id"`
	Task       string `json:"task"`
	WorkingDir string `json:"working_dir,omitempty"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// UserMessagePayload carries user input verbatim so resume can rebuild it.
type UserMessagePayload struct {
	Content string `json:"content"`
}

// LLMRequestPayload describes an outgoing provider call without duplicating
// the full history; the journal already holds every message.
type LLMRequestPayload struct {
	Step            int    `json:"step"`
	MessageCount    int    `json:"message_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Model           string `json:"model"`
}

// LLMResponsePayload carries the full response for resume reconstruction.
type LLMResponsePayload struct {
	Step         int               `json:"step"`
	Content      string            `json:"content,omitempty"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	Usage        models.Usage      `json:"usage"`
	FinishReason string            `json:"finish_reason"`
	Model        string            `json:"model,omitempty"`
	ID           string            `json:"id,omitempty"`
}

// ToolCallPayload records a tool invocation before it runs.
type ToolCallPayload struct {
	Step      int            `json:"step"`
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResultPayload records a tool outcome.
type ToolResultPayload struct {
	Step   int               `json:"step"`
	Result models.ToolResult `json:"result"`
}

// MessageAppendedPayload is an integrity trace: role plus content digest,
// not the content itself.
type MessageAppendedPayload struct {
	Role       models.Role `json:"role"`
	ContentSHA string      `json:"content_sha256"`
	Length     int         `json:"length"`
}

// CompactionPayload records a context compaction event.
type CompactionPayload struct {
	MessagesBefore int `json:"messages_before"`
	MessagesAfter  int `json:"messages_after"`
	TokensSaved    int `json:"tokens_saved_estimate"`
}

// SessionEndedPayload closes a journal.
type SessionEndedPayload struct {
	Success     bool         `json:"success"`
	FinalResult string       `json:"final_result,omitempty"`
	Steps       int          `json:"steps"`
	Usage       models.Usage `json:"usage"`
}

func contentDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
