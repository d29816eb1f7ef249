// Package contextmgr keeps the conversation within the model's context
// budget. When the estimated token count crosses the threshold, the middle
// of the history is replaced by a summary message; the head (system prompt
// and task) and the most recent tail survive verbatim.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/sagecode/sage/internal/llm"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

// summaryHeader marks the synthetic message carrying compacted history.
const summaryHeader = "# Previous Conversation Summary"

const summarizePrompt = `Summarize the conversation below for use as context in a continuing session. Preserve: the original task, key decisions and their reasons, files examined or modified, tool outcomes that matter for later steps, and any unresolved problems. Be concise; drop pleasantries and dead ends.`

// Config tunes compaction behavior.
type Config struct {
	// ThresholdTokens triggers compaction when the estimate crosses it.
	ThresholdTokens int

	// HeadKeep is how many leading messages survive verbatim.
	HeadKeep int

	// TailKeep is how many trailing messages survive verbatim.
	TailKeep int
}

// DefaultConfig mirrors the built-in budget for a 200k-context model.
func DefaultConfig() Config {
	return Config{
		ThresholdTokens: 80000,
		HeadKeep:        2,
		TailKeep:        10,
	}
}

// Manager estimates context size and compacts when needed.
type Manager struct {
	cfg      Config
	provider llm.Provider
	metrics  *observability.Metrics
	log      *observability.Logger
}

// New builds a manager. provider may be nil, in which case compaction uses
// the extractive fallback only; metrics may be nil.
func New(cfg Config, provider llm.Provider, metrics *observability.Metrics, log *observability.Logger) *Manager {
	if cfg.ThresholdTokens <= 0 {
		cfg.ThresholdTokens = DefaultConfig().ThresholdTokens
	}
	if cfg.HeadKeep <= 0 {
		cfg.HeadKeep = DefaultConfig().HeadKeep
	}
	if cfg.TailKeep <= 0 {
		cfg.TailKeep = DefaultConfig().TailKeep
	}
	return &Manager{cfg: cfg, provider: provider, metrics: metrics, log: log}
}

// NeedsCompaction reports whether the history has crossed the threshold.
func (m *Manager) NeedsCompaction(messages []models.Message) bool {
	return models.EstimateTokens(messages) >= m.cfg.ThresholdTokens
}

// Compact replaces the middle of the history with a summary message when
// the threshold is crossed. It is best effort: on any failure the original
// history is returned unchanged and the step proceeds. The second return
// reports whether compaction happened.
func (m *Manager) Compact(ctx context.Context, messages []models.Message) ([]models.Message, bool) {
	if !m.NeedsCompaction(messages) {
		return messages, false
	}

	head, middle, tail, ok := m.split(messages)
	if !ok {
		return messages, false
	}

	summary := m.summarize(ctx, middle)
	if summary == "" {
		return messages, false
	}

	compacted := make([]models.Message, 0, len(head)+1+len(tail))
	compacted = append(compacted, head...)
	compacted = append(compacted, models.SystemMessage(summaryHeader+"\n\n"+summary))
	compacted = append(compacted, tail...)

	if m.metrics != nil {
		m.metrics.RecordCompaction()
	}
	m.log.Info(ctx, "context compacted",
		"before_messages", len(messages),
		"after_messages", len(compacted),
		"estimated_tokens", models.EstimateTokens(compacted))
	return compacted, true
}

// split carves the history into head, middle, tail. The tail boundary is
// pushed back so it never opens with orphaned tool results; a tool message
// must follow the assistant message that requested it.
func (m *Manager) split(messages []models.Message) (head, middle, tail []models.Message, ok bool) {
	headEnd := m.cfg.HeadKeep
	tailStart := len(messages) - m.cfg.TailKeep
	for tailStart > headEnd && messages[tailStart].Role == models.RoleTool {
		tailStart--
	}
	if tailStart <= headEnd {
		// Nothing in the middle to fold away.
		return nil, nil, nil, false
	}
	return messages[:headEnd], messages[headEnd:tailStart], messages[tailStart:], true
}

// summarize produces a summary of the middle messages, via the provider
// when one is wired, otherwise extractively. Provider failure degrades to
// the extractive path rather than blocking the step.
func (m *Manager) summarize(ctx context.Context, middle []models.Message) string {
	if m.provider != nil {
		prompt := []models.Message{
			models.SystemMessage(summarizePrompt),
			models.UserMessage(renderForSummary(middle)),
		}
		resp, err := m.provider.Chat(ctx, prompt, nil)
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err != nil {
			m.log.Warn(ctx, "summarization call failed, using extractive fallback", "error", err)
		}
	}
	return extractiveSummary(middle)
}

// renderForSummary flattens messages into plain text for the summarizer.
func renderForSummary(messages []models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(fmt.Sprintf("[%s]: ", msg.Role))
		sb.WriteString(msg.Content)
		for _, tc := range msg.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  [tool call %s: %s]", tc.Name, truncate(string(tc.ArgumentsJSON()), 200)))
		}
		if msg.Role == models.RoleTool {
			sb.WriteString(fmt.Sprintf("\n  [result for %s]", msg.Name))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// extractiveSummary is the no-LLM fallback: user requests verbatim, tool
// activity as a trace, assistant text truncated.
func extractiveSummary(messages []models.Message) string {
	var sb strings.Builder
	sb.WriteString("Condensed from earlier conversation:\n")
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			sb.WriteString(fmt.Sprintf("- user: %s\n", truncate(msg.Content, 300)))
		case models.RoleAssistant:
			if msg.Content != "" {
				sb.WriteString(fmt.Sprintf("- assistant: %s\n", truncate(msg.Content, 200)))
			}
			for _, tc := range msg.ToolCalls {
				sb.WriteString(fmt.Sprintf("- called %s(%s)\n", tc.Name, truncate(string(tc.ArgumentsJSON()), 120)))
			}
		case models.RoleTool:
			sb.WriteString(fmt.Sprintf("- %s returned: %s\n", msg.Name, truncate(msg.Content, 120)))
		}
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
