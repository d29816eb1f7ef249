package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Chat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Response{Content: f.summary}, nil
}

func (f *fakeSummarizer) StreamChat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	return f.Chat(ctx, messages, tools)
}

func (f *fakeSummarizer) Name() string      { return "fake" }
func (f *fakeSummarizer) ModelName() string { return "fake-model" }

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func longHistory(n int) []models.Message {
	msgs := []models.Message{
		models.SystemMessage("You are an assistant."),
		models.UserMessage("Fix the bug in main.go"),
	}
	filler := strings.Repeat("x", 400)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.AssistantMessage(filler))
		msgs = append(msgs, models.UserMessage(filler))
	}
	return msgs
}

func TestCompactBelowThresholdNoop(t *testing.T) {
	m := New(Config{ThresholdTokens: 100000}, nil, nil, testLogger())
	msgs := longHistory(5)
	got, compacted := m.Compact(context.Background(), msgs)
	if compacted {
		t.Fatal("expected no compaction below threshold")
	}
	if len(got) != len(msgs) {
		t.Errorf("message count changed: %d != %d", len(got), len(msgs))
	}
}

func TestCompactReplacesMiddle(t *testing.T) {
	sum := &fakeSummarizer{summary: "earlier: edited main.go, tests now pass"}
	m := New(Config{ThresholdTokens: 500, HeadKeep: 2, TailKeep: 4}, sum, nil, testLogger())
	msgs := longHistory(20)

	got, compacted := m.Compact(context.Background(), msgs)
	if !compacted {
		t.Fatal("expected compaction")
	}
	if sum.calls != 1 {
		t.Errorf("summarizer called %d times, want 1", sum.calls)
	}
	if len(got) != 2+1+4 {
		t.Fatalf("len = %d, want 7", len(got))
	}
	// Head survives verbatim.
	if got[0].Content != msgs[0].Content || got[1].Content != msgs[1].Content {
		t.Error("head messages were altered")
	}
	// Summary message sits between head and tail.
	if got[2].Role != models.RoleSystem || !strings.Contains(got[2].Content, summaryHeader) {
		t.Errorf("expected summary system message, got role=%s content=%q", got[2].Role, got[2].Content)
	}
	if !strings.Contains(got[2].Content, sum.summary) {
		t.Error("summary body missing from compacted message")
	}
	// Tail is the last messages of the original.
	if got[len(got)-1].Content != msgs[len(msgs)-1].Content {
		t.Error("tail messages were altered")
	}
}

func TestCompactSummarizerFailureFallsBack(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("boom")}
	m := New(Config{ThresholdTokens: 500, HeadKeep: 2, TailKeep: 4}, sum, nil, testLogger())
	msgs := longHistory(20)

	got, compacted := m.Compact(context.Background(), msgs)
	if !compacted {
		t.Fatal("expected extractive fallback to still compact")
	}
	if !strings.Contains(got[2].Content, "Condensed from earlier conversation") {
		t.Errorf("expected extractive summary, got %q", got[2].Content)
	}
}

func TestCompactNoProviderUsesExtractive(t *testing.T) {
	m := New(Config{ThresholdTokens: 500, HeadKeep: 2, TailKeep: 4}, nil, nil, testLogger())
	got, compacted := m.Compact(context.Background(), longHistory(20))
	if !compacted {
		t.Fatal("expected compaction without a provider")
	}
	if !strings.Contains(got[2].Content, "Condensed from earlier conversation") {
		t.Errorf("expected extractive summary, got %q", got[2].Content)
	}
}

func TestCompactTooShortHistoryNoop(t *testing.T) {
	// Over threshold but everything fits in head+tail: nothing to fold.
	m := New(Config{ThresholdTokens: 10, HeadKeep: 5, TailKeep: 10}, nil, nil, testLogger())
	msgs := longHistory(3) // 8 messages
	got, compacted := m.Compact(context.Background(), msgs)
	if compacted {
		t.Fatal("expected no compaction when head+tail covers the history")
	}
	if len(got) != len(msgs) {
		t.Errorf("message count changed: %d != %d", len(got), len(msgs))
	}
}

func TestCompactKeepsToolPairsTogether(t *testing.T) {
	filler := strings.Repeat("x", 600)
	msgs := []models.Message{
		models.SystemMessage("system"),
		models.UserMessage("task"),
	}
	for i := 0; i < 6; i++ {
		msgs = append(msgs, models.AssistantMessage(filler))
	}
	// The naive tail boundary would land on the tool result, splitting it
	// from its call.
	msgs = append(msgs,
		models.AssistantMessage("", models.ToolCall{ID: "c1", Name: "read_file"}),
		models.ToolMessage("c1", "read_file", filler),
		models.AssistantMessage("done reading"),
		models.UserMessage("continue"),
	)

	m := New(Config{ThresholdTokens: 500, HeadKeep: 2, TailKeep: 3}, nil, nil, testLogger())
	got, compacted := m.Compact(context.Background(), msgs)
	if !compacted {
		t.Fatal("expected compaction")
	}
	for i, msg := range got {
		if msg.Role != models.RoleTool {
			continue
		}
		if i == 0 || len(got[i-1].ToolCalls) == 0 {
			t.Errorf("tool result at %d is not preceded by its call", i)
		}
	}
}

func TestExtractiveSummaryContent(t *testing.T) {
	msgs := []models.Message{
		models.UserMessage("please refactor the parser"),
		models.AssistantMessage("", models.ToolCall{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "parser.go"}}),
		models.ToolMessage("c1", "read_file", "package parser\n..."),
		models.AssistantMessage("The parser uses recursive descent."),
	}
	sum := extractiveSummary(msgs)
	for _, want := range []string{"please refactor the parser", "called read_file", "read_file returned", "recursive descent"} {
		if !strings.Contains(sum, want) {
			t.Errorf("summary missing %q:\n%s", want, sum)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	m := New(Config{}, nil, nil, testLogger())
	if m.cfg.ThresholdTokens != 80000 || m.cfg.HeadKeep != 2 || m.cfg.TailKeep != 10 {
		t.Errorf("defaults not applied: %+v", m.cfg)
	}
}
