package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sagecode/sage/internal/config"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		models.SystemMessage("be terse"),
		models.UserMessage("list files"),
		models.AssistantMessage("", models.ToolCall{
			ID: "call_1", Name: "ls", Arguments: map[string]any{"path": "."},
		}),
		models.ToolMessage("call_1", "ls", "a.txt\nb.txt"),
	}

	converted := convertOpenAIMessages(messages)
	if len(converted) != 4 {
		t.Fatalf("converted %d messages, want 4", len(converted))
	}
	if converted[0].Role != "system" || converted[1].Role != "user" {
		t.Errorf("unexpected roles %s, %s", converted[0].Role, converted[1].Role)
	}
	if len(converted[2].ToolCalls) != 1 {
		t.Fatalf("assistant message lost its tool call")
	}
	if converted[2].ToolCalls[0].Function.Arguments != `{"path":"."}` {
		t.Errorf("arguments = %s", converted[2].ToolCalls[0].Function.Arguments)
	}
	if converted[3].Role != "tool" || converted[3].ToolCallID != "call_1" {
		t.Errorf("tool result message not paired: role=%s id=%s", converted[3].Role, converted[3].ToolCallID)
	}
}

func TestOpenAIRequestParallelToolCalls(t *testing.T) {
	off := false
	cfg := config.ProviderConfig{Model: "gpt-4o", ParallelToolCalls: &off}
	p := NewOpenAIProvider(cfg, "key", testLogger())

	specs := []models.ToolSpec{{Name: "ls", Description: "list", Parameters: json.RawMessage(`{"type":"object"}`)}}
	req := p.buildRequest([]models.Message{models.UserMessage("hi")}, specs, false)
	if v, ok := req.ParallelToolCalls.(bool); !ok || v {
		t.Errorf("ParallelToolCalls = %v, want false", req.ParallelToolCalls)
	}

	// Unset leaves the provider default in place.
	p = NewOpenAIProvider(config.ProviderConfig{Model: "gpt-4o"}, "key", testLogger())
	req = p.buildRequest([]models.Message{models.UserMessage("hi")}, specs, false)
	if req.ParallelToolCalls != nil {
		t.Errorf("ParallelToolCalls = %v, want unset", req.ParallelToolCalls)
	}
}

func TestConvertOpenAIToolsBadSchema(t *testing.T) {
	tools := convertOpenAITools([]models.ToolSpec{
		{Name: "good", Description: "ok", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", Description: "broken", Parameters: json.RawMessage(`{not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatal("bad schema should degrade to an empty object schema")
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema type = %v", params["type"])
	}
}

func TestParseArgumentsMalformed(t *testing.T) {
	p := NewOpenAIProvider(config.ProviderConfig{}, "test-key", testLogger())

	args := p.parseArguments(t.Context(), "read_file", `{"path": "a.txt"`)
	if len(args) != 0 {
		t.Errorf("malformed arguments should give empty map, got %v", args)
	}
	args = p.parseArguments(t.Context(), "read_file", `{"path": "a.txt"}`)
	if args["path"] != "a.txt" {
		t.Errorf("args = %v", args)
	}
	args = p.parseArguments(t.Context(), "task_done", "")
	if args == nil || len(args) != 0 {
		t.Errorf("empty arguments should give empty map, got %v", args)
	}
}

func TestConvertOpenAIFinishReason(t *testing.T) {
	tests := []struct {
		in   string
		want models.FinishReason
	}{
		{"stop", models.FinishStop},
		{"tool_calls", models.FinishToolCalls},
		{"function_call", models.FinishToolCalls},
		{"length", models.FinishLength},
	}
	for _, tt := range tests {
		if got := convertOpenAIFinishReason(tt.in); got != tt.want {
			t.Errorf("convertOpenAIFinishReason(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestConvertAnthropicStopReason(t *testing.T) {
	if got := convertAnthropicStopReason("end_turn", false); got != models.FinishEndTurn {
		t.Errorf("end_turn = %s", got)
	}
	if got := convertAnthropicStopReason("tool_use", true); got != models.FinishToolCalls {
		t.Errorf("tool_use = %s", got)
	}
	if got := convertAnthropicStopReason("max_tokens", false); got != models.FinishLength {
		t.Errorf("max_tokens = %s", got)
	}
	// Missing stop reason falls back on whether tools were requested.
	if got := convertAnthropicStopReason("", true); got != models.FinishToolCalls {
		t.Errorf("empty with tools = %s", got)
	}
	if got := convertAnthropicStopReason("", false); got != models.FinishEndTurn {
		t.Errorf("empty without tools = %s", got)
	}
}

func TestConvertAnthropicMessagesSkipsSystem(t *testing.T) {
	messages := []models.Message{
		models.SystemMessage("system prompt"),
		models.UserMessage("hello"),
		models.AssistantMessage("hi"),
		models.ToolMessage("toolu_1", "grep", "no matches"),
	}
	converted := convertAnthropicMessages(messages)
	if len(converted) != 3 {
		t.Fatalf("converted %d messages, want 3 (system handled separately)", len(converted))
	}
}

func TestConvertGoogleMessages(t *testing.T) {
	messages := []models.Message{
		models.SystemMessage("system prompt"),
		models.UserMessage("check the weather"),
		models.AssistantMessage("", models.ToolCall{
			ID: "call_weather_abc12345", Name: "weather", Arguments: map[string]any{"city": "SF"},
		}),
		models.ToolMessage("call_weather_abc12345", "weather", `{"temp": 18}`),
	}

	contents := convertGoogleMessages(messages)
	if len(contents) != 3 {
		t.Fatalf("converted %d contents, want 3", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("assistant role = %s, want model", contents[1].Role)
	}
	if contents[1].Parts[0].FunctionCall == nil {
		t.Fatal("assistant tool call lost")
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("tool result lost")
	}
	if fr.Name != "weather" {
		t.Errorf("function response name = %s, want weather", fr.Name)
	}
	if fr.Response["temp"] != float64(18) {
		t.Errorf("function response payload = %v", fr.Response)
	}
}

func TestGoogleToolResultNonJSON(t *testing.T) {
	messages := []models.Message{
		models.ToolMessage("call_ls_deadbeef", "ls", "a.txt\nb.txt"),
	}
	contents := convertGoogleMessages(messages)
	fr := contents[0].Parts[0].FunctionResponse
	if fr.Response["result"] != "a.txt\nb.txt" {
		t.Errorf("plain-text result should be wrapped, got %v", fr.Response)
	}
}

func TestConvertGoogleSchema(t *testing.T) {
	schema := convertGoogleSchema(map[string]any{
		"type":        "object",
		"description": "query params",
		"properties": map[string]any{
			"city": map[string]any{"type": "string", "enum": []any{"SF", "NY"}},
			"days": map[string]any{"type": "integer"},
		},
		"required": []any{"city"},
	})
	if string(schema.Type) != "OBJECT" {
		t.Errorf("type = %s, want OBJECT", schema.Type)
	}
	if len(schema.Properties) != 2 {
		t.Fatalf("got %d properties", len(schema.Properties))
	}
	if got := schema.Properties["city"].Enum; len(got) != 2 {
		t.Errorf("enum lost: %v", got)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "city" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestSynthesizeCallID(t *testing.T) {
	id := synthesizeCallID("weather")
	if !strings.HasPrefix(id, "call_weather_") {
		t.Errorf("id = %s", id)
	}
	if id == synthesizeCallID("weather") {
		t.Error("ids should be unique per call")
	}
}

func TestToolNameForCallFallsBackToID(t *testing.T) {
	msg := models.Message{Role: models.RoleTool, ToolCallID: "call_grep_12345678"}
	if got := toolNameForCall(msg, nil); got != "grep" {
		t.Errorf("toolNameForCall = %q, want grep", got)
	}
}
