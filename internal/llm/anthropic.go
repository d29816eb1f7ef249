package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sagecode/sage/internal/config"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider speaks the Anthropic Messages API. Requests always use
// the streaming endpoint; Chat simply assembles the stream without a text
// handler.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	cfg    config.ProviderConfig
	onText TextHandler
	log    *observability.Logger
}

// NewAnthropicProvider builds an adapter for the Anthropic API.
func NewAnthropicProvider(cfg config.ProviderConfig, apiKey string, log *observability.Logger) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		model:  model,
		cfg:    cfg,
		log:    log,
	}
}

func (p *AnthropicProvider) Name() string      { return "anthropic" }
func (p *AnthropicProvider) ModelName() string { return p.model }

// SetTextHandler installs a callback for streamed text deltas.
func (p *AnthropicProvider) SetTextHandler(h TextHandler) { p.onText = h }

func (p *AnthropicProvider) Chat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	return p.stream(ctx, messages, tools, nil)
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	return p.stream(ctx, messages, tools, p.onText)
}

// stream drives one Messages request over SSE and assembles the response.
// Usage arrives split across events: input and cache tokens on
// message_start, output tokens and the stop reason on message_delta. Tool
// input JSON is accumulated per content block and finalized on
// content_block_stop.
func (p *AnthropicProvider) stream(ctx context.Context, messages []models.Message, tools []models.ToolSpec, onText TextHandler) (*models.Response, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	var (
		content       strings.Builder
		respID        string
		stopReason    string
		usage         models.Usage
		toolCalls     []models.ToolCall
		currentCall   *models.ToolCall
		currentInput  strings.Builder
		emptyEvents   int
	)

	for stream.Next() {
		if ctx.Err() != nil {
			return nil, classify("anthropic", p.model, 0, ctx.Err())
		}

		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			respID = messageStart.Message.ID
			u := messageStart.Message.Usage
			usage = models.NewUsage(
				int(u.InputTokens),
				0,
				int(u.CacheCreationInputTokens),
				int(u.CacheReadInputTokens),
			)
			processed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if onText != nil {
						onText(delta.Text)
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Arguments = p.parseToolInput(ctx, currentCall.Name, currentInput.String())
				toolCalls = append(toolCalls, *currentCall)
				currentCall = nil
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.Add(models.NewUsage(0, int(messageDelta.Usage.OutputTokens), 0, 0))
			}
			if sr := string(messageDelta.Delta.StopReason); sr != "" {
				stopReason = sr
			}
			processed = true

		case "message_stop":
			return p.assemble(respID, content.String(), toolCalls, usage, stopReason), nil

		case "error":
			return nil, &ProviderError{
				Kind:     models.ErrKindServiceUnavailable,
				Provider: "anthropic",
				Model:    p.model,
				Message:  "stream error event",
			}
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents))
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err)
	}
	// The stream ended without a message_stop. Return what was assembled.
	return p.assemble(respID, content.String(), toolCalls, usage, stopReason), nil
}

func (p *AnthropicProvider) assemble(id, content string, toolCalls []models.ToolCall, usage models.Usage, stopReason string) *models.Response {
	return &models.Response{
		ID:           id,
		Model:        p.model,
		Content:      content,
		ToolCalls:    toolCalls,
		Usage:        usage,
		FinishReason: convertAnthropicStopReason(stopReason, len(toolCalls) > 0),
	}
}

func (p *AnthropicProvider) buildParams(messages []models.Message, tools []models.ToolSpec) (anthropic.MessageNewParams, error) {
	maxTokens := p.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  convertAnthropicMessages(messages),
		MaxTokens: int64(maxTokens),
	}

	// System messages are carried separately from the conversation turns.
	for _, msg := range messages {
		if msg.Role != models.RoleSystem {
			continue
		}
		block := anthropic.TextBlockParam{Type: "text", Text: msg.Content}
		if msg.CacheMarker == models.CacheEphemeral {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = append(params.System, block)
	}

	if p.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*p.cfg.Temperature))
	}
	if p.cfg.TopP != nil {
		params.TopP = anthropic.Float(float64(*p.cfg.TopP))
	}
	if p.cfg.TopK != nil {
		params.TopK = anthropic.Int(int64(*p.cfg.TopK))
	}
	if len(p.cfg.Stop) > 0 {
		params.StopSequences = p.cfg.Stop
	}

	if len(tools) > 0 {
		converted, err := convertAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = converted
	}
	return params, nil
}

func convertAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleTool:
			// Tool results ride in user turns, paired by tool_use id.
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			if msg.Content != "" {
				block := anthropic.NewTextBlock(msg.Content)
				if msg.CacheMarker == models.CacheEphemeral && block.OfText != nil {
					block.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
				}
				content = append(content, block)
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func convertAnthropicTools(tools []models.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) parseToolInput(ctx context.Context, toolName, raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		p.log.Warn(ctx, "malformed tool arguments", "tool", toolName, "error", err)
		return map[string]any{}
	}
	return args
}

func convertAnthropicStopReason(reason string, hasToolCalls bool) models.FinishReason {
	switch reason {
	case "end_turn":
		return models.FinishEndTurn
	case "tool_use":
		return models.FinishToolCalls
	case "max_tokens":
		return models.FinishLength
	case "stop_sequence":
		return models.FinishStop
	case "":
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishEndTurn
	default:
		return models.FinishReason(reason)
	}
}

func (p *AnthropicProvider) wrapError(err error) error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return classify("anthropic", p.model, status, err)
}
