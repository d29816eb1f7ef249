package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sagecode/sage/internal/config"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// OpenAIProvider speaks the OpenAI chat-completions API. The same adapter
// serves Azure OpenAI and Ollama, which expose compatible endpoints behind a
// different base URL.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	model  string
	cfg    config.ProviderConfig
	onText TextHandler
	log    *observability.Logger
}

// NewOpenAIProvider builds an adapter for the OpenAI API.
func NewOpenAIProvider(cfg config.ProviderConfig, apiKey string, log *observability.Logger) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAICompatible("openai", "gpt-4o", cfg, clientCfg, log)
}

// NewAzureProvider builds an adapter for an Azure OpenAI deployment. The
// configured model names the deployment.
func NewAzureProvider(cfg config.ProviderConfig, apiKey string, log *observability.Logger) *OpenAIProvider {
	clientCfg := openai.DefaultAzureConfig(apiKey, cfg.BaseURL)
	return newOpenAICompatible("azure", "gpt-4o", cfg, clientCfg, log)
}

// NewOllamaProvider builds an adapter for a local Ollama server via its
// OpenAI-compatible endpoint. No API key is required.
func NewOllamaProvider(cfg config.ProviderConfig, log *observability.Logger) *OpenAIProvider {
	clientCfg := openai.DefaultConfig("ollama")
	clientCfg.BaseURL = defaultOllamaBaseURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAICompatible("ollama", "llama3.1", cfg, clientCfg, log)
}

func newOpenAICompatible(name, defaultModel string, cfg config.ProviderConfig, clientCfg openai.ClientConfig, log *observability.Logger) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		name:   name,
		model:  model,
		cfg:    cfg,
		log:    log,
	}
}

func (p *OpenAIProvider) Name() string      { return p.name }
func (p *OpenAIProvider) ModelName() string { return p.model }

// SetTextHandler installs a callback for streamed text deltas.
func (p *OpenAIProvider) SetTextHandler(h TextHandler) { p.onText = h }

func (p *OpenAIProvider) Chat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	req := p.buildRequest(messages, tools, false)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Kind:     models.ErrKindInvalidResponse,
			Provider: p.name,
			Model:    p.model,
			Message:  "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	out := &models.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		Usage:        p.convertUsage(resp.Usage),
		FinishReason: convertOpenAIFinishReason(string(choice.FinishReason)),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: p.parseArguments(ctx, tc.Function.Name, tc.Function.Arguments),
		})
	}
	return out, nil
}

// StreamChat consumes the SSE stream, accumulating tool-call fragments by
// index until the stream finishes, and returns the assembled response. Text
// deltas are forwarded to the installed TextHandler as they arrive.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	req := p.buildRequest(messages, tools, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.wrapError(err)
	}
	defer stream.Close()

	var (
		content      strings.Builder
		finishReason string
		usage        models.Usage
		respID       string
		respModel    string
		emptyEvents  int
	)
	// Fragments keyed by tool-call index. ID and name arrive in the first
	// fragment for an index, argument JSON is streamed across the rest.
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*partialCall)
	var order []int

	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, p.wrapError(recvErr)
		}

		if respID == "" {
			respID = chunk.ID
		}
		if respModel == "" {
			respModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = p.convertUsage(*chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			emptyEvents++
			if emptyEvents > maxEmptyStreamEvents {
				return nil, &ProviderError{
					Kind:     models.ErrKindInvalidResponse,
					Provider: p.name,
					Model:    p.model,
					Message:  "stream produced no content",
				}
			}
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if p.onText != nil {
				p.onText(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := calls[index]
			if pc == nil {
				pc = &partialCall{}
				calls[index] = pc
				order = append(order, index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	out := &models.Response{
		ID:           respID,
		Model:        respModel,
		Content:      content.String(),
		Usage:        usage,
		FinishReason: convertOpenAIFinishReason(finishReason),
	}
	for _, index := range order {
		pc := calls[index]
		if pc.id == "" || pc.name == "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: p.parseArguments(ctx, pc.name, pc.args.String()),
		})
	}
	if out.FinishReason == "" && len(out.ToolCalls) > 0 {
		out.FinishReason = models.FinishToolCalls
	}
	return out, nil
}

func (p *OpenAIProvider) buildRequest(messages []models.Message, tools []models.ToolSpec, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: convertOpenAIMessages(messages),
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if p.cfg.MaxTokens > 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}
	if p.cfg.Temperature != nil {
		req.Temperature = *p.cfg.Temperature
	}
	if p.cfg.TopP != nil {
		req.TopP = *p.cfg.TopP
	}
	if len(p.cfg.Stop) > 0 {
		req.Stop = p.cfg.Stop
	}
	if len(tools) > 0 {
		req.Tools = convertOpenAITools(tools)
		if p.cfg.ParallelToolCalls != nil {
			req.ParallelToolCalls = *p.cfg.ParallelToolCalls
		}
	}
	return req
}

func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.ArgumentsJSON()),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				Name:       msg.Name,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []models.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			// A bad schema degrades to an empty object so the remaining
			// tools stay usable.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// parseArguments decodes the streamed argument JSON. Malformed arguments
// degrade to an empty map so the tool layer can report a validation error
// instead of the whole step failing.
func (p *OpenAIProvider) parseArguments(ctx context.Context, toolName, raw string) map[string]any {
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

// convertUsage maps OpenAI usage counts. OpenAI folds cached tokens into
// PromptTokens, so they are split back out to keep prompt = uncached input.
func (p *OpenAIProvider) convertUsage(u openai.Usage) models.Usage {
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	prompt := u.PromptTokens - cached
	if prompt < 0 {
		prompt = 0
	}
	return models.NewUsage(prompt, u.CompletionTokens, 0, cached)
}

func convertOpenAIFinishReason(reason string) models.FinishReason {
	switch reason {
	case "stop":
		return models.FinishStop
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	case "length":
		return models.FinishLength
	default:
		return models.FinishReason(reason)
	}
}

func (p *OpenAIProvider) wrapError(err error) error {
	status := 0
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	return classify(p.name, p.model, status, err)
}
