package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/sagecode/sage/internal/config"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider speaks the Gemini API through the Google Gen AI SDK.
// Gemini does not assign tool-call ids, so the adapter synthesizes them and
// resolves function responses back to names from conversation history.
type GoogleProvider struct {
	client *genai.Client
	model  string
	cfg    config.ProviderConfig
	onText TextHandler
	log    *observability.Logger
}

// NewGoogleProvider builds an adapter for the Gemini API.
func NewGoogleProvider(ctx context.Context, cfg config.ProviderConfig, apiKey string, log *observability.Logger) (*GoogleProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGoogleModel
	}
	return &GoogleProvider{
		client: client,
		model:  model,
		cfg:    cfg,
		log:    log,
	}, nil
}

func (p *GoogleProvider) Name() string      { return "google" }
func (p *GoogleProvider) ModelName() string { return p.model }

// SetTextHandler installs a callback for streamed text deltas.
func (p *GoogleProvider) SetTextHandler(h TextHandler) { p.onText = h }

func (p *GoogleProvider) Chat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	contents := convertGoogleMessages(messages)
	cfg := p.buildConfig(messages, tools)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, classify("google", p.model, 0, err)
	}
	out := &models.Response{Model: p.model}
	p.collectResponse(resp, out, nil)
	p.finishResponse(out)
	return out, nil
}

func (p *GoogleProvider) StreamChat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	contents := convertGoogleMessages(messages)
	cfg := p.buildConfig(messages, tools)

	out := &models.Response{Model: p.model}
	var content strings.Builder

	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
		if ctx.Err() != nil {
			return nil, classify("google", p.model, 0, ctx.Err())
		}
		if err != nil {
			return nil, classify("google", p.model, 0, err)
		}
		if resp == nil {
			continue
		}
		p.collectResponse(resp, out, &content)
	}

	out.Content = content.String()
	p.finishResponse(out)
	return out, nil
}

// collectResponse folds one response chunk into out. Non-streaming responses
// pass a nil builder and take the text directly.
func (p *GoogleProvider) collectResponse(resp *genai.GenerateContentResponse, out *models.Response, content *strings.Builder) {
	if resp.UsageMetadata != nil {
		out.Usage = convertGoogleUsage(resp.UsageMetadata)
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		if candidate.FinishReason != "" {
			out.FinishReason = convertGoogleFinishReason(string(candidate.FinishReason))
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				if content != nil {
					content.WriteString(part.Text)
					if p.onText != nil {
						p.onText(part.Text)
					}
				} else {
					out.Content += part.Text
				}
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				out.ToolCalls = append(out.ToolCalls, models.ToolCall{
					ID:        synthesizeCallID(part.FunctionCall.Name),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}
}

func (p *GoogleProvider) finishResponse(out *models.Response) {
	if len(out.ToolCalls) > 0 {
		out.FinishReason = models.FinishToolCalls
	} else if out.FinishReason == "" {
		out.FinishReason = models.FinishStop
	}
}

func (p *GoogleProvider) buildConfig(messages []models.Message, tools []models.ToolSpec) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	var system strings.Builder
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		}
	}
	if system.Len() > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system.String()}},
		}
	}

	if p.cfg.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}
	if p.cfg.Temperature != nil {
		cfg.Temperature = genai.Ptr(*p.cfg.Temperature)
	}
	if p.cfg.TopP != nil {
		cfg.TopP = genai.Ptr(*p.cfg.TopP)
	}
	if len(p.cfg.Stop) > 0 {
		cfg.StopSequences = p.cfg.Stop
	}
	if len(tools) > 0 {
		cfg.Tools = convertGoogleTools(tools)
	}
	return cfg
}

func convertGoogleMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		switch msg.Role {
		case models.RoleTool:
			// Gemini pairs function responses by name rather than id.
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCall(msg, messages),
					Response: response,
				},
			})
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Name,
						Args: args,
					},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func convertGoogleTools(tools []models.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertGoogleSchema maps a JSON Schema map onto Gemini's Schema type.
// Gemini supports a subset of JSON Schema; unsupported keywords are dropped.
func convertGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = convertGoogleSchema(items)
	}
	return schema
}

// convertGoogleUsage maps Gemini usage counts. PromptTokenCount includes
// cached content, so cached tokens are split back out.
func convertGoogleUsage(u *genai.GenerateContentResponseUsageMetadata) models.Usage {
	cached := int(u.CachedContentTokenCount)
	prompt := int(u.PromptTokenCount) - cached
	if prompt < 0 {
		prompt = 0
	}
	return models.NewUsage(prompt, int(u.CandidatesTokenCount), 0, cached)
}

func convertGoogleFinishReason(reason string) models.FinishReason {
	switch reason {
	case "STOP":
		return models.FinishStop
	case "MAX_TOKENS":
		return models.FinishLength
	default:
		return models.FinishReason(reason)
	}
}

// synthesizeCallID fabricates a stable id for a Gemini function call.
func synthesizeCallID(name string) string {
	return fmt.Sprintf("call_%s_%s", name, uuid.NewString()[:8])
}

// toolNameForCall resolves the tool name for a tool-result message, falling
// back to parsing the synthesized id.
func toolNameForCall(msg models.Message, messages []models.Message) string {
	if msg.Name != "" {
		return msg.Name
	}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == msg.ToolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(msg.ToolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
