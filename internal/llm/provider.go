// Package llm abstracts chat-completion providers behind a small interface.
// Each adapter maps the generic message list to its provider's wire schema,
// decodes streaming responses into an assembled models.Response, and
// normalizes failures into *ProviderError values.
package llm

import (
	"context"

	"github.com/sagecode/sage/pkg/models"
)

// Provider is one chat-completion backend.
//
// Chat issues a non-streaming request. StreamChat streams chunks internally
// but returns the assembled response (content, tool calls, usage, finish
// reason) once the stream completes or the context fires. Both honor
// context cancellation at every read.
type Provider interface {
	Chat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error)
	StreamChat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error)
	Name() string
	ModelName() string
}

// TextHandler receives streamed text deltas for live display. It must not
// block; a slow handler delays stream consumption.
type TextHandler func(text string)

// maxEmptyStreamEvents bounds how many contentless stream events an adapter
// tolerates before treating the stream as malformed.
const maxEmptyStreamEvents = 300
