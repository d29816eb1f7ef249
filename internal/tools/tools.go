// Package tools defines the tool contract and the registry the agent
// executes against. Tools describe themselves with JSON Schema; arguments
// are validated against that schema before execution.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sagecode/sage/pkg/models"
)

// Tool is one capability the model can invoke.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with validated arguments and returns its
	// output text. A returned error becomes a failed tool result, not a
	// failed step.
	Execute(ctx context.Context, args map[string]any) (string, error)

	// IsReadOnly reports whether the tool only observes state.
	IsReadOnly() bool

	// SupportsParallel reports whether the tool tolerates concurrent runs.
	SupportsParallel() bool

	// MaxExecutionTime returns the tool's own timeout; zero means use the
	// orchestrator default.
	MaxExecutionTime() time.Duration

	// RequiresUserInteraction reports whether the tool blocks on the user
	// (such tools bypass permission prompts).
	RequiresUserInteraction() bool

	// MutatesFiles reports whether the tool may modify files on disk.
	MutatesFiles() bool
}

// Base provides neutral defaults for the capability methods so tools only
// declare what differs.
type Base struct{}

func (Base) IsReadOnly() bool                { return false }
func (Base) SupportsParallel() bool          { return false }
func (Base) MaxExecutionTime() time.Duration { return 0 }
func (Base) RequiresUserInteraction() bool   { return false }
func (Base) MutatesFiles() bool              { return false }

// Spec converts a tool into its provider-facing description.
func Spec(t Tool) models.ToolSpec {
	return models.ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}
