// Package tools defines the tool abstraction the agent loop dispatches on,
// the per-turn registry, and the built-in meta tools.
package tools

import (
	"context"

	"github.com/nimbuschat/nimbus/pkg/llms"
)

// ToolKind classifies where a tool's implementation lives.
type ToolKind string

const (
	KindLocal     ToolKind = "local"
	KindMCP       ToolKind = "mcp"
	KindRetrieval ToolKind = "retrieval"
	KindMeta      ToolKind = "meta"
)

// ToolResult is a successful observation. Failures travel as Go errors and
// are converted to error observations by the agent loop.
type ToolResult struct {
	Content string
	// Metadata is surfaced in the tool's END event, not to the model.
	Metadata map[string]any
}

// Tool is one callable surfaced to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the arguments object.
	Schema() map[string]any
	Kind() ToolKind
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// Definitions converts tools to the shape the model provider consumes.
func Definitions(ts []Tool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, len(ts))
	for i, t := range ts {
		defs[i] = llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		}
	}
	return defs
}
