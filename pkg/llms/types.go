// Package llms contains the model provider abstraction and its
// OpenAI-compatible HTTP implementation.
package llms

import (
	"context"

	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// ToolDefinition is a tool surfaced to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// TokenUsage is the provider-reported token consumption of one call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the result of a non-streaming model call.
type Completion struct {
	Text      string
	ToolCalls []*protocol.ToolCall
	Usage     TokenUsage
}

// Stream chunk types. A stream is zero or more text/tool_call chunks followed
// by exactly one terminal chunk: done (carrying usage) or error. No chunks
// follow the terminal one.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeDone     = "done"
	ChunkTypeError    = "error"
)

type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *protocol.ToolCall
	Usage    TokenUsage
	Error    error
}

// UsageCallback receives token usage after every completed model call. The
// context is the call's context, carrying ambient attribution values.
type UsageCallback func(ctx context.Context, model string, usage TokenUsage)

// Provider generates model completions.
type Provider interface {
	Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Completion, error)
	GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	ModelName() string
}

// Embedder produces embedding vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
