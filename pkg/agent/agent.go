// Package agent implements the tool-calling reasoning loop: a state machine
// of select (model call), execute (tool calls) and end, with ordered
// middleware hooks around the model and tool invocations.
package agent

import (
	"context"

	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/tools"
)

// State is the mutable per-turn state threaded through the loop and its
// middleware.
type State struct {
	Messages       []*protocol.Message
	ToolCallCount  int
	ModelCallCount int
	UserID         string

	// AvailableTools, when non-nil, overrides the registry's visible set for
	// the next model call. Middleware may set it.
	AvailableTools []llms.ToolDefinition
}

// ModelCall invokes the model once with the given tool definitions.
type ModelCall func(ctx context.Context, state *State, defs []llms.ToolDefinition) (*llms.Completion, error)

// ToolInvoke executes one tool call and returns its observation.
type ToolInvoke func(ctx context.Context, call *protocol.ToolCall) (tools.ToolResult, error)

// Middleware customises the loop. Every field is optional. Hooks run in
// registration order; wrappers compose so the first registered is outermost.
type Middleware struct {
	// BeforeModel may mutate state before each model call, e.g. inject a
	// dynamic system preamble or set AvailableTools.
	BeforeModel func(ctx context.Context, state *State) error

	// WrapModelCall wraps the select invocation and may substitute the tool
	// list or the completion.
	WrapModelCall func(next ModelCall) ModelCall

	// AfterModel runs after each completed model call and may stop the loop.
	AfterModel func(ctx context.Context, state *State, completion *llms.Completion) (stop bool, err error)

	// WrapToolCall wraps each tool invocation.
	WrapToolCall func(next ToolInvoke) ToolInvoke
}

// Result is the outcome of one loop run.
type Result struct {
	// Content is all assistant text streamed during the turn.
	Content string

	// Events are the tool events emitted during the turn, in emission order.
	Events []*protocol.Event

	// Messages are the messages appended to the conversation by this run.
	Messages []*protocol.Message

	// Cancelled reports that the turn stopped at a transition boundary
	// because the context was cancelled.
	Cancelled bool
}
