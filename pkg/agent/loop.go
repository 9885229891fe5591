package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/tools"
)

// Loop drives one agent turn. It is stateless across runs; per-turn state
// lives in State.
type Loop struct {
	provider   llms.Provider
	registry   *tools.Registry
	middleware []Middleware
	cfg        config.LoopConfig
}

func NewLoop(provider llms.Provider, registry *tools.Registry, cfg config.LoopConfig) *Loop {
	return &Loop{
		provider: provider,
		registry: registry,
		cfg:      cfg,
	}
}

// Use appends middleware. The first registered wrapper is outermost.
func (l *Loop) Use(mw Middleware) {
	l.middleware = append(l.middleware, mw)
}

// Run executes the loop until the model answers without tool calls, a cap is
// reached, or the context is cancelled. Stream items are sent to out; the
// caller owns and drains the channel. Cancellation is observed at transition
// boundaries: in-flight tool calls are not killed, but results arriving
// after cancel are discarded.
func (l *Loop) Run(ctx context.Context, state *State, out chan<- protocol.StreamItem) (*Result, error) {
	result := &Result{}
	start := len(state.Messages)

	var accumulated strings.Builder
	var eventsMu sync.Mutex

	emitChunk := func(chunk string) bool {
		accumulated.WriteString(chunk)
		return l.emit(ctx, out, protocol.NewChunkItem(chunk, accumulated.String()))
	}
	emitEvent := func(ev *protocol.Event) bool {
		eventsMu.Lock()
		result.Events = append(result.Events, ev)
		eventsMu.Unlock()
		return l.emit(ctx, out, protocol.NewEventItem(ev))
	}

	finish := func() *Result {
		result.Content = accumulated.String()
		result.Messages = state.Messages[start:]
		return result
	}

	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			return finish(), nil
		}
		if state.ModelCallCount >= l.cfg.MaxModelCalls {
			slog.Debug("Stopping loop", "reason", "max_model_calls", "count", state.ModelCallCount)
			return finish(), nil
		}

		for _, mw := range l.middleware {
			if mw.BeforeModel == nil {
				continue
			}
			if err := mw.BeforeModel(ctx, state); err != nil {
				return finish(), fmt.Errorf("before-model hook failed: %w", err)
			}
		}

		defs := state.AvailableTools
		if defs == nil {
			defs = l.registry.Visible()
		}

		completion, err := l.selectStep(ctx, state, defs, emitChunk)
		if err != nil {
			return finish(), err
		}
		state.ModelCallCount++
		state.AvailableTools = nil

		state.Messages = append(state.Messages,
			protocol.NewAssistantMessage(completion.Text, completion.ToolCalls...))

		stop := false
		for _, mw := range l.middleware {
			if mw.AfterModel == nil {
				continue
			}
			s, err := mw.AfterModel(ctx, state, completion)
			if err != nil {
				return finish(), fmt.Errorf("after-model hook failed: %w", err)
			}
			stop = stop || s
		}
		if stop || len(completion.ToolCalls) == 0 {
			return finish(), nil
		}

		if state.ToolCallCount >= l.cfg.MaxToolCalls {
			slog.Debug("Stopping loop", "reason", "max_tool_calls", "count", state.ToolCallCount)
			return finish(), nil
		}
		state.ToolCallCount++

		if ctx.Err() != nil {
			result.Cancelled = true
			return finish(), nil
		}

		toolMsgs := l.executeStep(ctx, completion.ToolCalls, emitEvent)

		if ctx.Err() != nil {
			// Discard results that raced the cancellation.
			result.Cancelled = true
			return finish(), nil
		}
		state.Messages = append(state.Messages, toolMsgs...)
	}
}

// selectStep makes one model call, streaming text as it arrives. Middleware
// wrappers compose around the raw streaming call.
func (l *Loop) selectStep(ctx context.Context, state *State, defs []llms.ToolDefinition, emitChunk func(string) bool) (*llms.Completion, error) {
	call := func(ctx context.Context, state *State, defs []llms.ToolDefinition) (*llms.Completion, error) {
		ch, err := l.provider.GenerateStreaming(ctx, state.Messages, defs)
		if err != nil {
			return nil, err
		}

		completion := &llms.Completion{}
		var text strings.Builder
		for chunk := range ch {
			switch chunk.Type {
			case llms.ChunkTypeText:
				text.WriteString(chunk.Text)
				emitChunk(chunk.Text)
			case llms.ChunkTypeToolCall:
				completion.ToolCalls = append(completion.ToolCalls, chunk.ToolCall)
			case llms.ChunkTypeDone:
				completion.Usage = chunk.Usage
			case llms.ChunkTypeError:
				return nil, chunk.Error
			}
		}
		completion.Text = text.String()
		return completion, nil
	}

	for i := len(l.middleware) - 1; i >= 0; i-- {
		if wrap := l.middleware[i].WrapModelCall; wrap != nil {
			call = wrap(call)
		}
	}
	return call(ctx, state, defs)
}

// executeStep runs every tool call of one assistant message and returns the
// tool messages in call order. Tool failures never abort the turn: each
// produces an ERROR event and a tool message carrying the error text so the
// model can recover.
func (l *Loop) executeStep(ctx context.Context, calls []*protocol.ToolCall, emitEvent func(*protocol.Event) bool) []*protocol.Message {
	msgs := make([]*protocol.Message, len(calls))

	if l.cfg.ParallelTools && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call *protocol.ToolCall) {
				defer wg.Done()
				msgs[i] = l.executeOne(ctx, call, emitEvent)
			}(i, call)
		}
		wg.Wait()
		return msgs
	}

	for i, call := range calls {
		if ctx.Err() != nil {
			break
		}
		msgs[i] = l.executeOne(ctx, call, emitEvent)
	}

	// Sequential cancellation may leave trailing nils.
	compact := msgs[:0]
	for _, m := range msgs {
		if m != nil {
			compact = append(compact, m)
		}
	}
	return compact
}

// executeOne is where tool errors become observations: START event, invoke,
// then END with the result or ERROR with the error text.
func (l *Loop) executeOne(ctx context.Context, call *protocol.ToolCall, emitEvent func(*protocol.Event) bool) *protocol.Message {
	emitEvent(protocol.NewEvent(protocol.EventStart, call.Name, formatArgs(call.Args)))

	invoke := func(ctx context.Context, call *protocol.ToolCall) (tools.ToolResult, error) {
		return l.registry.Execute(ctx, call)
	}
	for i := len(l.middleware) - 1; i >= 0; i-- {
		if wrap := l.middleware[i].WrapToolCall; wrap != nil {
			invoke = wrap(invoke)
		}
	}

	result, err := invoke(ctx, call)
	if err != nil {
		slog.Warn("Tool call failed", "tool", call.Name, "error", err)
		emitEvent(protocol.NewEvent(protocol.EventError, call.Name, err.Error()))
		return protocol.NewToolMessage(call.ID, call.Name, err.Error())
	}

	emitEvent(protocol.NewEvent(protocol.EventEnd, call.Name, endMessage(result)))
	return protocol.NewToolMessage(call.ID, call.Name, result.Content)
}

// emit sends without blocking past cancellation.
func (l *Loop) emit(ctx context.Context, out chan<- protocol.StreamItem, item protocol.StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// endMessage summarises a tool result for its END event, folding in any
// metadata the tool surfaced for observers.
func endMessage(result tools.ToolResult) string {
	msg := result.Content
	if len(result.Metadata) > 0 {
		if data, err := json.Marshal(result.Metadata); err == nil {
			msg = fmt.Sprintf("%s\n%s", msg, data)
		}
	}
	return msg
}
