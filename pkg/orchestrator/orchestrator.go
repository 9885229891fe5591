// Package orchestrator runs the per-turn pipeline: resolve the dialog, build
// the agent, stream the reply, and persist exactly one assistant record per
// turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nimbuschat/nimbus/pkg/agent"
	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/history"
	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/mcp"
	"github.com/nimbuschat/nimbus/pkg/memory"
	"github.com/nimbuschat/nimbus/pkg/prompts"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/retrieval"
	"github.com/nimbuschat/nimbus/pkg/tools"
	"github.com/nimbuschat/nimbus/pkg/usage"
)

// memorySearchK bounds the injected history block when memory is enabled.
const memorySearchK = 10

// providerFallback replaces the reply when the model provider fails
// mid-turn; it is appended to whatever content already streamed.
const providerFallback = "Your question may have triggered a model limit or an execution error. Please rephrase."

// TurnRequest is one incoming user turn.
type TurnRequest struct {
	DialogID  string
	UserInput string
	FileURL   string
}

// Deps are the shared services a turn draws on. Memory, Retrieval and MCP
// are optional; a nil field disables the corresponding capability.
type Deps struct {
	Config    *config.Config
	Provider  llms.Provider
	History   *history.Store
	Memory    *memory.Store
	Retrieval *retrieval.Engine
	MCP       *mcp.Pool

	// LocalTools are registered for every agent, subject to the agent's
	// tool filter.
	LocalTools []tools.Tool
}

type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Turn executes one conversation turn. Resolution failures are returned
// synchronously so the transport can reply with a proper status before any
// stream is opened; afterwards items flow on the returned channel until the
// turn finishes or ctx is cancelled. The channel is always closed.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (<-chan protocol.StreamItem, error) {
	dialog, err := o.deps.History.Resolve(ctx, req.DialogID)
	if err != nil {
		return nil, err
	}

	agentCfg, ok := o.deps.Config.AgentByName(dialog.AgentName)
	if !ok {
		return nil, fmt.Errorf("%w: dialog %s references agent %q", protocol.ErrDialogNotFound, dialog.ID, dialog.AgentName)
	}

	ctx = usage.WithIdentity(ctx, dialog.UserID, agentCfg.Name)

	// The model sees the attachment reference; the history keeps the
	// original text.
	modelInput := req.UserInput
	if req.FileURL != "" {
		modelInput = fmt.Sprintf(prompts.AttachmentTemplate, req.UserInput, req.FileURL)
	}

	historyBlock, err := o.historyBlock(ctx, dialog, agentCfg, req.UserInput)
	if err != nil {
		return nil, err
	}

	// MCP sessions belong to this turn alone; they are torn down when the
	// turn finishes.
	var sessions *mcp.TurnSessions
	if o.deps.MCP != nil && len(agentCfg.MCPServers) > 0 {
		sessions = o.deps.MCP.Acquire()
	}
	closeSessions := func() {
		if sessions != nil {
			sessions.Close()
		}
	}

	registry, err := o.buildRegistry(ctx, agentCfg, sessions)
	if err != nil {
		closeSessions()
		return nil, err
	}

	systemPrompt := agentCfg.Prompt
	if systemPrompt == "" {
		systemPrompt = prompts.DefaultSystemPrompt
	}
	systemPrompt = strings.ReplaceAll(systemPrompt, prompts.HistoryPlaceholder, historyBlock)

	// Persist the user turn before opening the stream so it survives an
	// immediate disconnect.
	userMsg := protocol.NewUserMessage(req.UserInput)
	if _, err := o.deps.History.Append(ctx, dialog.ID, userMsg); err != nil {
		closeSessions()
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	loop := agent.NewLoop(o.deps.Provider, registry, agentCfg.Loop)
	loop.Use(agent.Middleware{
		BeforeModel: func(ctx context.Context, s *agent.State) error {
			slog.Debug("Model call",
				"dialog", dialog.ID,
				"agent", agentCfg.Name,
				"call", s.ModelCallCount+1,
				"messages", len(s.Messages))
			return nil
		},
	})

	state := &agent.State{
		Messages: []*protocol.Message{
			protocol.NewSystemMessage(systemPrompt),
			protocol.NewUserMessage(modelInput),
		},
		UserID: dialog.UserID,
	}

	out := make(chan protocol.StreamItem, 64)
	go func() {
		defer close(out)
		defer closeSessions()
		result, runErr := loop.Run(ctx, state, out)
		o.finalise(ctx, dialog, agentCfg, req.UserInput, result, runErr, out)
	}()

	return out, nil
}

// historyBlock builds the text injected into the system prompt: relevant
// memories when memory is enabled, the last-K raw messages otherwise.
func (o *Orchestrator) historyBlock(ctx context.Context, dialog *history.Dialog, agentCfg config.AgentConfig, userInput string) (string, error) {
	if agentCfg.MemoryEnabled && o.deps.Memory != nil {
		items, err := o.deps.Memory.Search(ctx, userInput, memory.Scope{RunID: dialog.ID}, memorySearchK)
		if err != nil {
			// Memory recall is best effort; a cold store should not block
			// the turn.
			slog.Warn("Memory search failed", "dialog", dialog.ID, "error", err)
			return "", nil
		}
		var b strings.Builder
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item.Text)
		}
		return b.String(), nil
	}

	msgs, err := o.deps.History.Recent(ctx, dialog.ID, agentCfg.HistoryWindowK)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != protocol.RoleUser && m.Role != protocol.RoleAssistant {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String(), nil
}

// buildRegistry assembles the agent's tool set: filtered local tools, the
// scoped retrieval tool, and every tool of the agent's MCP servers.
func (o *Orchestrator) buildRegistry(ctx context.Context, agentCfg config.AgentConfig, sessions *mcp.TurnSessions) (*tools.Registry, error) {
	registry := tools.NewRegistry(agentCfg.MaxToolsBeforeSearch)

	enabled := make(map[string]bool, len(agentCfg.Tools))
	for _, name := range agentCfg.Tools {
		enabled[name] = true
	}

	for _, t := range o.deps.LocalTools {
		if len(enabled) > 0 && !enabled[t.Name()] {
			continue
		}
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	if o.deps.Retrieval != nil && len(agentCfg.KnowledgeIDs) > 0 {
		if err := registry.Register(retrieval.NewTool(o.deps.Retrieval, agentCfg.KnowledgeIDs)); err != nil {
			return nil, err
		}
	}

	if sessions != nil {
		timeout := time.Duration(agentCfg.Loop.ToolTimeout) * time.Second
		for _, server := range agentCfg.MCPServers {
			remote, err := sessions.Tools(ctx, server, timeout)
			if err != nil {
				// An unreachable server costs its tools, not the turn.
				slog.Warn("MCP server unavailable", "server", server, "error", err)
				continue
			}
			for _, t := range remote {
				if err := registry.Register(t); err != nil {
					return nil, err
				}
			}
		}
	}

	return registry, nil
}

// finalise persists the turn's single assistant record and, when memory is
// enabled, appends the exchange to memory in the background. It runs on
// every completion path, cancellation included.
func (o *Orchestrator) finalise(ctx context.Context, dialog *history.Dialog, agentCfg config.AgentConfig, userInput string, result *agent.Result, runErr error, out chan<- protocol.StreamItem) {
	content := ""
	var events []*protocol.Event
	if result != nil {
		content = result.Content
		events = result.Events
	}

	if runErr != nil {
		var provErr *protocol.ProviderError
		switch {
		case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
			// Client disconnect surfaces from a streaming provider call as a
			// wrapped context error; what accumulated is persisted as is.
			slog.Info("Turn cancelled by client", "dialog", dialog.ID)
		case errors.As(runErr, &provErr):
			slog.Error("Provider failed", "dialog", dialog.ID, "error", runErr)
			select {
			case out <- protocol.NewChunkItem(providerFallback, content+providerFallback):
			case <-time.After(time.Second):
			}
			content += providerFallback
		default:
			slog.Error("Turn failed", "dialog", dialog.ID, "error", runErr)
		}
	}

	assistantMsg := protocol.NewAssistantMessage(content)
	assistantMsg.Events = events

	// The client may be gone; persistence must not die with it.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := o.deps.History.Append(persistCtx, dialog.ID, assistantMsg); err != nil {
		slog.Error("Failed to persist assistant message", "dialog", dialog.ID, "error", err)
	}

	if agentCfg.MemoryEnabled && o.deps.Memory != nil && content != "" {
		exchange := []*protocol.Message{
			protocol.NewUserMessage(userInput),
			protocol.NewAssistantMessage(content),
		}
		scope := memory.Scope{UserID: dialog.UserID, AgentID: agentCfg.Name, RunID: dialog.ID}
		go func() {
			memCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
			defer cancel()
			if _, err := o.deps.Memory.Add(memCtx, exchange, scope); err != nil {
				slog.Warn("Memory update failed", "dialog", dialog.ID, "error", err)
			}
		}()
	}
}
