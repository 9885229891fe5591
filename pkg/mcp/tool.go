package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/tools"
	"github.com/nimbuschat/nimbus/pkg/usage"
)

// mcpTool exposes one remote tool to the agent loop. Declared auth params
// are resolved from the credential store for the calling user and merged
// into the arguments just before dispatch, after schema validation, so the
// model never sees them.
type mcpTool struct {
	sessions   *TurnSessions
	server     string
	spec       ToolSpec
	authParams []string
	timeout    time.Duration
}

func (t *mcpTool) Name() string        { return t.spec.Name }
func (t *mcpTool) Description() string { return t.spec.Description }
func (t *mcpTool) Kind() tools.ToolKind {
	return tools.KindMCP
}

func (t *mcpTool) Schema() map[string]any {
	if t.spec.InputSchema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.spec.InputSchema
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	s, err := t.sessions.session(ctx, t.server)
	if err != nil {
		return tools.ToolResult{}, err
	}

	merged, err := t.mergeAuthParams(ctx, args)
	if err != nil {
		return tools.ToolResult{}, err
	}

	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	content, err := s.CallTool(callCtx, t.spec.Name, merged)
	if err != nil {
		// Distinguish the per-call deadline from the turn's own cancellation.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return tools.ToolResult{}, fmt.Errorf("%w: %s after %v", protocol.ErrToolTimeout, t.spec.Name, t.timeout)
		}
		return tools.ToolResult{}, err
	}

	return tools.ToolResult{
		Content:  content,
		Metadata: map[string]any{"server": t.server},
	}, nil
}

// mergeAuthParams copies the arguments and injects stored credentials for
// the calling user. A declared param with no stored value is an error the
// model can relay to the user.
func (t *mcpTool) mergeAuthParams(ctx context.Context, args map[string]any) (map[string]any, error) {
	if len(t.authParams) == 0 {
		return args, nil
	}
	if t.sessions.pool.creds == nil {
		return nil, fmt.Errorf("tool %s requires credentials but no credential store is configured", t.spec.Name)
	}

	userID := usage.UserID(ctx)
	merged := make(map[string]any, len(args)+len(t.authParams))
	for k, v := range args {
		merged[k] = v
	}
	for _, key := range t.authParams {
		value, err := t.sessions.pool.creds.Get(ctx, userID, key)
		if err != nil {
			return nil, err
		}
		if value == "" {
			return nil, fmt.Errorf("no stored credential %q for this user", key)
		}
		merged[key] = value
	}
	return merged, nil
}
