// Package mcp maintains sessions to external MCP tool servers and exposes
// their tools to the agent loop.
//
// Transport support:
//   - stdio: subprocess communication via the mcp-go library
//   - sse, http: JSON-RPC over the retrying httpclient
//   - websocket: JSON-RPC over a persistent websocket connection
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nimbuschat/nimbus/pkg/config"
)

const protocolVersion = "2024-11-05"

// ToolSpec describes one tool advertised by an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Session is one live connection to an MCP server. Implementations are safe
// for concurrent calls.
type Session interface {
	// ListTools returns every tool the server advertises.
	ListTools(ctx context.Context) ([]ToolSpec, error)

	// CallTool invokes a tool and flattens its content to one string.
	// A result the server marks as an error is returned as a Go error.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	Close() error
}

// openSession connects to a server using the transport its config names.
func openSession(ctx context.Context, cfg config.MCPServerConfig) (Session, error) {
	switch cfg.Transport {
	case config.MCPTransportStdio:
		return openStdioSession(ctx, cfg)
	case config.MCPTransportSSE, config.MCPTransportHTTP:
		return openHTTPSession(ctx, cfg)
	case config.MCPTransportWebSocket:
		return openWebSocketSession(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// stdioSession talks to a subprocess MCP server through mcp-go.
type stdioSession struct {
	client *client.Client
}

func openStdioSession(ctx context.Context, cfg config.MCPServerConfig) (*stdioSession, error) {
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "nimbus",
		Version: "1.0.0",
	}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	return &stdioSession{client: mcpClient}, nil
}

func (s *stdioSession) ListTools(ctx context.Context) ([]ToolSpec, error) {
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	specs := make([]ToolSpec, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		specs = append(specs, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}
	return specs, nil
}

func (s *stdioSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := joinContent(texts)

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("tool %s failed: %s", name, joined)
	}
	return joined, nil
}

func (s *stdioSession) Close() error {
	return s.client.Close()
}

// convertSchema turns an mcp-go schema into a plain map via JSON round-trip.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func joinContent(texts []string) string {
	switch len(texts) {
	case 0:
		return ""
	case 1:
		return texts[0]
	}
	joined := texts[0]
	for _, t := range texts[1:] {
		joined += "\n" + t
	}
	return joined
}
