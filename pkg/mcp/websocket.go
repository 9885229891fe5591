package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nimbuschat/nimbus/pkg/config"
)

// wsSession speaks JSON-RPC over a persistent websocket connection. A single
// reader goroutine dispatches responses to pending calls by request id;
// server notifications carry no id and are dropped.
type wsSession struct {
	cfg    config.MCPServerConfig
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *jsonRPCResponse
	closed  bool
}

func openWebSocketSession(ctx context.Context, cfg config.MCPServerConfig) (*wsSession, error) {
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	s := &wsSession{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[int64]chan *jsonRPCResponse),
	}
	go s.readLoop()

	initResp, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "nimbus",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		s.Close()
		return nil, fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}
	return s, nil
}

func (s *wsSession) ListTools(ctx context.Context) ([]ToolSpec, error) {
	resp, err := s.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP list error: %s", resp.Error.Message)
	}

	var result toolListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}

	specs := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		specs = append(specs, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return specs, nil
}

func (s *wsSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := s.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("tool %s failed: %s", name, resp.Error.Message)
	}

	var result toolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse tools/call result: %w", err)
	}

	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	joined := joinContent(texts)

	if result.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("tool %s failed: %s", name, joined)
	}
	return joined, nil
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *wsSession) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	id := s.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	ch := make(chan *jsonRPCResponse, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("websocket write failed: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("session closed while waiting for response")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *wsSession) readLoop() {
	for {
		var resp jsonRPCResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				slog.Debug("MCP websocket read error", "server", s.cfg.Name, "error", err)
				s.Close()
			}
			return
		}
		if resp.ID == 0 {
			// Notification, nobody is waiting on it.
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		s.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}
