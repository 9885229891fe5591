package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/httpclient"
)

// sseResponseTimeout bounds reading a single SSE-framed JSON-RPC response.
const sseResponseTimeout = 5 * time.Minute

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolListResult struct {
	Tools []wireTool `json:"tools"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolCallResult struct {
	IsError bool          `json:"isError"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// httpSession speaks JSON-RPC over HTTP, covering both the sse and the
// streamable-http transports. Responses may arrive as plain JSON or as a
// single SSE-framed event; the streamable-http session id travels in the
// mcp-session-id header.
type httpSession struct {
	cfg    config.MCPServerConfig
	client *httpclient.Client
	nextID atomic.Int64

	sessionMu sync.RWMutex
	sessionID string
}

func openHTTPSession(ctx context.Context, cfg config.MCPServerConfig) (*httpSession, error) {
	s := &httpSession{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}

	resp, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "nimbus",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}
	return s, nil
}

func (s *httpSession) ListTools(ctx context.Context) ([]ToolSpec, error) {
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

func (s *httpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
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

func (s *httpSession) Close() error {
	return nil
}

// call sends one JSON-RPC request and reads its response, handling both
// plain JSON and SSE-framed replies.
func (s *httpSession) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      s.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		slog.Debug("MCP HTTP request failed",
			"server", s.cfg.Name,
			"method", method,
			"error", err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an SSE
// stream.
func (s *httpSession) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
				return &resp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "server", s.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))

			// Empty line signals end of event.
			if lineStr == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", sseResponseTimeout)
	}
}
