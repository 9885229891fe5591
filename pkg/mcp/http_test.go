package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/nimbus/pkg/config"
)

func decodeRPC(t *testing.T, r *http.Request) jsonRPCRequest {
	t.Helper()
	var req jsonRPCRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func writeRPCResult(w http.ResponseWriter, id int64, result any) {
	w.Header().Set("Content-Type", "application/json")
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

// newMCPServer serves initialize, tools/list and tools/call. callHandler
// receives the tools/call params and returns the result payload.
func newMCPServer(t *testing.T, callHandler func(params map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRPC(t, r)
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-1")
			writeRPCResult(w, req.ID, map[string]any{"protocolVersion": protocolVersion})
		case "tools/list":
			assert.Equal(t, "sess-1", r.Header.Get("mcp-session-id"))
			writeRPCResult(w, req.ID, toolListResult{Tools: []wireTool{{
				Name:        "get_weather",
				Description: "Current weather for a city",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			}}})
		case "tools/call":
			assert.Equal(t, "sess-1", r.Header.Get("mcp-session-id"))
			params, _ := req.Params.(map[string]any)
			writeRPCResult(w, req.ID, callHandler(params))
		default:
			t.Errorf("unexpected method %q", req.Method)
		}
	}))
}

func httpServerConfig(url string) config.MCPServerConfig {
	return config.MCPServerConfig{
		Name:      "weather",
		Transport: config.MCPTransportHTTP,
		URL:       url,
	}
}

func TestHTTPSession_ListAndCall(t *testing.T) {
	ts := newMCPServer(t, func(params map[string]any) any {
		assert.Equal(t, "get_weather", params["name"])
		args, _ := params["arguments"].(map[string]any)
		assert.Equal(t, "Paris", args["city"])
		return toolCallResult{Content: []wireContent{
			{Type: "text", Text: "sunny"},
			{Type: "text", Text: "22C"},
		}}
	})
	defer ts.Close()

	s, err := openHTTPSession(context.Background(), httpServerConfig(ts.URL))
	require.NoError(t, err)
	defer s.Close()

	specs, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "get_weather", specs[0].Name)
	assert.Equal(t, "object", specs[0].InputSchema["type"])

	// Text content blocks are joined in order.
	content, err := s.CallTool(context.Background(), "get_weather", map[string]any{"city": "Paris"})
	require.NoError(t, err)
	assert.Equal(t, "sunny\n22C", content)
}

func TestHTTPSession_SSEFramedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRPC(t, r)
		if req.Method == "initialize" {
			writeRPCResult(w, req.ID, map[string]any{})
			return
		}

		raw, _ := json.Marshal(toolCallResult{Content: []wireContent{{Type: "text", Text: "framed"}}})
		resp, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
	}))
	defer ts.Close()

	s, err := openHTTPSession(context.Background(), httpServerConfig(ts.URL))
	require.NoError(t, err)
	defer s.Close()

	content, err := s.CallTool(context.Background(), "get_weather", nil)
	require.NoError(t, err)
	assert.Equal(t, "framed", content)
}

func TestHTTPSession_ToolError(t *testing.T) {
	ts := newMCPServer(t, func(map[string]any) any {
		return toolCallResult{
			IsError: true,
			Content: []wireContent{{Type: "text", Text: "city not found"}},
		}
	})
	defer ts.Close()

	s, err := openHTTPSession(context.Background(), httpServerConfig(ts.URL))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CallTool(context.Background(), "get_weather", map[string]any{"city": "Atlantis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "city not found")
}

func TestHTTPSession_RPCError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRPC(t, r)
		if req.Method == "initialize" {
			writeRPCResult(w, req.ID, map[string]any{})
			return
		}
		_ = json.NewEncoder(w).Encode(jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: -32601, Message: "method not found"},
		})
	}))
	defer ts.Close()

	s, err := openHTTPSession(context.Background(), httpServerConfig(ts.URL))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListTools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestHTTPSession_CustomHeaders(t *testing.T) {
	var gotHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		req := decodeRPC(t, r)
		writeRPCResult(w, req.ID, map[string]any{})
	}))
	defer ts.Close()

	cfg := httpServerConfig(ts.URL)
	cfg.Headers = map[string]string{"X-Api-Key": "k-123"}

	_, err := openHTTPSession(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "k-123", gotHeader)
}
