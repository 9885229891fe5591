package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/nimbus/pkg/config"
)

var testUpgrader = websocket.Upgrader{}

// newWebSocketMCPServer answers JSON-RPC requests over one websocket
// connection and pushes an id-less notification before each response to
// exercise the dispatch path.
func newWebSocketMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req jsonRPCRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			_ = conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notifications/progress",
			})

			switch req.Method {
			case "initialize":
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result":  map[string]any{"protocolVersion": protocolVersion},
				})
			case "tools/list":
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result": toolListResult{Tools: []wireTool{{
						Name:        "lookup",
						Description: "Look something up",
					}}},
				})
			case "tools/call":
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result":  toolCallResult{Content: []wireContent{{Type: "text", Text: "found"}}},
				})
			}
		}
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebSocketSession_ListAndCall(t *testing.T) {
	ts := newWebSocketMCPServer(t)
	defer ts.Close()

	s, err := openWebSocketSession(context.Background(), config.MCPServerConfig{
		Name:      "lookup",
		Transport: config.MCPTransportWebSocket,
		URL:       wsURL(ts),
	})
	require.NoError(t, err)
	defer s.Close()

	specs, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "lookup", specs[0].Name)

	content, err := s.CallTool(context.Background(), "lookup", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.Equal(t, "found", content)
}

func TestWebSocketSession_DialFailure(t *testing.T) {
	_, err := openWebSocketSession(context.Background(), config.MCPServerConfig{
		Name:      "down",
		Transport: config.MCPTransportWebSocket,
		URL:       "ws://127.0.0.1:1",
	})
	require.Error(t, err)
}

func TestWebSocketSession_CallAfterClose(t *testing.T) {
	ts := newWebSocketMCPServer(t)
	defer ts.Close()

	s, err := openWebSocketSession(context.Background(), config.MCPServerConfig{
		Name:      "lookup",
		Transport: config.MCPTransportWebSocket,
		URL:       wsURL(ts),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ListTools(context.Background())
	require.Error(t, err)
}
